package task

import "fmt"

// MaxTID bounds valid thread ids, matching the kernel's PID_MAX_LIMIT.
const MaxTID = 1 << 22

// entry links one context into the circular task ring.
type entry struct {
	ctx  *Context
	next *entry
	prev *entry
}

// registry owns every live context: an O(1) tid lookup table, the
// circular round-robin ring, and the cursor on the last-scheduled
// entry. The ring preserves registration order; the live count always
// equals the ring length.
//
// Violations of the registry's preconditions are programming errors
// and panic rather than return.
type registry struct {
	byTid   map[int]*entry
	head    *entry // registration-order ring head, nil when empty
	current *entry // last-scheduled entry, nil when unset
	count   int
}

func newRegistry() *registry {
	return &registry{byTid: make(map[int]*entry)}
}

func (r *registry) lookup(tid int) *Context {
	if e := r.byTid[tid]; e != nil {
		return e.ctx
	}
	return nil
}

// insert links ctx at the ring tail. The tid must be in range and not
// yet registered.
func (r *registry) insert(ctx *Context) {
	if ctx.Tid <= 0 || ctx.Tid >= MaxTID {
		panic(fmt.Sprintf("task: tid %d out of range (0, %d)", ctx.Tid, MaxTID))
	}
	if _, ok := r.byTid[ctx.Tid]; ok {
		panic(fmt.Sprintf("task: tid %d registered twice", ctx.Tid))
	}

	e := &entry{ctx: ctx}
	if r.head == nil {
		e.next, e.prev = e, e
		r.head = e
	} else {
		tail := r.head.prev
		e.prev, e.next = tail, r.head
		tail.next, r.head.prev = e, e
	}
	r.byTid[ctx.Tid] = e
	r.count++
}

// remove unlinks the entry for tid and returns its context. If the
// removed entry is the cursor, the cursor moves to its ring successor,
// or becomes unset when the ring empties.
func (r *registry) remove(tid int) *Context {
	e := r.byTid[tid]
	if e == nil {
		panic(fmt.Sprintf("task: tid %d not registered", tid))
	}

	if e == r.current {
		r.current = e.next
		if e == r.current {
			if r.count != 1 {
				panic(fmt.Sprintf("task: sole ring entry with live count %d", r.count))
			}
			r.current = nil
		}
	}

	if e.next == e {
		r.head = nil
	} else {
		e.prev.next = e.next
		e.next.prev = e.prev
		if r.head == e {
			r.head = e.next
		}
	}
	e.next, e.prev = nil, nil

	delete(r.byTid, tid)
	r.count--
	if r.count < 0 {
		panic("task: negative live count")
	}
	return e.ctx
}

// successor returns the next ring entry, wrapping from tail to head.
func (e *entry) successor() *entry {
	return e.next
}
