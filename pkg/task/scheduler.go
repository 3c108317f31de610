package task

import (
	"golang.org/x/sys/unix"

	"github.com/hitzhangjie/gorr/pkg/logx"
)

// TraceControl is the trace attachment machinery the scheduler drives
// at thread registration and teardown.
type TraceControl interface {
	SetupAttach(tid int)
	Detach(tid int)
}

// Counters manages the hardware performance counters attached to each
// traced thread.
type Counters interface {
	Init(ctx *Context)
	Start(ctx *Context, budget uint64)
	Cleanup(ctx *Context)
}

// ProcOps are the raw process-control primitives the scheduler
// observes tracees through.
type ProcOps interface {
	// ProbeStatus reports whether tid changed state, without blocking.
	ProbeStatus(tid int) (unix.WaitStatus, bool)
	// WaitAny blocks until any traced thread changes state. The error
	// is the raw errno; the scheduler retries EINTR itself.
	WaitAny() (int, unix.WaitStatus, error)
	Kill(tid int, sig unix.Signal) error
	// OpenChildMem opens /proc/<tid>/mem; failure is fatal inside the
	// implementation, a valid fd always comes back.
	OpenChildMem(tid int) int
	Close(fd int)
}

// Scheduler decides which traced thread gets the next execution turn.
// One instance serves one recording session and is driven
// synchronously by a single caller; nothing here is safe for
// concurrent use.
type Scheduler struct {
	reg      *registry
	trace    TraceControl
	counters Counters
	procs    ProcOps
	maxRbc   uint64
}

// NewScheduler wires a scheduler to its collaborators. maxRbc is the
// counter budget armed on every newly registered thread.
func NewScheduler(trace TraceControl, counters Counters, procs ProcOps, maxRbc uint64) *Scheduler {
	return &Scheduler{
		reg:      newRegistry(),
		trace:    trace,
		counters: counters,
		procs:    procs,
		maxRbc:   maxRbc,
	}
}

// SelectNext retrieves the next thread to run, round-robin over the
// task ring. prev is the context that just ran, nil on the first call.
// maxEvents is the per-turn event budget. The bool result reports
// whether the choice was discovered via a wait on the tracee rather
// than found already eligible.
//
// When prev is un-switchable it is returned unchanged. If prev is also
// blocked in a syscall the caller will observe no state change and ask
// again, and we hand back prev again; that spin is accepted and owned
// by the caller's retry loop.
func (s *Scheduler) SelectNext(prev *Context, maxEvents int) (*Context, bool) {
	logx.Sched.Debug().Msg("scheduling next task")

	if s.reg.count == 0 {
		panic("task: SelectNext on empty registry")
	}

	e := s.reg.current
	if e == nil {
		e = s.reg.head
		s.reg.current = e
	}

	if prev != nil && !prev.Switchable {
		logx.Sched.Debug().Int("tid", prev.Tid).Msg("un-switchable, keeping")
		return prev, false
	}

	// Prefer moving on once the previous task used up its turn
	// allowance.
	if prev != nil && prev.SwitchCounter < 0 {
		logx.Sched.Debug().Int("tid", prev.Tid).Msg("event budget exhausted, preferring successor")
		e = e.successor()
		s.reg.current = e
		prev.SwitchCounter = maxEvents
	}

	// Walk the ring exactly one lap looking for a runnable thread.
	var (
		next   *Context
		byWait bool
	)
	start := s.reg.current
	for {
		ctx := e.ctx
		if ctx.ExecState != ProcessingSyscall {
			logx.Sched.Debug().Int("tid", ctx.Tid).Msg("not blocked, done")
			next = ctx
			break
		}
		if status, changed := s.procs.ProbeStatus(ctx.Tid); changed {
			logx.Sched.Debug().Int("tid", ctx.Tid).Msg("blocked syscall became ready")
			ctx.Status = status
			next = ctx
			byWait = true
			break
		}
		e = e.successor()
		if e == start {
			break
		}
	}

	if next == nil {
		// Every task is blocked in the kernel. Wait for the first one
		// to change state.
		logx.Sched.Debug().Int("threads", s.reg.count).Msg("all tasks blocked, waiting")
		var (
			tid    int
			status unix.WaitStatus
			err    error
		)
		for {
			tid, status, err = s.procs.WaitAny()
			if err == nil {
				break
			}
			if err == unix.EINTR {
				continue
			}
			logx.Sched.Fatal().Err(err).Msg("wait for traced threads failed")
		}
		e = s.reg.byTid[tid]
		next = e.ctx
		next.Status = status
		byWait = true
	}

	s.reg.current = e

	// Budgeted turns tick down only while the same thread keeps
	// running; any hand-over starts a fresh budget.
	if prev == next {
		next.SwitchCounter--
	} else {
		next.SwitchCounter = maxEvents
	}
	return next, byWait
}

// RegisterThread creates and registers the context for a newly traced
// thread. parentTid is zero for the first process; otherwise the
// child inherits the parent's syscall helper library mapping. External
// setup failures are fatal inside the respective collaborator.
func (s *Scheduler) RegisterThread(parentTid, childTid int) {
	ctx := newContext(childTid)
	ctx.ChildMemFD = s.procs.OpenChildMem(childTid)
	if parentTid != 0 {
		parent := s.reg.lookup(parentTid)
		ctx.SyscallbufLibStart = parent.SyscallbufLibStart
		ctx.SyscallbufLibEnd = parent.SyscallbufLibEnd
	}

	s.trace.SetupAttach(childTid)
	s.counters.Init(ctx)
	s.counters.Start(ctx, s.maxRbc)

	s.reg.insert(ctx)
	logx.Sched.Debug().Int("tid", childTid).Int("threads", s.reg.count).Msg("thread registered")
}

// DeregisterThread removes a thread that exited and releases every
// resource tied to it, exactly once. The caller's reference is nilled;
// the context must not be used afterwards.
func (s *Scheduler) DeregisterThread(ctxp **Context) {
	ctx := *ctxp
	s.reg.remove(ctx.Tid)

	s.counters.Cleanup(ctx)
	s.procs.Close(ctx.ChildMemFD)
	if ctx.DeschedFD >= 0 {
		s.procs.Close(ctx.DeschedFD)
	}
	s.trace.Detach(ctx.Tid)

	logx.Sched.Debug().Int("tid", ctx.Tid).Int("threads", s.reg.count).Msg("thread deregistered")
	*ctxp = nil
}

// ExitAll interrupts and deregisters every traced thread, draining the
// registry. This is the sole shutdown path; it does not attempt
// partial-failure recovery.
func (s *Scheduler) ExitAll() {
	for s.reg.head != nil {
		ctx := s.reg.head.ctx
		if err := s.procs.Kill(ctx.Tid, unix.SIGINT); err != nil {
			logx.Sched.Fatal().Err(err).Int("tid", ctx.Tid).Msg("interrupting traced thread failed")
		}
		s.DeregisterThread(&ctx)
	}
}

// ActiveThreadCount returns the number of live traced threads.
func (s *Scheduler) ActiveThreadCount() int {
	return s.reg.count
}

// Lookup returns the context for a live tid, or nil if it is not
// registered.
func (s *Scheduler) Lookup(tid int) *Context {
	return s.reg.lookup(tid)
}
