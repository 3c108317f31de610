package task

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

// stopped-by-SIGTRAP wait status, what a probe typically reports
const trapStopStatus = unix.WaitStatus(0x057f)

type fakeTrace struct {
	attached []int
	detached []int
}

func (f *fakeTrace) SetupAttach(tid int) { f.attached = append(f.attached, tid) }

func (f *fakeTrace) Detach(tid int) { f.detached = append(f.detached, tid) }

type fakeCounters struct {
	inited  []int
	started []int
	budgets []uint64
	cleaned []int
}

func (f *fakeCounters) Init(ctx *Context) { f.inited = append(f.inited, ctx.Tid) }
func (f *fakeCounters) Start(ctx *Context, budget uint64) {
	f.started = append(f.started, ctx.Tid)
	f.budgets = append(f.budgets, budget)
}
func (f *fakeCounters) Cleanup(ctx *Context) { f.cleaned = append(f.cleaned, ctx.Tid) }

type waitEvent struct {
	tid    int
	status unix.WaitStatus
	err    error
}

type fakeProcs struct {
	// probe answers per tid, consumed front to back; empty means
	// "still blocked"
	probes map[int][]unix.WaitStatus
	// WaitAny answers, consumed front to back
	waits  []waitEvent
	killed []int
	nextFD int
	closed []int
}

func newFakeProcs() *fakeProcs {
	return &fakeProcs{probes: make(map[int][]unix.WaitStatus), nextFD: 100}
}

func (f *fakeProcs) ProbeStatus(tid int) (unix.WaitStatus, bool) {
	q := f.probes[tid]
	if len(q) == 0 {
		return 0, false
	}
	f.probes[tid] = q[1:]
	return q[0], true
}

func (f *fakeProcs) WaitAny() (int, unix.WaitStatus, error) {
	ev := f.waits[0]
	f.waits = f.waits[1:]
	return ev.tid, ev.status, ev.err
}

func (f *fakeProcs) Kill(tid int, sig unix.Signal) error {
	f.killed = append(f.killed, tid)
	return nil
}

func (f *fakeProcs) OpenChildMem(tid int) int {
	f.nextFD++
	return f.nextFD
}

func (f *fakeProcs) Close(fd int) { f.closed = append(f.closed, fd) }

func newTestScheduler() (*Scheduler, *fakeTrace, *fakeCounters, *fakeProcs) {
	trace := &fakeTrace{}
	counters := &fakeCounters{}
	procs := newFakeProcs()
	return NewScheduler(trace, counters, procs, 1<<20), trace, counters, procs
}

func TestRegisterThreadSetsUpContext(t *testing.T) {
	s, trace, counters, _ := newTestScheduler()

	s.RegisterThread(0, 101)
	require.Equal(t, 1, s.ActiveThreadCount())

	ctx := s.Lookup(101)
	require.NotNil(t, ctx)
	assert.Equal(t, 101, ctx.Tid)
	assert.Equal(t, 101, ctx.RecTid)
	assert.Equal(t, Runnable, ctx.ExecState)
	assert.True(t, ctx.Switchable)
	assert.Greater(t, ctx.ChildMemFD, 0)
	assert.Equal(t, -1, ctx.DeschedFD, "desched fds belong to the syscall buffer subsystem")
	assert.Equal(t, -1, ctx.DeschedFDChild)

	assert.Equal(t, []int{101}, trace.attached)
	assert.Equal(t, []int{101}, counters.inited)
	assert.Equal(t, []int{101}, counters.started)
	assert.Equal(t, []uint64{1 << 20}, counters.budgets)
}

func TestRegisterThreadInheritsSyscallbufRange(t *testing.T) {
	s, _, _, _ := newTestScheduler()

	s.RegisterThread(0, 101)
	parent := s.Lookup(101)
	parent.SyscallbufLibStart = 0x7f0000000000
	parent.SyscallbufLibEnd = 0x7f0000010000

	s.RegisterThread(101, 102)
	child := s.Lookup(102)
	assert.Equal(t, parent.SyscallbufLibStart, child.SyscallbufLibStart)
	assert.Equal(t, parent.SyscallbufLibEnd, child.SyscallbufLibEnd)
}

func TestDeregisterThreadReleasesEverything(t *testing.T) {
	s, trace, counters, procs := newTestScheduler()

	s.RegisterThread(0, 101)
	ctx := s.Lookup(101)
	memFD := ctx.ChildMemFD
	ctx.DeschedFD = 998

	s.DeregisterThread(&ctx)
	assert.Nil(t, ctx, "the caller's reference is consumed")
	assert.Equal(t, 0, s.ActiveThreadCount())
	assert.Nil(t, s.Lookup(101))

	assert.Equal(t, []int{101}, counters.cleaned)
	assert.Equal(t, []int{memFD, 998}, procs.closed)
	assert.Equal(t, []int{101}, trace.detached)
}

func TestDeregisterCursorFollowsRemovalRule(t *testing.T) {
	s, _, _, _ := newTestScheduler()
	for _, tid := range []int{101, 102, 103} {
		s.RegisterThread(0, tid)
	}

	// place the cursor on 101
	ctx, byWait := s.SelectNext(nil, 3)
	require.Equal(t, 101, ctx.Tid)
	require.False(t, byWait)

	cur := s.Lookup(101)
	s.DeregisterThread(&cur)
	require.NotNil(t, s.reg.current)
	assert.Equal(t, 102, s.reg.current.ctx.Tid, "cursor advances to the prior ring successor")

	// draining the rest unsets the cursor
	cur = s.Lookup(102)
	s.DeregisterThread(&cur)
	cur = s.Lookup(103)
	s.DeregisterThread(&cur)
	assert.Nil(t, s.reg.current)
	assert.Equal(t, 0, s.ActiveThreadCount())

	// and a later registration starts a fresh sole-member ring
	s.RegisterThread(0, 104)
	ctx, byWait = s.SelectNext(nil, 3)
	assert.Equal(t, 104, ctx.Tid)
	assert.False(t, byWait)
	assert.Equal(t, 1, s.ActiveThreadCount())
}

func TestSelectNextBudgetCountdown(t *testing.T) {
	s, _, _, _ := newTestScheduler()
	for _, tid := range []int{101, 102, 103} {
		s.RegisterThread(0, tid)
	}

	// first selection hands the budget to 101
	ctx, _ := s.SelectNext(nil, 3)
	require.Equal(t, 101, ctx.Tid)
	assert.Equal(t, 3, ctx.SwitchCounter)

	// repeated selection of the same runnable thread ticks it down
	for _, want := range []int{2, 1, 0} {
		next, byWait := s.SelectNext(ctx, 3)
		require.Same(t, ctx, next)
		assert.False(t, byWait)
		assert.Equal(t, want, next.SwitchCounter)
	}

	// once the counter has gone negative the successor is preferred,
	// and the yielding thread gets its full budget back
	ctx.SwitchCounter = -1
	next, byWait := s.SelectNext(ctx, 3)
	require.Equal(t, 102, next.Tid)
	assert.False(t, byWait)
	assert.Equal(t, 3, ctx.SwitchCounter)
	assert.Equal(t, 3, next.SwitchCounter, "hand-over resets the new thread's budget")
}

func TestSelectNextUnswitchableOverride(t *testing.T) {
	s, _, _, _ := newTestScheduler()
	for _, tid := range []int{101, 102} {
		s.RegisterThread(0, tid)
	}

	ctx, _ := s.SelectNext(nil, 3)
	require.Equal(t, 101, ctx.Tid)
	before := ctx.SwitchCounter

	ctx.Switchable = false
	for i := 0; i < 3; i++ {
		next, byWait := s.SelectNext(ctx, 3)
		assert.Same(t, ctx, next, "un-switchable context comes back unchanged")
		assert.False(t, byWait)
		assert.Equal(t, before, ctx.SwitchCounter, "override path does not touch the budget")
	}

	// even with the budget exhausted, un-switchable wins
	ctx.SwitchCounter = -1
	next, _ := s.SelectNext(ctx, 3)
	assert.Same(t, ctx, next)
}

func TestSelectNextSkipsBlockedThread(t *testing.T) {
	s, _, _, _ := newTestScheduler()
	for _, tid := range []int{101, 102} {
		s.RegisterThread(0, tid)
	}

	ctx, _ := s.SelectNext(nil, 3)
	require.Equal(t, 101, ctx.Tid)
	ctx.ExecState = ProcessingSyscall // still blocked, probe stays empty

	next, byWait := s.SelectNext(ctx, 3)
	assert.Equal(t, 102, next.Tid)
	assert.False(t, byWait, "a runnable peer must be found without any blocking wait")
	assert.Equal(t, 3, next.SwitchCounter)
}

func TestSelectNextProbeFindsReadyThread(t *testing.T) {
	s, _, _, procs := newTestScheduler()
	s.RegisterThread(0, 101)

	ctx, _ := s.SelectNext(nil, 3)
	ctx.ExecState = ProcessingSyscall
	procs.probes[101] = []unix.WaitStatus{trapStopStatus}

	next, byWait := s.SelectNext(ctx, 3)
	assert.Same(t, ctx, next)
	assert.True(t, byWait)
	assert.Equal(t, trapStopStatus, next.Status, "the probe's status is recorded")
}

func TestSelectNextAllBlockedFallsBackToWait(t *testing.T) {
	s, _, _, procs := newTestScheduler()
	for _, tid := range []int{101, 102} {
		s.RegisterThread(0, tid)
	}

	ctx, _ := s.SelectNext(nil, 3)
	for _, tid := range []int{101, 102} {
		s.Lookup(tid).ExecState = ProcessingSyscall
	}

	// the wait is retried transparently across EINTR
	procs.waits = []waitEvent{
		{err: unix.EINTR},
		{tid: 102, status: trapStopStatus},
	}

	next, byWait := s.SelectNext(ctx, 3)
	assert.Equal(t, 102, next.Tid)
	assert.True(t, byWait)
	assert.Equal(t, trapStopStatus, next.Status)
	assert.Empty(t, procs.waits, "both wait answers consumed")

	// the cursor followed the selection
	assert.Equal(t, 102, s.reg.current.ctx.Tid)
}

func TestSelectNextOnEmptyRegistryPanics(t *testing.T) {
	s, _, _, _ := newTestScheduler()
	assert.Panics(t, func() { s.SelectNext(nil, 3) })
}

func TestExitAllDrainsRegistry(t *testing.T) {
	s, trace, counters, procs := newTestScheduler()
	for _, tid := range []int{101, 102, 103} {
		s.RegisterThread(0, tid)
	}

	s.ExitAll()
	assert.Equal(t, 0, s.ActiveThreadCount())
	assert.Equal(t, []int{101, 102, 103}, procs.killed, "ring head first, registration order")
	assert.Equal(t, []int{101, 102, 103}, counters.cleaned)
	assert.Equal(t, []int{101, 102, 103}, trace.detached)
	assert.Nil(t, s.reg.current)
	assert.Nil(t, s.reg.head)
}

func TestActiveThreadCountTracksLifecycle(t *testing.T) {
	s, _, _, _ := newTestScheduler()

	assert.Equal(t, 0, s.ActiveThreadCount())
	s.RegisterThread(0, 101)
	s.RegisterThread(101, 102)
	assert.Equal(t, 2, s.ActiveThreadCount())

	ctx := s.Lookup(101)
	s.DeregisterThread(&ctx)
	assert.Equal(t, 1, s.ActiveThreadCount())
}
