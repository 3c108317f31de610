package task

import (
	"go.uber.org/atomic"
	"golang.org/x/sys/unix"
)

var ctxSeqNo = atomic.NewUint64(0)

// ExecState describes where a traced thread currently is from the
// scheduler's point of view. The state space is fixed; scheduling
// logic switches on it directly.
type ExecState int

const (
	// Runnable means the thread is stopped at a point where it can be
	// resumed immediately.
	Runnable ExecState = iota
	// ProcessingSyscall means the thread entered a system call and may
	// be blocked in the kernel; it must be probed before scheduling.
	ProcessingSyscall
	// Exiting means the thread hit its exit stop and will disappear
	// after its next resume.
	Exiting
)

func (s ExecState) String() string {
	switch s {
	case Runnable:
		return "runnable"
	case ProcessingSyscall:
		return "processing-syscall"
	case Exiting:
		return "exiting"
	default:
		return "unknown"
	}
}

// Context is the full per-thread scheduling and tracing state record.
// Contexts are owned by the scheduler's registry; holding one across a
// scheduling call is only safe while its tid remains registered.
type Context struct {
	Tid    int // OS thread id
	RecTid int // recorded identity, normally equal to Tid
	Seq    uint64

	ExecState ExecState
	Status    unix.WaitStatus // last observed wait status

	// SwitchCounter counts down the remaining turns before this thread
	// should yield to its ring successor. Switchable false means the
	// thread must not be preempted right now.
	SwitchCounter int
	Switchable    bool

	ChildMemFD int // open handle to /proc/<tid>/mem

	// Descheduling notification descriptors, tracer side and the fd
	// number inside the tracee. Left at -1 until the syscall buffer
	// subsystem initializes them.
	DeschedFD      int
	DeschedFDChild int

	// Mapping range of the syscall interception helper library inside
	// the tracee, inherited from the parent thread.
	SyscallbufLibStart uintptr
	SyscallbufLibEnd   uintptr
}

func newContext(tid int) *Context {
	return &Context{
		Tid:            tid,
		RecTid:         tid,
		Seq:            ctxSeqNo.Add(1),
		ExecState:      Runnable,
		Switchable:     true,
		ChildMemFD:     -1,
		DeschedFD:      -1,
		DeschedFDChild: -1,
	}
}
