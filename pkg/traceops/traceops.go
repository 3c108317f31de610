package traceops

import (
	"fmt"
	"runtime"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/hitzhangjie/gorr/pkg/logx"
)

// ptrace options armed on every traced thread: follow clones, stop at
// thread exit, and mark syscall stops with bit 7 of the stop signal.
const traceOptions = unix.PTRACE_O_TRACECLONE |
	unix.PTRACE_O_TRACEEXIT |
	unix.PTRACE_O_TRACESYSGOOD

// Ops performs the raw process-control syscalls for one recording
// session. Every ptrace request is funneled through a single locked
// OS thread, because the kernel only accepts ptrace requests from the
// thread that attached.
//
// issue: https://github.com/golang/go/issues/7699
type Ops struct {
	once       *sync.Once
	ptraceCh   chan func()
	ptraceDone chan int
	stopCh     chan int
}

func New() *Ops {
	return &Ops{
		once:       &sync.Once{},
		ptraceCh:   make(chan func()),
		ptraceDone: make(chan int),
		stopCh:     make(chan int),
	}
}

// ExecPtrace runs fn on the dedicated tracer thread and waits for it
// to finish.
func (o *Ops) ExecPtrace(fn func()) {
	o.once.Do(func() {
		go func() {
			// ensure all ptrace requests go via the same tracer thread
			runtime.LockOSThread()
			defer runtime.UnlockOSThread()

			for {
				select {
				case reqFn := <-o.ptraceCh:
					reqFn()
					o.ptraceDone <- 1
				case <-o.stopCh:
					return
				}
			}
		}()
	})
	o.ptraceCh <- fn
	<-o.ptraceDone
}

// StopPtrace releases the tracer thread. No ptrace request may follow.
func (o *Ops) StopPtrace() {
	close(o.stopCh)
}

// SetupAttach arms the trace options on a freshly stopped thread. The
// thread is already traced at this point, either via PTRACE_TRACEME at
// launch or automatically through PTRACE_O_TRACECLONE; a setup failure
// means we cannot control the tracee and is fatal.
func (o *Ops) SetupAttach(tid int) {
	var err error
	o.ExecPtrace(func() {
		err = unix.PtraceSetOptions(tid, traceOptions)
	})
	if err != nil {
		logx.Trace.Fatal().Err(err).Int("tid", tid).Msg("set ptrace options failed")
	}
}

// Detach detaches from an exiting thread. The thread is usually dead
// or dying by the time we detach, so failures are only logged.
func (o *Ops) Detach(tid int) {
	var err error
	o.ExecPtrace(func() {
		err = unix.PtraceDetach(tid)
	})
	if err != nil {
		logx.Trace.Debug().Err(err).Int("tid", tid).Msg("detach failed")
		return
	}
	logx.Trace.Debug().Int("tid", tid).Msg("detached")
}

// Resume restarts tid until its next syscall boundary, delivering sig
// if non-zero.
func (o *Ops) Resume(tid, sig int) error {
	var err error
	o.ExecPtrace(func() {
		err = unix.PtraceSyscall(tid, sig)
	})
	return err
}

// CloneChild reads the tid of the thread a clone stop just created.
func (o *Ops) CloneChild(tid int) (int, error) {
	var (
		child uint
		err   error
	)
	o.ExecPtrace(func() {
		child, err = unix.PtraceGetEventMsg(tid)
	})
	return int(child), err
}

// ProbeStatus checks whether tid changed state, without suspending the
// caller. A probe failure leaves the scheduler without a consistent
// view of the tracee and is fatal.
func (o *Ops) ProbeStatus(tid int) (unix.WaitStatus, bool) {
	var status unix.WaitStatus
	wpid, err := unix.Wait4(tid, &status, unix.WNOHANG|unix.WALL|unix.WUNTRACED, nil)
	if err != nil {
		logx.Trace.Fatal().Err(err).Int("tid", tid).Msg("non-blocking wait failed")
	}
	return status, wpid == tid
}

// WaitFor blocks until tid changes state.
func (o *Ops) WaitFor(tid int) (unix.WaitStatus, error) {
	var status unix.WaitStatus
	_, err := unix.Wait4(tid, &status, unix.WALL, nil)
	return status, err
}

// WaitAny blocks until any traced thread changes state, returning the
// raw errno on failure; the scheduler owns the EINTR retry.
func (o *Ops) WaitAny() (int, unix.WaitStatus, error) {
	var status unix.WaitStatus
	tid, err := unix.Wait4(-1, &status, unix.WALL|unix.WUNTRACED, nil)
	return tid, status, err
}

// Kill sends sig to tid.
func (o *Ops) Kill(tid int, sig unix.Signal) error {
	return unix.Kill(tid, sig)
}

// OpenChildMem opens the tracee's memory for the syscall buffer
// subsystem to read and patch through.
func (o *Ops) OpenChildMem(tid int) int {
	fd, err := unix.Open(fmt.Sprintf("/proc/%d/mem", tid), unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		logx.Trace.Fatal().Err(err).Int("tid", tid).Msg("open child mem failed")
	}
	return fd
}

// Close closes an fd owned by the scheduler's contexts.
func (o *Ops) Close(fd int) {
	if fd >= 0 {
		unix.Close(fd)
	}
}
