package record

import (
	"go.uber.org/atomic"
	"golang.org/x/sys/unix"

	"github.com/hitzhangjie/gorr/pkg/logx"
	"github.com/hitzhangjie/gorr/pkg/task"
)

// Current is the recorder of the in-flight session, used by the
// process signal handler to request shutdown.
var Current *Recorder

const syscallStopSig = unix.SIGTRAP | 0x80

// procControl is the slice of process control the recorder loop
// drives directly, besides what the scheduler drives itself.
type procControl interface {
	Resume(tid, sig int) error
	WaitFor(tid int) (unix.WaitStatus, error)
	CloneChild(tid int) (int, error)
}

// Recorder drives the scheduler one decision per iteration until
// every traced thread has exited.
type Recorder struct {
	sched     *task.Scheduler
	procs     procControl
	maxEvents int

	// pending signals to re-inject at the next resume, per tid
	pending map[int]int
	stop    *atomic.Bool
}

func New(sched *task.Scheduler, procs procControl, maxEvents int) *Recorder {
	return &Recorder{
		sched:     sched,
		procs:     procs,
		maxEvents: maxEvents,
		pending:   make(map[int]int),
		stop:      atomic.NewBool(false),
	}
}

// RequestStop asks the loop to interrupt all tracees and drain at its
// next iteration. Safe to call from the signal goroutine.
func (r *Recorder) RequestStop() {
	r.stop.Store(true)
}

// Run records until the registry drains, either because the tracee
// tree exited or because a stop was requested.
func (r *Recorder) Run() {
	var prev *task.Context
	for r.sched.ActiveThreadCount() > 0 {
		if r.stop.Load() {
			logx.Record.Info().Msg("stop requested, interrupting all tracees")
			r.sched.ExitAll()
			break
		}

		ctx, byWait := r.sched.SelectNext(prev, r.maxEvents)
		if !byWait {
			if ctx.ExecState == task.ProcessingSyscall {
				// Un-switchable and still inside the kernel. Nothing
				// else may run, so wait for this thread right here.
				status, err := r.procs.WaitFor(ctx.Tid)
				if err != nil {
					logx.Record.Fatal().Err(err).Int("tid", ctx.Tid).Msg("wait failed")
				}
				ctx.Status = status
			} else {
				sig := r.pending[ctx.Tid]
				delete(r.pending, ctx.Tid)
				if err := r.procs.Resume(ctx.Tid, sig); err != nil {
					logx.Record.Fatal().Err(err).Int("tid", ctx.Tid).Msg("resume failed")
				}
				status, err := r.procs.WaitFor(ctx.Tid)
				if err != nil {
					logx.Record.Fatal().Err(err).Int("tid", ctx.Tid).Msg("wait failed")
				}
				ctx.Status = status
			}
		}
		prev = r.handleStop(ctx)
	}
	logx.Record.Info().Msg("all traced threads exited")
}

// handleStop classifies the wait status attached to ctx and updates
// scheduling state. It returns the context to pass as prev on the
// next selection, nil if the thread is gone.
func (r *Recorder) handleStop(ctx *task.Context) *task.Context {
	status := ctx.Status
	switch {
	case status.Exited():
		logx.Record.Debug().Int("tid", ctx.Tid).Int("code", status.ExitStatus()).Msg("thread exited")
		dead := ctx
		r.sched.DeregisterThread(&dead)
		delete(r.pending, ctx.Tid)
		return nil
	case status.Signaled():
		logx.Record.Debug().Int("tid", ctx.Tid).Str("sig", status.Signal().String()).Msg("thread killed")
		dead := ctx
		r.sched.DeregisterThread(&dead)
		delete(r.pending, ctx.Tid)
		return nil
	case status.Stopped():
		return r.handleTraceStop(ctx)
	default:
		return ctx
	}
}

func (r *Recorder) handleTraceStop(ctx *task.Context) *task.Context {
	sig := ctx.Status.StopSignal()
	switch {
	case ctx.Status.TrapCause() == unix.PTRACE_EVENT_CLONE:
		// A traced thread cloned a new one; grab the child tid and
		// register it before anything else runs.
		child, err := r.procs.CloneChild(ctx.Tid)
		if err == unix.ESRCH {
			// thread died while we were adding it
			return ctx
		}
		if err != nil {
			logx.Record.Fatal().Err(err).Int("tid", ctx.Tid).Msg("read clone event failed")
		}
		logx.Record.Debug().Int("tid", ctx.Tid).Int("child", child).Msg("thread cloned")
		r.sched.RegisterThread(ctx.Tid, child)
		// The event stop sits in the middle of the parent's clone
		// syscall; send it on towards the syscall exit stop.
		if err := r.procs.Resume(ctx.Tid, 0); err != nil {
			logx.Record.Fatal().Err(err).Int("tid", ctx.Tid).Msg("resume after clone failed")
		}
		return ctx
	case ctx.Status.TrapCause() == unix.PTRACE_EVENT_EXIT:
		// The thread reached its exit stop. It must be driven to its
		// real exit by itself; switching away now would leave a
		// half-recorded teardown.
		ctx.ExecState = task.Exiting
		ctx.Switchable = false
		return ctx
	case sig == syscallStopSig:
		if ctx.ExecState == task.ProcessingSyscall {
			// syscall exit stop, the thread is resumable again
			ctx.ExecState = task.Runnable
			return ctx
		}
		// Syscall entry. Let the thread proceed into the kernel right
		// away; the scheduler probes it until the call returns.
		ctx.ExecState = task.ProcessingSyscall
		if err := r.procs.Resume(ctx.Tid, 0); err != nil {
			logx.Record.Fatal().Err(err).Int("tid", ctx.Tid).Msg("resume into syscall failed")
		}
		return ctx
	default:
		// Genuine signal. The thread is back in a trace stop, so it is
		// resumable; re-inject the signal at the next resume.
		logx.Record.Debug().Int("tid", ctx.Tid).Str("sig", sig.String()).Msg("signal stop")
		ctx.ExecState = task.Runnable
		r.pending[ctx.Tid] = int(sig)
		return ctx
	}
}
