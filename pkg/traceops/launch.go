package traceops

import (
	"os"
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/hitzhangjie/gorr/pkg/logx"
)

// LaunchTraced starts execName with args as a traced child, stopped at
// its first signal stop and ready for SetupAttach.
//
// PTRACE_O_TRACECLONE (armed by SetupAttach) makes the kernel stop the
// tracee at every clone(2) and automatically start tracing the new
// thread, which starts with a SIGSTOP. A waitpid by the tracer then
// returns a status value for the new thread. See `man 2 ptrace`.
func (o *Ops) LaunchTraced(execName string, args ...string) (*os.Process, error) {
	progCmd := exec.Command(execName, args...)
	progCmd.Stdin = os.Stdin
	progCmd.Stdout = os.Stdout
	progCmd.Stderr = os.Stderr

	progCmd.SysProcAttr = &syscall.SysProcAttr{
		Ptrace:     true, // implies PTRACE_TRACEME
		Setpgid:    true,
		Foreground: false,
	}
	progCmd.Env = os.Environ()

	var err error
	o.ExecPtrace(func() {
		err = progCmd.Start()
	})
	if err != nil {
		return nil, err
	}

	// wait tracee stopped
	var status unix.WaitStatus
	_, err = unix.Wait4(progCmd.Process.Pid, &status, unix.WALL, nil)
	if err != nil {
		return nil, err
	}
	logx.Trace.Info().Int("pid", progCmd.Process.Pid).Bool("stopped", status.Stopped()).Msg("tracee launched")

	return progCmd.Process, nil
}
