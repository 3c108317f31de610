// Package hpc programs one hardware performance counter per traced
// thread. The counter counts retired branch instructions; the recorder
// reads it to place events on the tracee's timeline and to bound how
// far a tracee runs between events.
package hpc

import (
	"encoding/binary"

	"golang.org/x/sys/unix"

	"github.com/hitzhangjie/gorr/pkg/logx"
	"github.com/hitzhangjie/gorr/pkg/task"
)

type counter struct {
	attr unix.PerfEventAttr
	fd   int
}

// Counters implements task.Counters on top of perf_event_open.
type Counters struct {
	byTid map[int]*counter
}

func New() *Counters {
	return &Counters{byTid: make(map[int]*counter)}
}

// Init prepares the counter attributes for a newly registered thread.
// The counter stays disabled until Start arms it.
func (c *Counters) Init(ctx *task.Context) {
	c.byTid[ctx.Tid] = &counter{
		attr: unix.PerfEventAttr{
			Type:   unix.PERF_TYPE_HARDWARE,
			Size:   unix.PERF_ATTR_SIZE_VER1,
			Config: unix.PERF_COUNT_HW_BRANCH_INSTRUCTIONS,
			Bits:   unix.PerfBitDisabled | unix.PerfBitExcludeKernel | unix.PerfBitExcludeHv,
		},
		fd: -1,
	}
}

// Start opens and enables the thread's counter with the given overflow
// budget. Counter setup failure leaves the recording without a
// timeline and is fatal.
func (c *Counters) Start(ctx *task.Context, budget uint64) {
	cnt := c.byTid[ctx.Tid]
	cnt.attr.Sample = budget

	fd, err := unix.PerfEventOpen(&cnt.attr, ctx.Tid, -1, -1, unix.PERF_FLAG_FD_CLOEXEC)
	if err != nil {
		logx.Hpc.Fatal().Err(err).Int("tid", ctx.Tid).Msg("perf_event_open failed")
	}
	cnt.fd = fd

	if err := unix.IoctlSetInt(fd, unix.PERF_EVENT_IOC_RESET, 0); err != nil {
		logx.Hpc.Fatal().Err(err).Int("tid", ctx.Tid).Msg("reset counter failed")
	}
	if err := unix.IoctlSetInt(fd, unix.PERF_EVENT_IOC_ENABLE, 0); err != nil {
		logx.Hpc.Fatal().Err(err).Int("tid", ctx.Tid).Msg("enable counter failed")
	}
	logx.Hpc.Debug().Int("tid", ctx.Tid).Uint64("budget", budget).Msg("counter started")
}

// ReadTicks returns the retired branch count for ctx since Start.
func (c *Counters) ReadTicks(ctx *task.Context) uint64 {
	cnt := c.byTid[ctx.Tid]
	if cnt == nil || cnt.fd < 0 {
		return 0
	}
	var buf [8]byte
	n, err := unix.Read(cnt.fd, buf[:])
	if err != nil || n != 8 {
		logx.Hpc.Fatal().Err(err).Int("tid", ctx.Tid).Msg("read counter failed")
	}
	return binary.LittleEndian.Uint64(buf[:])
}

// Cleanup disables and closes the thread's counter. Called exactly
// once at deregistration.
func (c *Counters) Cleanup(ctx *task.Context) {
	cnt := c.byTid[ctx.Tid]
	if cnt == nil {
		return
	}
	if cnt.fd >= 0 {
		unix.IoctlSetInt(cnt.fd, unix.PERF_EVENT_IOC_DISABLE, 0)
		unix.Close(cnt.fd)
	}
	delete(c.byTid, ctx.Tid)
}
