package trap

import (
	"fmt"
	"io"
	"sync/atomic"

	"github.com/tcassar-diss/ksim/taskinfo"
	"github.com/tcassar-diss/ksim/timer"
	"github.com/tcassar-diss/ksim/usermem"
	"go.uber.org/zap"
)

// Syscall numbers.
const (
	SysWrite    = 64
	SysExit     = 93
	SysYield    = 124
	SysGetTime  = 169
	SysTaskInfo = 410
)

// FdStdout is the only file descriptor write accepts.
const FdStdout = 1

var syscallNames = map[uint64]string{
	SysWrite:    "write",
	SysExit:     "exit",
	SysYield:    "yield",
	SysGetTime:  "get_time",
	SysTaskInfo: "task_info",
}

// Name returns the syscall's name, or its number for syscalls the dispatcher doesn't know.
func Name(nr uint64) string {
	name, ok := syscallNames[nr]
	if ok {
		return name
	}

	return fmt.Sprintf("{Syscall %d}", nr)
}

// Tasks is what the dispatcher needs from the task registry.
type Tasks interface {
	RecordSyscall(nr int) error
	CurrentSpace() (*usermem.Space, error)
}

// Handlers are the process syscalls.
type Handlers interface {
	Exit(code int32)
	Yield() int32
	GetTime(dst usermem.Out[timer.TimeVal], reserved uint64) int32
	TaskInfo(dst usermem.Out[taskinfo.Info]) int32
}

// Faults are counts of syscalls that were rejected by the dispatcher.
type Faults struct {
	// OutOfRange syscalls had a number >= taskinfo.MaxSyscall and were never recorded.
	OutOfRange uint64 `json:"out_of_range"`
	Unknown    uint64 `json:"unknown"`
	BadAddress uint64 `json:"bad_address"`
	NoTask     uint64 `json:"no_task"`
}

// Dispatcher decodes a trapped syscall and routes it to its handler.
//
// Every syscall with an in-range number is counted against the current task before its handler runs, whether
// or not the handler then succeeds. exit never returns, so counting afterwards would lose it.
type Dispatcher struct {
	logger   *zap.SugaredLogger
	tasks    Tasks
	handlers Handlers
	console  io.Writer

	outOfRange atomic.Uint64
	unknown    atomic.Uint64
	badAddress atomic.Uint64
	noTask     atomic.Uint64
}

func NewDispatcher(logger *zap.SugaredLogger, tasks Tasks, handlers Handlers, console io.Writer) *Dispatcher {
	return &Dispatcher{
		logger:   logger,
		tasks:    tasks,
		handlers: handlers,
		console:  console,
	}
}

// Syscall handles one trap. The return value goes back to user code as-is.
func (d *Dispatcher) Syscall(nr uint64, args [3]uint64) int64 {
	if nr >= taskinfo.MaxSyscall {
		d.outOfRange.Add(1)
		d.logger.Warnw("syscall number out of range", "nr", nr, "max", taskinfo.MaxSyscall)

		return -1
	}

	if err := d.tasks.RecordSyscall(int(nr)); err != nil {
		d.noTask.Add(1)
		d.logger.Errorw("syscall outside of a task", "syscall", Name(nr), "err", err)

		return -1
	}

	switch nr {
	case SysWrite:
		return d.write(args[0], args[1], args[2])
	case SysExit:
		d.handlers.Exit(int32(args[0]))
		panic("unreachable: exit returned")
	case SysYield:
		return int64(d.handlers.Yield())
	case SysGetTime:
		dst, ok := translate[timer.TimeVal](d, nr, args[0])
		if !ok {
			return -1
		}

		return int64(d.handlers.GetTime(dst, args[1]))
	case SysTaskInfo:
		dst, ok := translate[taskinfo.Info](d, nr, args[0])
		if !ok {
			return -1
		}

		return int64(d.handlers.TaskInfo(dst))
	}

	d.unknown.Add(1)
	d.logger.Warnw("unsupported syscall", "syscall", Name(nr))

	return -1
}

func translate[T any](d *Dispatcher, nr, addr uint64) (usermem.Out[T], bool) {
	space, err := d.tasks.CurrentSpace()
	if err != nil {
		d.noTask.Add(1)
		d.logger.Errorw("no address space for syscall", "syscall", Name(nr), "err", err)

		return usermem.Out[T]{}, false
	}

	dst, err := usermem.Translate[T](space, addr)
	if err != nil {
		d.badAddress.Add(1)
		d.logger.Warnw("bad user address", "syscall", Name(nr), "addr", addr, "err", err)

		return usermem.Out[T]{}, false
	}

	return dst, true
}

func (d *Dispatcher) write(fd, addr, n uint64) int64 {
	if fd != FdStdout {
		d.logger.Warnw("write to unsupported fd", "fd", fd)

		return -1
	}

	space, err := d.tasks.CurrentSpace()
	if err != nil {
		d.noTask.Add(1)
		d.logger.Errorw("no address space for write", "err", err)

		return -1
	}

	bts, err := space.ReadBytes(addr, int(n))
	if err != nil {
		d.badAddress.Add(1)
		d.logger.Warnw("bad user buffer", "syscall", Name(SysWrite), "addr", addr, "len", n, "err", err)

		return -1
	}

	written, err := d.console.Write(bts)
	if err != nil {
		d.logger.Errorw("failed to write to console", "err", err)

		return -1
	}

	return int64(written)
}

// Faults returns a snapshot of the rejection counters.
func (d *Dispatcher) Faults() *Faults {
	return &Faults{
		OutOfRange: d.outOfRange.Load(),
		Unknown:    d.unknown.Load(),
		BadAddress: d.badAddress.Load(),
		NoTask:     d.noTask.Load(),
	}
}
