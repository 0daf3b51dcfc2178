package process

import (
	"errors"
	"fmt"

	"github.com/tcassar-diss/ksim/taskinfo"
	"github.com/tcassar-diss/ksim/timer"
	"github.com/tcassar-diss/ksim/usermem"
	"go.uber.org/zap"
)

var ErrExitReturned = errors.New("exit returned to a retired task")

// Tasks is the part of the task registry the syscall layer is allowed to touch.
type Tasks interface {
	SetCurrentStatus(status taskinfo.Status) error
	RefreshCurrentElapsed() error
	CurrentSnapshot() (taskinfo.Info, error)
}

// Scheduler switches the processor away from the current task.
type Scheduler interface {
	// ExitCurrentAndRunNext retires the current task and never returns.
	ExitCurrentAndRunNext()

	// SuspendCurrentAndRunNext returns once the current task is dispatched again.
	SuspendCurrentAndRunNext()
}

// Layer implements the process syscalls on behalf of the current task.
type Layer struct {
	logger *zap.SugaredLogger
	tasks  Tasks
	sched  Scheduler
	clock  timer.Clock
}

func NewLayer(logger *zap.SugaredLogger, tasks Tasks, sched Scheduler, clock timer.Clock) *Layer {
	return &Layer{
		logger: logger,
		tasks:  tasks,
		sched:  sched,
		clock:  clock,
	}
}

// Exit retires the current task. It never returns.
func (l *Layer) Exit(code int32) {
	l.logger.Infow("task exited", "code", code)

	if err := l.tasks.SetCurrentStatus(taskinfo.StatusExited); err != nil {
		panic(fmt.Errorf("failed to mark current task exited: %w", err))
	}

	l.sched.ExitCurrentAndRunNext()

	panic(ErrExitReturned)
}

// Yield gives the processor to the next ready task and returns 0 once this task runs again.
func (l *Layer) Yield() int32 {
	l.logger.Debugw("task yielded")

	if err := l.tasks.SetCurrentStatus(taskinfo.StatusReady); err != nil {
		panic(fmt.Errorf("failed to mark current task ready: %w", err))
	}

	l.sched.SuspendCurrentAndRunNext()

	return 0
}

// GetTime stores the current clock reading at dst. The second argument is reserved.
func (l *Layer) GetTime(dst usermem.Out[timer.TimeVal], _ uint64) int32 {
	tv := timer.FromMicros(l.clock.Micros())

	l.logger.Debugw("get time", "sec", tv.Sec, "usec", tv.Usec)

	dst.Store(tv)

	return 0
}

// TaskInfo stores a copy of the current task's accounting record at dst.
//
// It returns -1 and leaves dst untouched when there is no current task.
func (l *Layer) TaskInfo(dst usermem.Out[taskinfo.Info]) int32 {
	// refresh before the copy, or elapsed lags by up to a quantum
	if err := l.tasks.RefreshCurrentElapsed(); err != nil {
		l.logger.Debugw("failed to refresh elapsed runtime", "err", err)
	}

	info, err := l.tasks.CurrentSnapshot()
	if err != nil {
		l.logger.Warnw("no task info available", "err", err)

		return -1
	}

	dst.Store(info)

	return 0
}
