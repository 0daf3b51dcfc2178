package sched

import (
	"errors"
	"fmt"
	"runtime"
	"sync"

	"github.com/tcassar-diss/ksim/task"
	"github.com/tcassar-diss/ksim/taskinfo"
	"github.com/tcassar-diss/ksim/usermem"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var (
	ErrAlreadyRunning = errors.New("scheduler already running")
	ErrNoTasks        = errors.New("no tasks to run")
	ErrTaskReturned   = errors.New("task entry returned without exiting")
)

// Tasks is what the scheduler needs from the task registry.
type Tasks interface {
	Admit(space *usermem.Space) task.ID
	MarkReady(id task.ID) error
	Dispatch(id task.ID) error
	NextReady(after task.ID) (task.ID, bool)
	CurrentID() (task.ID, error)
	SetCurrentStatus(status taskinfo.Status) error
	ClearCurrent()
}

// Scheduler runs each task on its own goroutine but lets only one of them hold the processor at a time.
//
// A task runs when its resume channel fires and stops running when it dispatches someone else.
type Scheduler struct {
	logger *zap.SugaredLogger
	tasks  Tasks

	mu      sync.Mutex
	started bool
	order   []task.ID
	entries map[task.ID]func()
	resume  map[task.ID]chan struct{}
}

func New(logger *zap.SugaredLogger, tasks Tasks) *Scheduler {
	return &Scheduler{
		logger:  logger,
		tasks:   tasks,
		entries: make(map[task.ID]func()),
		resume:  make(map[task.ID]chan struct{}),
	}
}

// Spawn admits a task that will run entry once dispatched. entry must end by exiting the task.
func (s *Scheduler) Spawn(space *usermem.Space, entry func()) (task.ID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return 0, ErrAlreadyRunning
	}

	id := s.tasks.Admit(space)

	if err := s.tasks.MarkReady(id); err != nil {
		return 0, fmt.Errorf("failed to ready task %d: %w", id, err)
	}

	s.order = append(s.order, id)
	s.entries[id] = entry
	// buffered so a task can dispatch itself without blocking
	s.resume[id] = make(chan struct{}, 1)

	s.logger.Infow("task spawned", "task", id)

	return id, nil
}

// Run dispatches the first ready task and blocks until every task has exited.
func (s *Scheduler) Run() error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return ErrAlreadyRunning
	}

	s.started = true
	ids := append([]task.ID(nil), s.order...)
	s.mu.Unlock()

	if len(ids) == 0 {
		return ErrNoTasks
	}

	var group errgroup.Group

	for _, id := range ids {
		id := id
		entry := s.entries[id]
		resume := s.resume[id]

		group.Go(func() error {
			<-resume

			entry()

			return s.retire(id)
		})
	}

	s.logger.Infow("starting scheduler", "tasks", len(ids))

	s.runNext(-1)

	if err := group.Wait(); err != nil {
		return fmt.Errorf("failed while running tasks: %w", err)
	}

	s.logger.Infow("all tasks exited")

	return nil
}

// retire exits a task whose entry returned instead of exiting, so the remaining tasks still get the processor.
func (s *Scheduler) retire(id task.ID) error {
	s.logger.Errorw("task returned without exiting", "task", id)

	if err := s.tasks.SetCurrentStatus(taskinfo.StatusExited); err != nil {
		panic(fmt.Errorf("failed to retire task %d: %w", id, err))
	}

	s.runNext(id)

	return fmt.Errorf("%w: task %d", ErrTaskReturned, id)
}

func (s *Scheduler) runNext(after task.ID) {
	next, ok := s.tasks.NextReady(after)
	if !ok {
		s.tasks.ClearCurrent()
		s.logger.Debugw("no ready task left")

		return
	}

	if err := s.tasks.Dispatch(next); err != nil {
		panic(fmt.Errorf("failed to dispatch task %d: %w", next, err))
	}

	s.resume[next] <- struct{}{}
}

func (s *Scheduler) current() task.ID {
	id, err := s.tasks.CurrentID()
	if err != nil {
		panic(fmt.Errorf("scheduler switch without a current task: %w", err))
	}

	return id
}

// ExitCurrentAndRunNext hands the processor on and ends the calling task's goroutine.
func (s *Scheduler) ExitCurrentAndRunNext() {
	id := s.current()

	s.logger.Debugw("retiring task", "task", id)

	s.runNext(id)

	runtime.Goexit()
}

// SuspendCurrentAndRunNext hands the processor on and blocks until the calling task is dispatched again.
func (s *Scheduler) SuspendCurrentAndRunNext() {
	id := s.current()

	s.runNext(id)

	<-s.resume[id]
}
