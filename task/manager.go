package task

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/tcassar-diss/ksim/taskinfo"
	"github.com/tcassar-diss/ksim/timer"
	"github.com/tcassar-diss/ksim/usermem"
	"go.uber.org/zap"
)

var (
	ErrNoCurrentTask         = errors.New("no current task")
	ErrTaskNotFound          = errors.New("task not found")
	ErrInvalidTransition     = errors.New("invalid status transition")
	ErrTaskRecordedAfterExit = errors.New("syscall recorded on an exited task")
)

// ID identifies a task for as long as the manager holds it.
type ID int

type controlBlock struct {
	info  taskinfo.Info
	space *usermem.Space

	// dispatched is set on the first dispatch. A clock reading of 0 is a valid first run stamp.
	dispatched bool
}

// Manager owns every task's accounting record and the current-task pointer.
//
// All access goes through one lock, so callers always see a record and the current pointer consistently.
type Manager struct {
	logger *zap.SugaredLogger
	clock  timer.Clock

	mu         sync.Mutex
	tasks      map[ID]*controlBlock
	nextID     ID
	current    ID
	hasCurrent bool
}

func NewManager(logger *zap.SugaredLogger, clock timer.Clock) *Manager {
	return &Manager{
		logger: logger,
		clock:  clock,
		tasks:  make(map[ID]*controlBlock),
	}
}

// Admit registers a new task in the uninit state.
func (m *Manager) Admit(space *usermem.Space) ID {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := m.nextID
	m.nextID++

	m.tasks[id] = &controlBlock{
		info:  taskinfo.NewUninit(),
		space: space,
	}

	m.logger.Debugw("task admitted", "task", id)

	return id
}

// transition must be called with m.mu held.
func (m *Manager) transition(id ID, tcb *controlBlock, to taskinfo.Status) error {
	from := tcb.info.Status

	if !taskinfo.ValidTransition(from, to) {
		return fmt.Errorf("%w: task %d %s -> %s", ErrInvalidTransition, id, from, to)
	}

	tcb.info.Status = to

	return nil
}

func (m *Manager) get(id ID) (*controlBlock, error) {
	tcb, ok := m.tasks[id]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrTaskNotFound, id)
	}

	return tcb, nil
}

// MarkReady makes an admitted task eligible for dispatch.
func (m *Manager) MarkReady(id ID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	tcb, err := m.get(id)
	if err != nil {
		return err
	}

	return m.transition(id, tcb, taskinfo.StatusReady)
}

// Dispatch makes id the current, running task and stamps its first run time.
func (m *Manager) Dispatch(id ID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	tcb, err := m.get(id)
	if err != nil {
		return err
	}

	if err := m.transition(id, tcb, taskinfo.StatusRunning); err != nil {
		return err
	}

	if !tcb.dispatched {
		tcb.info.MarkFirstRun(timer.Millis(m.clock))
		tcb.dispatched = true
	}

	m.current = id
	m.hasCurrent = true

	return nil
}

// ClearCurrent unbinds the current task, e.g. once nothing is left to run.
func (m *Manager) ClearCurrent() {
	m.mu.Lock()
	m.hasCurrent = false
	m.mu.Unlock()
}

// WithCurrent runs fn on the current task's record while holding the registry lock.
//
// fn must not call back into the manager.
func (m *Manager) WithCurrent(fn func(id ID, info *taskinfo.Info)) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.hasCurrent {
		return ErrNoCurrentTask
	}

	tcb, err := m.get(m.current)
	if err != nil {
		return fmt.Errorf("current task missing from registry: %w", err)
	}

	fn(m.current, &tcb.info)

	return nil
}

func (m *Manager) CurrentID() (ID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.hasCurrent {
		return 0, ErrNoCurrentTask
	}

	return m.current, nil
}

func (m *Manager) CurrentSpace() (*usermem.Space, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.hasCurrent {
		return nil, ErrNoCurrentTask
	}

	tcb, err := m.get(m.current)
	if err != nil {
		return nil, err
	}

	return tcb.space, nil
}

// SetCurrentStatus moves the current task to status, following the lifecycle rules.
func (m *Manager) SetCurrentStatus(status taskinfo.Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.hasCurrent {
		return ErrNoCurrentTask
	}

	tcb, err := m.get(m.current)
	if err != nil {
		return err
	}

	return m.transition(m.current, tcb, status)
}

// RecordSyscall counts syscall nr against the current task.
//
// nr must already be below taskinfo.MaxSyscall. Recording on an exited task panics: nothing may run on its
// behalf after exit.
func (m *Manager) RecordSyscall(nr int) error {
	return m.WithCurrent(func(id ID, info *taskinfo.Info) {
		if info.Status == taskinfo.StatusExited {
			panic(fmt.Errorf("%w: task %d, syscall %d", ErrTaskRecordedAfterExit, id, nr))
		}

		info.RecordSyscall(nr)
	})
}

// RefreshCurrentElapsed recomputes the current task's elapsed runtime against the clock.
func (m *Manager) RefreshCurrentElapsed() error {
	now := timer.Millis(m.clock)

	return m.WithCurrent(func(_ ID, info *taskinfo.Info) {
		info.RefreshElapsed(now)
	})
}

// CurrentSnapshot returns a copy of the current task's record.
func (m *Manager) CurrentSnapshot() (taskinfo.Info, error) {
	var snapshot taskinfo.Info

	err := m.WithCurrent(func(_ ID, info *taskinfo.Info) {
		snapshot = *info
	})

	return snapshot, err
}

// Snapshot returns a copy of any task's record.
func (m *Manager) Snapshot(id ID) (taskinfo.Info, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	tcb, err := m.get(id)
	if err != nil {
		return taskinfo.Info{}, err
	}

	return tcb.info, nil
}

// NextReady returns the first ready task after `after` in admission order, wrapping around. `after` itself is
// considered last.
func (m *Manager) NextReady(after ID) (ID, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ids := m.sortedIDs()
	if len(ids) == 0 {
		return 0, false
	}

	start, _ := slices.BinarySearch(ids, after+1)

	for i := 0; i < len(ids); i++ {
		id := ids[(start+i)%len(ids)]

		if m.tasks[id].info.Status == taskinfo.StatusReady {
			return id, true
		}
	}

	return 0, false
}

func (m *Manager) sortedIDs() []ID {
	ids := make([]ID, 0, len(m.tasks))
	for id := range m.tasks {
		ids = append(ids, id)
	}

	slices.Sort(ids)

	return ids
}

// IDs lists every task the manager holds, in admission order.
func (m *Manager) IDs() []ID {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.sortedIDs()
}

// Reclaim drops an exited task's record.
func (m *Manager) Reclaim(id ID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	tcb, err := m.get(id)
	if err != nil {
		return err
	}

	if tcb.info.Status != taskinfo.StatusExited {
		return fmt.Errorf("%w: task %d is %s", ErrInvalidTransition, id, tcb.info.Status)
	}

	if m.hasCurrent && m.current == id {
		m.hasCurrent = false
	}

	delete(m.tasks, id)

	m.logger.Debugw("task reclaimed", "task", id)

	return nil
}
