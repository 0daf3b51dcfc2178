package report

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/tcassar-diss/ksim/task"
	"github.com/tcassar-diss/ksim/taskinfo"
	"github.com/tcassar-diss/ksim/trap"
	"go.uber.org/zap"
)

type Reporter interface {
	Report(id task.ID, info taskinfo.Info)
	WriteFaults(filepath string, faults *trap.Faults) error
	WriteFile(filepath string) error
}

// TaskStat is the reported form of one task's accounting record.
type TaskStat struct {
	Status taskinfo.Status `json:"status"`

	// Syscalls maps syscall name -> count, skipping syscalls that were never made.
	Syscalls   map[string]uint32 `json:"syscalls"`
	FirstRunMs uint64            `json:"first_run_ms"`
	ElapsedMs  uint64            `json:"elapsed_ms"`
}

type countsReporter struct {
	logger *zap.SugaredLogger
	// stats is a map from task id -> stat
	stats map[task.ID]*TaskStat
	mu    sync.Mutex
}

// NewCountsReporter is a thread safe reporter keeping the latest record per task.
func NewCountsReporter(logger *zap.SugaredLogger) Reporter {
	return &countsReporter{
		logger: logger,
		stats:  make(map[task.ID]*TaskStat),
	}
}

func (c *countsReporter) Report(id task.ID, info taskinfo.Info) {
	stat := &TaskStat{
		Status:     info.Status,
		Syscalls:   make(map[string]uint32),
		FirstRunMs: info.FirstRunMs,
		ElapsedMs:  info.ElapsedMs,
	}

	for nr, count := range info.Syscalls() {
		stat.Syscalls[trap.Name(uint64(nr))] = count
	}

	c.mu.Lock()
	_, seen := c.stats[id]
	c.stats[id] = stat
	c.mu.Unlock()

	if !seen {
		c.logger.Infow("reporting new task", "task", id, "status", info.Status.String())
	}
}

func (c *countsReporter) WriteFaults(filepath string, faults *trap.Faults) error {
	bts, err := json.Marshal(faults)
	if err != nil {
		return fmt.Errorf("failed to marshall faults: %w", err)
	}

	if err := os.WriteFile(filepath, bts, 0o644); err != nil {
		return fmt.Errorf("failed to save fault counts: %w", err)
	}

	return nil
}

func (c *countsReporter) WriteFile(filepath string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.logger.Infow("saving task stats", "tasks", len(c.stats))

	bts, err := json.Marshal(c.stats)
	if err != nil {
		return fmt.Errorf("failed to marshall stats: %w", err)
	}

	if err := os.WriteFile(filepath, bts, 0o644); err != nil {
		return fmt.Errorf("failed to save task stats: %w", err)
	}

	return nil
}
