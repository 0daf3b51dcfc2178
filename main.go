package main

import (
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"path"

	"github.com/tcassar-diss/ksim/internal/report"
	"github.com/tcassar-diss/ksim/process"
	"github.com/tcassar-diss/ksim/sched"
	"github.com/tcassar-diss/ksim/task"
	"github.com/tcassar-diss/ksim/timer"
	"github.com/tcassar-diss/ksim/trap"
	"github.com/tcassar-diss/ksim/user"
	"github.com/tcassar-diss/ksim/usermem"
	"go.uber.org/zap"
)

var ErrInvalidCfg = errors.New("invalid configuration")

type Cfg struct {
	// Workers is the number of round-robin worker tasks to spawn.
	Workers int

	// Rounds is how many times each worker yields before exiting.
	Rounds int

	// StatsDir is where counts.json and faults.json are written.
	StatsDir string

	// MapsFile optionally adds the regions of a /proc/pid/maps style file to every task's address space.
	MapsFile string
}

func parseCfg(args []string) (Cfg, error) {
	var cfg Cfg

	fs := flag.NewFlagSet("ksim", flag.ContinueOnError)
	fs.IntVar(&cfg.Workers, "workers", 3, "number of worker tasks")
	fs.IntVar(&cfg.Rounds, "rounds", 5, "yields per worker")
	fs.StringVar(&cfg.StatsDir, "stats", "./stats", "directory for accounting reports")
	fs.StringVar(&cfg.MapsFile, "maps", "", "maps file with extra user regions")

	if err := fs.Parse(args); err != nil {
		return Cfg{}, fmt.Errorf("failed to parse flags: %w", err)
	}

	if cfg.Workers < 0 || cfg.Rounds < 0 {
		return Cfg{}, fmt.Errorf("%w: workers and rounds must not be negative", ErrInvalidCfg)
	}

	return cfg, nil
}

func newSpace(logger *zap.SugaredLogger, cfg Cfg) (*usermem.Space, error) {
	space, err := user.NewStackSpace(logger)
	if err != nil {
		return nil, fmt.Errorf("failed to build address space: %w", err)
	}

	if cfg.MapsFile == "" {
		return space, nil
	}

	f, err := os.Open(cfg.MapsFile)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", cfg.MapsFile, err)
	}
	defer f.Close()

	if err := space.LoadMaps(f); err != nil {
		return nil, fmt.Errorf("failed to load %s: %w", cfg.MapsFile, err)
	}

	return space, nil
}

func main() {
	prodLogger, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("failed to get logger: %v", err)
	}
	defer prodLogger.Sync()

	logger := prodLogger.Sugar()

	cfg, err := parseCfg(os.Args[1:])
	if err != nil {
		logger.Fatalw("failed to configure", "err", err)
	}

	clock := timer.NewMonotonic()
	tasks := task.NewManager(logger, clock)
	scheduler := sched.New(logger, tasks)
	layer := process.NewLayer(logger, tasks, scheduler, clock)
	dispatcher := trap.NewDispatcher(logger, tasks, layer, os.Stdout)

	for _, prog := range workload(cfg) {
		space, err := newSpace(logger, cfg)
		if err != nil {
			logger.Fatalw("failed to create task", "err", err)
		}

		if _, err := scheduler.Spawn(space, user.Entry(user.New(dispatcher, space), prog)); err != nil {
			logger.Fatalw("failed to spawn task", "err", err)
		}
	}

	if err := scheduler.Run(); err != nil {
		logger.Fatalw("failed to run tasks", "err", err)
	}

	reporter := report.NewCountsReporter(logger)

	for _, id := range tasks.IDs() {
		info, err := tasks.Snapshot(id)
		if err != nil {
			logger.Fatalw("failed to snapshot task", "task", id, "err", err)
		}

		reporter.Report(id, info)

		if err := tasks.Reclaim(id); err != nil {
			logger.Errorw("failed to reclaim task", "task", id, "err", err)
		}
	}

	if err := os.MkdirAll(cfg.StatsDir, 0o755); err != nil {
		logger.Fatalw("failed to create stats directory", "dir", cfg.StatsDir, "err", err)
	}

	if err := reporter.WriteFaults(path.Join(cfg.StatsDir, "faults.json"), dispatcher.Faults()); err != nil {
		logger.Fatalw("failed to write faults", "err", err)
	}

	if err := reporter.WriteFile(path.Join(cfg.StatsDir, "counts.json")); err != nil {
		logger.Fatalw("failed to write stats", "err", err)
	}
}
