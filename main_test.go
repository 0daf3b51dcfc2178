package main

import (
	"bytes"
	"os"
	"path"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/tcassar-diss/ksim/process"
	"github.com/tcassar-diss/ksim/sched"
	"github.com/tcassar-diss/ksim/task"
	"github.com/tcassar-diss/ksim/taskinfo"
	"github.com/tcassar-diss/ksim/timer"
	"github.com/tcassar-diss/ksim/trap"
	"github.com/tcassar-diss/ksim/user"
	"go.uber.org/zap"
)

func TestParseCfg(t *testing.T) {
	cfg, err := parseCfg(nil)
	require.NoError(t, err)
	require.Equal(t, Cfg{Workers: 3, Rounds: 5, StatsDir: "./stats"}, cfg)

	cfg, err = parseCfg([]string{"-workers", "1", "-rounds", "2", "-stats", "/tmp/x", "-maps", "maps"})
	require.NoError(t, err)
	require.Equal(t, Cfg{Workers: 1, Rounds: 2, StatsDir: "/tmp/x", MapsFile: "maps"}, cfg)

	_, err = parseCfg([]string{"-workers", "-1"})
	require.ErrorIs(t, err, ErrInvalidCfg)

	_, err = parseCfg([]string{"-bogus"})
	require.Error(t, err)
}

func TestWorkload(t *testing.T) {
	logger := zap.NewNop().Sugar()

	mapsFile := path.Join(t.TempDir(), "maps")
	require.NoError(t, os.WriteFile(
		mapsFile,
		[]byte("00020000-00021000 rw-p 00000000 00:00 0    [heap]\n"),
		0o644,
	))

	cfg := Cfg{Workers: 2, Rounds: 3, MapsFile: mapsFile}

	clock := timer.NewManual(0)
	tasks := task.NewManager(logger, clock)
	scheduler := sched.New(logger, tasks)
	layer := process.NewLayer(logger, tasks, scheduler, clock)

	var console bytes.Buffer
	dispatcher := trap.NewDispatcher(logger, tasks, layer, &console)

	for _, prog := range workload(cfg) {
		space, err := newSpace(logger, cfg)
		require.NoError(t, err)

		_, err = scheduler.Spawn(space, user.Entry(user.New(dispatcher, space), prog))
		require.NoError(t, err)
	}

	require.NoError(t, scheduler.Run())

	ids := tasks.IDs()
	require.Len(t, ids, 3)

	for _, id := range ids[:2] {
		info, err := tasks.Snapshot(id)
		require.NoError(t, err)
		require.Equal(t, taskinfo.StatusExited, info.Status)
		require.Equal(t, uint32(3), info.Count(trap.SysYield))
		require.Equal(t, uint32(3), info.Count(trap.SysGetTime))
		require.Equal(t, uint32(4), info.Count(trap.SysWrite))
		require.Equal(t, uint32(1), info.Count(trap.SysTaskInfo))
		require.Equal(t, uint32(1), info.Count(trap.SysExit))
	}

	out := console.String()
	require.Contains(t, out, "worker 0: running, yield=3 get_time=3 write=3")
	require.Contains(t, out, "worker 1 round 2 at 0.000000s")
	require.Contains(t, out, "prober: get_time into [heap] (rw-) = 0\n")
	require.Contains(t, out, "prober: get_time into text (r-x) = -1\n")
	require.Contains(t, out, "prober: get_time into [stack] (rw-) = 0\n")
	require.Equal(t, 3, strings.Count(out, "prober:"))

	require.Equal(t, &trap.Faults{OutOfRange: 1, BadAddress: 1}, dispatcher.Faults())
}
