package taskinfo_test

import (
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/tcassar-diss/ksim/taskinfo"
)

func TestNewUninit(t *testing.T) {
	info := taskinfo.NewUninit()

	require.Equal(t, taskinfo.StatusUninit, info.Status)
	require.Zero(t, info.FirstRunMs)
	require.Zero(t, info.ElapsedMs)

	for nr := 0; nr < taskinfo.MaxSyscall; nr++ {
		require.Zero(t, info.Count(nr), "syscall %d", nr)
	}
}

func TestRecordSyscall(t *testing.T) {
	cases := []struct {
		name string
		nr   int
		n    int
	}{
		{name: "first slot", nr: 0, n: 1},
		{name: "get_time", nr: 169, n: 7},
		{name: "last slot", nr: taskinfo.MaxSyscall - 1, n: 3},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			info := taskinfo.NewUninit()

			for i := 0; i < c.n; i++ {
				info.RecordSyscall(c.nr)
			}

			require.Equal(t, uint32(c.n), info.Count(c.nr))
			require.Equal(t, map[int]uint32{c.nr: uint32(c.n)}, info.Syscalls())
		})
	}
}

func TestRecordSyscallOutOfRange(t *testing.T) {
	for _, nr := range []int{-1, taskinfo.MaxSyscall, taskinfo.MaxSyscall + 10} {
		t.Run(fmt.Sprint(nr), func(t *testing.T) {
			info := taskinfo.NewUninit()

			require.PanicsWithError(
				t,
				fmt.Sprintf("syscall number out of range: %d (max %d)", nr, taskinfo.MaxSyscall),
				func() { info.RecordSyscall(nr) },
			)
		})
	}
}

func TestMarkFirstRunOnce(t *testing.T) {
	info := taskinfo.NewUninit()

	info.MarkFirstRun(1000)
	info.MarkFirstRun(2000)

	require.Equal(t, uint64(1000), info.FirstRunMs)
}

func TestRefreshElapsed(t *testing.T) {
	cases := []struct {
		name     string
		first    uint64
		now      uint64
		expected uint64
	}{
		{name: "forward", first: 1000, now: 1500, expected: 500},
		{name: "same instant", first: 1000, now: 1000, expected: 0},
		{name: "clock behind first run", first: 1000, now: 10, expected: 0},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			info := taskinfo.NewUninit()
			info.MarkFirstRun(c.first)

			require.Equal(t, c.expected, info.RefreshElapsed(c.now))
			require.Equal(t, c.expected, info.ElapsedMs)
		})
	}
}

func TestValidTransition(t *testing.T) {
	cases := []struct {
		from, to taskinfo.Status
		valid    bool
	}{
		{taskinfo.StatusUninit, taskinfo.StatusReady, true},
		{taskinfo.StatusReady, taskinfo.StatusRunning, true},
		{taskinfo.StatusRunning, taskinfo.StatusReady, true},
		{taskinfo.StatusRunning, taskinfo.StatusExited, true},
		{taskinfo.StatusUninit, taskinfo.StatusRunning, false},
		{taskinfo.StatusReady, taskinfo.StatusExited, false},
		{taskinfo.StatusExited, taskinfo.StatusReady, false},
		{taskinfo.StatusExited, taskinfo.StatusRunning, false},
	}

	for _, c := range cases {
		t.Run(fmt.Sprintf("%s->%s", c.from, c.to), func(t *testing.T) {
			require.Equal(t, c.valid, taskinfo.ValidTransition(c.from, c.to))
		})
	}
}

func TestStatusJSON(t *testing.T) {
	info := taskinfo.NewUninit()
	info.Status = taskinfo.StatusRunning
	info.MarkFirstRun(12)

	bts, err := json.Marshal(info)
	require.NoError(t, err)
	require.JSONEq(t, `{"status":"running","first_run_ms":12,"elapsed_ms":0}`, string(bts))

	var s taskinfo.Status
	require.NoError(t, s.UnmarshalText([]byte("exited")))
	require.Equal(t, taskinfo.StatusExited, s)

	require.ErrorIs(t, s.UnmarshalText([]byte("zombie")), taskinfo.ErrUnknownStatus)
}
