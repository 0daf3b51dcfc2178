package main

import (
	"github.com/tcassar-diss/ksim/taskinfo"
	"github.com/tcassar-diss/ksim/trap"
	"github.com/tcassar-diss/ksim/user"
)

func workload(cfg Cfg) []user.Program {
	progs := make([]user.Program, 0, cfg.Workers+1)

	for i := 0; i < cfg.Workers; i++ {
		progs = append(progs, worker(i, cfg.Rounds))
	}

	return append(progs, prober)
}

// worker reads the clock and yields rounds times, then prints its own accounting record.
func worker(n, rounds int) user.Program {
	return func(sys *user.Sys) int32 {
		for i := 0; i < rounds; i++ {
			tv, ret := sys.GetTime()
			if ret != 0 {
				return 1
			}

			sys.Printf("worker %d round %d at %d.%06ds\n", n, i, tv.Sec, tv.Usec)
			sys.Yield()
		}

		info, ret := sys.TaskInfo()
		if ret != 0 {
			return 2
		}

		sys.Printf(
			"worker %d: %s, yield=%d get_time=%d write=%d, ran %dms\n",
			n,
			info.Status,
			info.Count(trap.SysYield),
			info.Count(trap.SysGetTime),
			info.Count(trap.SysWrite),
			info.ElapsedMs,
		)

		return 0
	}
}

// prober asks for the time into every region of its address space and reports which ones the kernel accepted,
// then makes a syscall past the end of the syscall table.
func prober(sys *user.Sys) int32 {
	for _, r := range sys.Space().Regions() {
		ret := sys.Raw(trap.SysGetTime, [3]uint64{r.Start, 0})
		sys.Printf("prober: get_time into %s (%s) = %d\n", r.Name, r.Perms, ret)
	}

	if ret := sys.Raw(taskinfo.MaxSyscall, [3]uint64{}); ret != -1 {
		return 1
	}

	return 0
}
