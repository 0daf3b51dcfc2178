package main

import (
	"fmt"
	"os"
	"strconv"

	"github.com/tcassar-diss/ksim/taskinfo"
	"github.com/tcassar-diss/ksim/timer"
	"github.com/tcassar-diss/ksim/usermem"
	"go.uber.org/zap"
)

// maps loads a /proc/pid/maps style file as a user address space, prints it, and reports whether each address
// given after the file would be accepted as a get_time or task_info destination.
func main() {
	prodLog, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}

	logger := prodLog.Sugar()

	if len(os.Args) < 2 {
		logger.Fatalw("usage: maps <maps file> [addr...]")
	}

	fp := os.Args[1]

	f, err := os.Open(fp)
	if err != nil {
		logger.Fatalw("failed to open maps file", "file", fp, "err", err)
	}
	defer f.Close()

	space := usermem.NewSpace(logger)

	if err := space.LoadMaps(f); err != nil {
		logger.Fatalw("failed to load maps", "file", fp, "err", err)
	}

	for _, r := range space.Regions() {
		fmt.Printf("%#x-%#x\t%s\t%s\n", r.Start, r.End, r.Perms, r.Name)
	}

	for _, arg := range os.Args[2:] {
		addr, err := strconv.ParseUint(arg, 0, 64)
		if err != nil {
			logger.Errorw("failed to parse address", "addr", arg, "err", err)
			continue
		}

		name, ok := space.Find(addr)
		if !ok {
			name = "unmapped"
		}

		_, tvErr := usermem.Translate[timer.TimeVal](space, addr)
		_, infoErr := usermem.Translate[taskinfo.Info](space, addr)

		fmt.Printf("%#x\t%s\tget_time: %v\ttask_info: %v\n", addr, name, tvErr == nil, infoErr == nil)
	}
}
