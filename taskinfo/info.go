package taskinfo

import (
	"errors"
	"fmt"
)

// MaxSyscall bounds the syscall number space. The trap dispatcher must never let a number >= MaxSyscall
// reach an Info.
const MaxSyscall = 500

var ErrSyscallOutOfRange = errors.New("syscall number out of range")

// Info is the accounting record kept for every task.
//
// The field order and types are fixed so the record can be copied into user memory as-is.
type Info struct {
	Status Status `json:"status"`

	// SyscallTimes counts invocations per syscall number.
	SyscallTimes [MaxSyscall]uint32 `json:"-"`

	// FirstRunMs is the clock reading (ms) at the task's first dispatch. Zero means the task has not run yet.
	FirstRunMs uint64 `json:"first_run_ms"`
	ElapsedMs  uint64 `json:"elapsed_ms"`
}

// NewUninit returns the record of a task that has just been admitted.
func NewUninit() Info {
	return Info{Status: StatusUninit}
}

func checkIndex(nr int) {
	if nr < 0 || nr >= MaxSyscall {
		panic(fmt.Errorf("%w: %d (max %d)", ErrSyscallOutOfRange, nr, MaxSyscall))
	}
}

// RecordSyscall bumps the count for syscall nr. An out of range nr means the dispatch path is broken and panics.
func (i *Info) RecordSyscall(nr int) {
	checkIndex(nr)

	i.SyscallTimes[nr]++
}

// Count returns how many times syscall nr was invoked.
func (i *Info) Count(nr int) uint32 {
	checkIndex(nr)

	return i.SyscallTimes[nr]
}

// MarkFirstRun records nowMs as the first dispatch time. Later calls are no-ops.
func (i *Info) MarkFirstRun(nowMs uint64) {
	if i.FirstRunMs != 0 {
		return
	}

	i.FirstRunMs = nowMs
}

// RefreshElapsed recomputes ElapsedMs against nowMs and returns it.
//
// A clock reading earlier than FirstRunMs yields 0 rather than wrapping around.
func (i *Info) RefreshElapsed(nowMs uint64) uint64 {
	if nowMs < i.FirstRunMs {
		i.ElapsedMs = 0
	} else {
		i.ElapsedMs = nowMs - i.FirstRunMs
	}

	return i.ElapsedMs
}

// Syscalls is a sparse view of SyscallTimes holding only the non-zero slots.
func (i *Info) Syscalls() map[int]uint32 {
	counts := make(map[int]uint32)

	for nr, c := range i.SyscallTimes {
		if c == 0 {
			continue
		}

		counts[nr] = c
	}

	return counts
}
