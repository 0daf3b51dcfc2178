package user

import (
	"fmt"

	"github.com/tcassar-diss/ksim/taskinfo"
	"github.com/tcassar-diss/ksim/timer"
	"github.com/tcassar-diss/ksim/trap"
	"github.com/tcassar-diss/ksim/usermem"
	"go.uber.org/zap"
)

// Default task address space layout.
const (
	TextBase  = 0x10000
	TextEnd   = 0x11000
	StackBase = 0x7fff0000
	StackEnd  = 0x7fff4000

	// ScratchBase holds syscall out-parameters.
	ScratchBase = StackBase
	// WriteBase..StackEnd stages bytes for write.
	WriteBase = StackBase + 0x1000
)

// Trap enters the kernel.
type Trap interface {
	Syscall(nr uint64, args [3]uint64) int64
}

// Program is a user task. Its return value becomes the exit code.
type Program func(sys *Sys) int32

// NewStackSpace builds the default address space: read-only text and a writable stack.
func NewStackSpace(logger *zap.SugaredLogger) (*usermem.Space, error) {
	space := usermem.NewSpace(logger)

	if err := MapLayout(space); err != nil {
		return nil, err
	}

	return space, nil
}

// MapLayout adds the text and stack regions Sys relies on to space.
func MapLayout(space *usermem.Space) error {
	if err := space.Map(TextBase, TextEnd, usermem.PermRead|usermem.PermExec, "text"); err != nil {
		return fmt.Errorf("failed to map text: %w", err)
	}

	if err := space.Map(StackBase, StackEnd, usermem.PermRead|usermem.PermWrite, "[stack]"); err != nil {
		return fmt.Errorf("failed to map stack: %w", err)
	}

	return nil
}

// Sys issues syscalls for one task.
type Sys struct {
	trap  Trap
	space *usermem.Space
}

func New(trap Trap, space *usermem.Space) *Sys {
	return &Sys{trap: trap, space: space}
}

// Entry adapts a program to a scheduler entry point: run it, then exit with its result.
func Entry(sys *Sys, prog Program) func() {
	return func() {
		sys.Exit(prog(sys))
	}
}

func (s *Sys) Space() *usermem.Space {
	return s.space
}

// Raw issues an arbitrary syscall.
func (s *Sys) Raw(nr uint64, args [3]uint64) int64 {
	return s.trap.Syscall(nr, args)
}

func (s *Sys) Exit(code int32) {
	s.trap.Syscall(trap.SysExit, [3]uint64{uint64(code)})

	panic("unreachable: exit returned")
}

func (s *Sys) Yield() int64 {
	return s.trap.Syscall(trap.SysYield, [3]uint64{})
}

func (s *Sys) GetTime() (timer.TimeVal, int64) {
	ret := s.trap.Syscall(trap.SysGetTime, [3]uint64{ScratchBase, 0})
	if ret != 0 {
		return timer.TimeVal{}, ret
	}

	tv, err := usermem.Load[timer.TimeVal](s.space, ScratchBase)
	if err != nil {
		return timer.TimeVal{}, -1
	}

	return tv, ret
}

func (s *Sys) TaskInfo() (taskinfo.Info, int64) {
	ret := s.trap.Syscall(trap.SysTaskInfo, [3]uint64{ScratchBase})
	if ret != 0 {
		return taskinfo.Info{}, ret
	}

	info, err := usermem.Load[taskinfo.Info](s.space, ScratchBase)
	if err != nil {
		return taskinfo.Info{}, -1
	}

	return info, ret
}

// Write sends p to stdout, staging it through the stack in chunks.
func (s *Sys) Write(p []byte) int64 {
	var total int64

	for len(p) > 0 {
		chunk := p[:min(len(p), StackEnd-WriteBase)]

		if err := s.space.WriteBytes(WriteBase, chunk); err != nil {
			return -1
		}

		n := s.trap.Syscall(trap.SysWrite, [3]uint64{trap.FdStdout, WriteBase, uint64(len(chunk))})
		if n < 0 {
			return n
		}

		total += n
		p = p[len(chunk):]
	}

	return total
}

// Printf formats to stdout.
func (s *Sys) Printf(format string, args ...any) int64 {
	return s.Write([]byte(fmt.Sprintf(format, args...)))
}
