package taskinfo

import (
	"errors"
	"fmt"
)

var ErrUnknownStatus = errors.New("unknown task status")

// Status is a task's position in its lifecycle.
type Status uint32

const (
	StatusUninit Status = iota
	StatusReady
	StatusRunning
	StatusExited
)

var statusNames = map[Status]string{
	StatusUninit:  "uninit",
	StatusReady:   "ready",
	StatusRunning: "running",
	StatusExited:  "exited",
}

func (s Status) String() string {
	name, ok := statusNames[s]
	if ok {
		return name
	}

	return fmt.Sprintf("{Status %d}", uint32(s))
}

func (s Status) MarshalText() ([]byte, error) {
	name, ok := statusNames[s]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownStatus, uint32(s))
	}

	return []byte(name), nil
}

func (s *Status) UnmarshalText(text []byte) error {
	for st, name := range statusNames {
		if name == string(text) {
			*s = st
			return nil
		}
	}

	return fmt.Errorf("%w: %q", ErrUnknownStatus, text)
}

type transition struct {
	from Status
	to   Status
}

// Exited is terminal: nothing leaves it.
var validTransitions = map[transition]struct{}{
	{StatusUninit, StatusReady}:   {},
	{StatusReady, StatusRunning}:  {},
	{StatusRunning, StatusReady}:  {},
	{StatusRunning, StatusExited}: {},
}

// ValidTransition reports whether a task may move from one status to another.
func ValidTransition(from, to Status) bool {
	_, ok := validTransitions[transition{from, to}]
	return ok
}
