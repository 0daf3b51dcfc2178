package timer

import (
	"sync"
	"time"
)

const (
	usecPerSec  = 1_000_000
	usecPerMsec = 1_000
)

// TimeVal is a clock reading split into whole seconds and the remaining microseconds.
type TimeVal struct {
	Sec  uint64 `json:"sec"`
	Usec uint64 `json:"usec"`
}

func FromMicros(us uint64) TimeVal {
	return TimeVal{
		Sec:  us / usecPerSec,
		Usec: us % usecPerSec,
	}
}

// Clock is a monotonic microsecond source.
type Clock interface {
	Micros() uint64
}

// Millis converts a clock reading to milliseconds.
func Millis(c Clock) uint64 {
	return c.Micros() / usecPerMsec
}

// Epoch is the first reading of a monotonic clock, so no task is ever dispatched at 0.
const Epoch = time.Second

type monotonic struct {
	boot time.Time
}

// NewMonotonic returns a clock counting from Epoch at the moment it was created.
func NewMonotonic() Clock {
	return &monotonic{boot: time.Now().Add(-Epoch)}
}

func (m *monotonic) Micros() uint64 {
	return uint64(time.Since(m.boot).Microseconds())
}

// Manual is a clock that only moves when told to.
type Manual struct {
	mu sync.Mutex
	us uint64
}

func NewManual(us uint64) *Manual {
	return &Manual{us: us}
}

func (m *Manual) Micros() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.us
}

func (m *Manual) Set(us uint64) {
	m.mu.Lock()
	m.us = us
	m.mu.Unlock()
}

// Advance moves the clock forward by d, truncated to whole microseconds.
func (m *Manual) Advance(d time.Duration) {
	m.mu.Lock()
	m.us += uint64(d.Microseconds())
	m.mu.Unlock()
}
