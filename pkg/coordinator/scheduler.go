package coordinator

import (
	"sync"
	"time"
)

// DefaultFrameInterval is one animation frame at 60Hz.
const DefaultFrameInterval = 16 * time.Millisecond

// Scheduler runs a callback on the next tick. The coordinator calls
// Schedule at most once per cycle.
type Scheduler interface {
	Schedule(fn func())
}

// FrameScheduler fires each scheduled callback once after Interval.
type FrameScheduler struct {
	Interval time.Duration
}

// NewFrameScheduler returns a scheduler that ticks every interval. Zero or
// negative intervals use DefaultFrameInterval.
func NewFrameScheduler(interval time.Duration) *FrameScheduler {
	if interval <= 0 {
		interval = DefaultFrameInterval
	}
	return &FrameScheduler{Interval: interval}
}

// Schedule arms a single-shot timer.
func (s *FrameScheduler) Schedule(fn func()) {
	time.AfterFunc(s.Interval, fn)
}

// ManualScheduler queues callbacks until Tick is called. Tests use it to
// decide exactly where a scheduling cycle ends.
type ManualScheduler struct {
	mu      sync.Mutex
	pending []func()
}

// NewManualScheduler creates an idle manual scheduler.
func NewManualScheduler() *ManualScheduler {
	return &ManualScheduler{}
}

// Schedule queues fn for the next Tick.
func (s *ManualScheduler) Schedule(fn func()) {
	s.mu.Lock()
	s.pending = append(s.pending, fn)
	s.mu.Unlock()
}

// Tick runs every callback queued before the call and returns how many ran.
// Callbacks scheduled while ticking wait for the next Tick.
func (s *ManualScheduler) Tick() int {
	s.mu.Lock()
	queued := s.pending
	s.pending = nil
	s.mu.Unlock()

	for _, fn := range queued {
		fn()
	}
	return len(queued)
}

// Pending returns the number of queued callbacks.
func (s *ManualScheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}
