package clock

import "sync"

// Sequence hands out strictly increasing nanosecond stamps derived from a
// Clock. The durable log and the snapshot store share one Sequence so that a
// snapshot id cleanly partitions log entries into "covered" (<= id) and
// "newer" (> id), even when both are written within the same nanosecond or
// the wall clock steps backwards.
type Sequence struct {
	mu    sync.Mutex
	clock Clock
	last  int64
}

// NewSequence returns a Sequence over c.
func NewSequence(c Clock) *Sequence {
	if c == nil {
		c = Real()
	}
	return &Sequence{clock: c}
}

// Next returns max(now, last+1) in Unix nanoseconds.
func (s *Sequence) Next() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := s.clock.Now().UnixNano()
	if n <= s.last {
		n = s.last + 1
	}
	s.last = n
	return n
}

// Observe records a stamp seen on disk so later stamps sort after it.
func (s *Sequence) Observe(stamp int64) {
	s.mu.Lock()
	if stamp > s.last {
		s.last = stamp
	}
	s.mu.Unlock()
}

// Last returns the most recent stamp issued or observed.
func (s *Sequence) Last() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}
