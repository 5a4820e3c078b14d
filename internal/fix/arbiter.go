package fix

import (
	"sync"
	"time"
)

const (
	// StaleWindow is how far apart two fixes may be before the older one is
	// considered irrelevant.
	StaleWindow = 2 * time.Minute
	// AccuracyTolerance is the accuracy loss in meters tolerated for a newer
	// fix from the same source.
	AccuracyTolerance = 200
)

// Better reports whether candidate should replace current. A nil current is
// always replaced.
func Better(candidate Fix, current *Fix) bool {
	if current == nil {
		return true
	}
	timeDelta := candidate.Time.Sub(current.Time)
	if timeDelta > StaleWindow {
		return true
	}
	if timeDelta < -StaleWindow {
		return false
	}
	newer := timeDelta > 0

	// truncated toward zero, sub-meter differences count as equal accuracy
	accuracyDelta := int(candidate.Accuracy - current.Accuracy)
	switch {
	case accuracyDelta < 0:
		return true
	case newer && accuracyDelta <= 0:
		return true
	case newer && accuracyDelta <= AccuracyTolerance && candidate.Source == current.Source:
		return true
	}
	return false
}

// Slot holds the most recently accepted fix. Offer is the only way to write
// it, so comparison and update happen under one lock.
type Slot struct {
	mu  sync.Mutex
	cur Fix
	ok  bool
}

func NewSlot() *Slot {
	return &Slot{}
}

// Offer runs the arbiter against the held fix and adopts candidate when it
// wins.
func (s *Slot) Offer(candidate Fix) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	var cur *Fix
	if s.ok {
		c := s.cur
		cur = &c
	}
	if !Better(candidate, cur) {
		return false
	}
	s.cur = candidate
	s.ok = true
	return true
}

func (s *Slot) Get() (Fix, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cur, s.ok
}
