package backend

import (
	"time"

	"nuha.dev/bestfix/internal/fix"
)

// Throttle drops fixes arriving sooner than the policy interval or closer
// than its displacement to the last forwarded one. It is not safe for
// concurrent use.
type Throttle struct {
	interval     time.Duration
	displacement float64
	last         *fix.Fix
}

func NewThrottle(p Policy) *Throttle {
	return &Throttle{interval: p.Interval(), displacement: p.Displacement}
}

func (t *Throttle) Allow(f fix.Fix) bool {
	if t.last == nil {
		t.last = &f
		return true
	}
	if f.Time.Sub(t.last.Time) < t.interval {
		return false
	}
	if fix.Distance(*t.last, f) < t.displacement {
		return false
	}
	t.last = &f
	return true
}
