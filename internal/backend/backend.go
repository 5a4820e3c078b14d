package backend

import (
	"context"
	"time"

	"nuha.dev/bestfix/internal/fix"
)

const (
	BACKEND_ENHANCED string = "enhanced"
	BACKEND_BASIC    string = "basic"
)

// Backend is one positioning source. Strategies only talk to this contract,
// never to a concrete variant.
type Backend interface {
	Name() string
	// Initialize establishes the underlying handle. It is idempotent and never
	// fails loudly; an absent dependency leaves the backend not connected.
	Initialize(ctx context.Context)
	Connected() bool
	// CurrentFix reports a best-effort snapshot to done exactly once. It may
	// call done before returning or later from another goroutine.
	CurrentFix(ctx context.Context, done func(f fix.Fix, ok bool))
	// StartUpdates replaces any running registration. cb is never called
	// before it returns.
	StartUpdates(p Policy, cb Callbacks) error
	// StopUpdates cancels outstanding registrations; a no-op when there are
	// none.
	StopUpdates()
}

// Callbacks receive what a backend produces while updates run. Nil members
// are skipped.
type Callbacks struct {
	OnFix              func(f fix.Fix)
	OnConnected        func()
	OnStatusChanged    func(provider string)
	OnProviderDisabled func(provider string)
}

func (c Callbacks) Fix(f fix.Fix) {
	if c.OnFix != nil {
		c.OnFix(f)
	}
}

func (c Callbacks) Connected() {
	if c.OnConnected != nil {
		c.OnConnected()
	}
}

func (c Callbacks) StatusChanged(provider string) {
	if c.OnStatusChanged != nil {
		c.OnStatusChanged(provider)
	}
}

func (c Callbacks) ProviderDisabled(provider string) {
	if c.OnProviderDisabled != nil {
		c.OnProviderDisabled(provider)
	}
}

type Priority int

const (
	PriorityHighAccuracy  Priority = 100
	PriorityBalancedPower Priority = 102
	PriorityLowPower      Priority = 104
	PriorityPassive       Priority = 105
)

// Request is the update request description handed to a fused provider.
type Request struct {
	Interval        time.Duration `json:"interval"`
	FastestInterval time.Duration `json:"fastest_interval"`
	MaxWait         time.Duration `json:"max_wait"`
	Priority        Priority      `json:"priority"`
	MinDisplacement float64       `json:"min_displacement"`
}
