package basic

import (
	"nuha.dev/bestfix/internal/fix"
)

type Status int

const (
	StatusEnabled Status = iota
	StatusDisabled
	StatusChanged
)

func (s Status) String() string {
	switch s {
	case StatusEnabled:
		return "enabled"
	case StatusDisabled:
		return "disabled"
	case StatusChanged:
		return "changed"
	}
	return "unknown"
}

// Events is how a Provider reports back. Both members are always set by the
// backend.
type Events struct {
	OnFix    func(f fix.Fix)
	OnStatus func(s Status)
}

// Provider is one physical positioning source, satellite or network based.
type Provider interface {
	Name() string
	Enabled() bool
	LastKnown() (fix.Fix, bool)
	Start(ev Events) error
	Stop()
}
