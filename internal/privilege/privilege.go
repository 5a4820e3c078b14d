package privilege

import (
	"fmt"
	"sync"

	"github.com/phuslu/log"
)

type Kind int

const (
	CoarseLocation Kind = iota
	FineLocation
	BackgroundLocation
)

func (k Kind) String() string {
	switch k {
	case CoarseLocation:
		return "coarse_location"
	case FineLocation:
		return "fine_location"
	case BackgroundLocation:
		return "background_location"
	}
	return "unknown"
}

func ParseKind(s string) (Kind, error) {
	for _, k := range []Kind{CoarseLocation, FineLocation, BackgroundLocation} {
		if k.String() == s {
			return k, nil
		}
	}
	return CoarseLocation, fmt.Errorf("unknown privilege kind %q", s)
}

// Tier is the OS generation rule set for background location access.
type Tier int

const (
	// Pre has no background permission concept.
	Pre Tier = iota
	// NeedsBackgroundPermission grants background access with a plain
	// runtime permission.
	NeedsBackgroundPermission
	// NeedsSettingsForBackground only grants background access from the
	// system settings once the user declined the rationale.
	NeedsSettingsForBackground
)

func (t Tier) String() string {
	switch t {
	case Pre:
		return "pre"
	case NeedsBackgroundPermission:
		return "needs_background_permission"
	case NeedsSettingsForBackground:
		return "needs_settings_for_background"
	}
	return "unknown"
}

func ParseTier(s string) (Tier, error) {
	switch s {
	case "pre", "":
		return Pre, nil
	case "needs_background_permission", "q":
		return NeedsBackgroundPermission, nil
	case "needs_settings_for_background", "r":
		return NeedsSettingsForBackground, nil
	}
	return Pre, fmt.Errorf("unknown privilege tier %q", s)
}

// Oracle reports current grant state. The core never requests permissions.
type Oracle interface {
	IsGranted(k Kind) bool
	Tier() Tier
	ShouldShowRationale(k Kind) bool
}

// State is a snapshot for one acquisition decision. It is never cached.
type State struct {
	ForegroundGranted   bool
	BackgroundGranted   bool
	Tier                Tier
	BackgroundRationale bool
}

func Snapshot(o Oracle) State {
	return State{
		ForegroundGranted:   o.IsGranted(CoarseLocation) || o.IsGranted(FineLocation),
		BackgroundGranted:   o.IsGranted(BackgroundLocation),
		Tier:                o.Tier(),
		BackgroundRationale: o.ShouldShowRationale(BackgroundLocation),
	}
}

func (s State) MarshalObject(e *log.Entry) {
	e.Bool("foreground", s.ForegroundGranted).Bool("background", s.BackgroundGranted).Str("tier", s.Tier.String())
}

// Static is an Oracle whose grants are set by the host.
type Static struct {
	mu        sync.Mutex
	granted   map[Kind]bool
	rationale map[Kind]bool
	tier      Tier
}

func NewStatic(tier Tier, granted ...Kind) *Static {
	s := &Static{granted: map[Kind]bool{}, rationale: map[Kind]bool{}, tier: tier}
	for _, k := range granted {
		s.granted[k] = true
	}
	return s
}

func (s *Static) IsGranted(k Kind) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.granted[k]
}

func (s *Static) Tier() Tier {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tier
}

func (s *Static) ShouldShowRationale(k Kind) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rationale[k]
}

func (s *Static) Grant(k Kind) {
	s.mu.Lock()
	s.granted[k] = true
	s.mu.Unlock()
}

func (s *Static) Revoke(k Kind) {
	s.mu.Lock()
	s.granted[k] = false
	s.mu.Unlock()
}

func (s *Static) SetRationale(k Kind, show bool) {
	s.mu.Lock()
	s.rationale[k] = show
	s.mu.Unlock()
}
