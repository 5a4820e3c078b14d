package backend

import (
	"context"
	"sync"

	"github.com/phuslu/log"
	"nuha.dev/bestfix/internal/fix"
)

const (
	MUX_STARTED string = "mux_started"
	MUX_STOPPED string = "mux_stopped"
)

type registration struct {
	policy   Policy
	cb       Callbacks
	throttle *Throttle
}

// Mux shares one Backend between several owners. Each owner registers
// through its own View, so starting or stopping one owner never touches the
// registration of another. The shared backend runs with the most demanding
// policy of the live registrations and every owner gets fixes throttled to
// its own policy.
type Mux struct {
	// apply serializes calls into the shared backend
	apply   sync.Mutex
	mu      sync.Mutex
	log     log.Logger
	backend Backend
	regs    map[string]*registration
	running bool
	merged  Policy
}

func NewMux(b Backend) *Mux {
	m := &Mux{backend: b, regs: map[string]*registration{}}
	m.log = log.DefaultLogger
	m.log.Context = log.NewContext(nil).Str("module", "mux").Str("backend", b.Name()).Value()
	return m
}

// View returns the Backend owner uses. Views for the same owner share one
// registration.
func (m *Mux) View(owner string) Backend {
	return &view{mux: m, owner: owner}
}

// Live is the number of owners with running updates.
func (m *Mux) Live() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.regs)
}

func merge(regs map[string]*registration) Policy {
	var merged Policy
	first := true
	for _, r := range regs {
		if first {
			merged = r.policy
			merged.interval = r.policy.Interval()
			first = false
			continue
		}
		if r.policy.Interval() < merged.interval {
			merged.interval = r.policy.Interval()
		}
		if r.policy.Displacement < merged.Displacement {
			merged.Displacement = r.policy.Displacement
		}
		merged.Periodic = merged.Periodic || r.policy.Periodic
	}
	return merged
}

func (m *Mux) register(owner string, p Policy, cb Callbacks) error {
	m.apply.Lock()
	defer m.apply.Unlock()
	m.mu.Lock()
	m.regs[owner] = &registration{policy: p, cb: cb, throttle: NewThrottle(p)}
	m.mu.Unlock()
	err := m.sync()
	if err == nil {
		return nil
	}
	m.mu.Lock()
	delete(m.regs, owner)
	m.mu.Unlock()
	if rerr := m.sync(); rerr != nil {
		m.log.Warn().Err(rerr).Int("owners", m.Live()).Msg("unable to restore shared updates")
	}
	return err
}

func (m *Mux) unregister(owner string) {
	m.apply.Lock()
	defer m.apply.Unlock()
	m.mu.Lock()
	_, ok := m.regs[owner]
	delete(m.regs, owner)
	m.mu.Unlock()
	if !ok {
		return
	}
	if err := m.sync(); err != nil {
		m.log.Warn().Err(err).Int("owners", m.Live()).Msg("unable to restart shared updates")
	}
}

// sync brings the shared backend in line with the live registrations. The
// caller holds apply.
func (m *Mux) sync() error {
	m.mu.Lock()
	if len(m.regs) == 0 {
		running := m.running
		m.running = false
		m.mu.Unlock()
		if running {
			m.backend.StopUpdates()
			m.log.Info().Str("event", MUX_STOPPED).Msg("")
		}
		return nil
	}
	merged := merge(m.regs)
	if m.running && merged == m.merged {
		m.mu.Unlock()
		return nil
	}
	owners := len(m.regs)
	m.mu.Unlock()

	if err := m.backend.StartUpdates(merged, m.fanout()); err != nil {
		m.mu.Lock()
		m.running = false
		m.mu.Unlock()
		return err
	}
	m.mu.Lock()
	m.running = true
	m.merged = merged
	m.mu.Unlock()
	m.log.Info().Str("event", MUX_STARTED).EmbedObject(merged).Int("owners", owners).Msg("")
	return nil
}

func (m *Mux) snapshot() []Callbacks {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Callbacks, 0, len(m.regs))
	for _, r := range m.regs {
		out = append(out, r.cb)
	}
	return out
}

func (m *Mux) fanout() Callbacks {
	return Callbacks{
		OnFix: func(f fix.Fix) {
			m.mu.Lock()
			var out []Callbacks
			for _, r := range m.regs {
				if r.throttle.Allow(f) {
					out = append(out, r.cb)
				}
			}
			m.mu.Unlock()
			for _, cb := range out {
				cb.Fix(f)
			}
		},
		OnConnected: func() {
			for _, cb := range m.snapshot() {
				cb.Connected()
			}
		},
		OnStatusChanged: func(provider string) {
			for _, cb := range m.snapshot() {
				cb.StatusChanged(provider)
			}
		},
		OnProviderDisabled: func(provider string) {
			for _, cb := range m.snapshot() {
				cb.ProviderDisabled(provider)
			}
		},
	}
}

type view struct {
	mux   *Mux
	owner string
}

func (v *view) Name() string {
	return v.mux.backend.Name()
}

func (v *view) Initialize(ctx context.Context) {
	v.mux.backend.Initialize(ctx)
}

func (v *view) Connected() bool {
	return v.mux.backend.Connected()
}

func (v *view) CurrentFix(ctx context.Context, done func(f fix.Fix, ok bool)) {
	v.mux.backend.CurrentFix(ctx, done)
}

// StartUpdates replaces the owner's registration only.
func (v *view) StartUpdates(p Policy, cb Callbacks) error {
	return v.mux.register(v.owner, p, cb)
}

func (v *view) StopUpdates() {
	v.mux.unregister(v.owner)
}
