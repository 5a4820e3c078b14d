package basic

import (
	"context"
	"sync"

	"github.com/phuslu/log"
	"nuha.dev/bestfix/internal/backend"
	"nuha.dev/bestfix/internal/fix"
)

const (
	PROVIDER_START_FAILED string = "provider_start_failed"
	PROVIDER_STATUS       string = "provider_status"
)

// Backend merges every enabled physical Provider into one callback stream.
// Providers fire independently; ordering between them is not preserved.
type Backend struct {
	mu          sync.Mutex
	log         log.Logger
	providers   []Provider
	initialized bool
	running     []Provider
	generation  int
	latest      *fix.Fix
}

func New(providers ...Provider) *Backend {
	b := &Backend{providers: providers}
	b.log = log.DefaultLogger
	b.log.Context = log.NewContext(nil).Str("module", "basic-backend").Value()
	return b
}

func (b *Backend) Name() string {
	return backend.BACKEND_BASIC
}

func (b *Backend) Initialize(ctx context.Context) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.initialized {
		return
	}
	b.initialized = true
	for _, p := range b.providers {
		b.log.Info().Str("provider", p.Name()).Bool("enabled", p.Enabled()).Msg("provider registered")
	}
}

// Connected is true once initialized. The provider manager itself has no
// external dependency.
func (b *Backend) Connected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.initialized
}

// CurrentFix answers synchronously from the most recent provider callback,
// else from the providers' own last known fixes in registration order.
func (b *Backend) CurrentFix(ctx context.Context, done func(f fix.Fix, ok bool)) {
	b.mu.Lock()
	latest := b.latest
	b.mu.Unlock()
	if latest != nil {
		done(*latest, true)
		return
	}
	for _, p := range b.providers {
		if f, ok := p.LastKnown(); ok {
			done(f, true)
			return
		}
	}
	done(fix.Fix{}, false)
}

func (b *Backend) StartUpdates(p backend.Policy, cb backend.Callbacks) error {
	b.StopUpdates()

	b.mu.Lock()
	b.generation++
	gen := b.generation
	b.mu.Unlock()

	var started []Provider
	for _, prov := range b.providers {
		if !prov.Enabled() {
			continue
		}
		err := prov.Start(b.events(gen, prov.Name(), p, cb))
		if err != nil {
			b.log.Warn().Err(err).Str("event", PROVIDER_START_FAILED).Str("provider", prov.Name()).Msg("")
			for _, s := range started {
				s.Stop()
			}
			return &backend.ProviderDisabledError{Provider: prov.Name(), Err: err}
		}
		started = append(started, prov)
	}
	if len(started) == 0 {
		return backend.ErrUnavailable
	}

	b.mu.Lock()
	b.running = started
	b.mu.Unlock()
	b.log.Info().EmbedObject(p).Int("providers", len(started)).Msg("provider updates started")
	return nil
}

func (b *Backend) events(gen int, name string, p backend.Policy, cb backend.Callbacks) Events {
	th := backend.NewThrottle(p)
	return Events{
		OnFix: func(f fix.Fix) {
			b.mu.Lock()
			if gen != b.generation || !th.Allow(f) {
				b.mu.Unlock()
				return
			}
			b.latest = &f
			b.mu.Unlock()
			cb.Fix(f)
		},
		OnStatus: func(s Status) {
			b.mu.Lock()
			current := gen == b.generation
			b.mu.Unlock()
			if !current {
				return
			}
			b.log.Info().Str("event", PROVIDER_STATUS).Str("provider", name).Str("status", s.String()).Msg("")
			switch s {
			case StatusEnabled:
				cb.Connected()
			case StatusDisabled:
				cb.ProviderDisabled(name)
			default:
				cb.StatusChanged(name)
			}
		},
	}
}

func (b *Backend) StopUpdates() {
	b.mu.Lock()
	running := b.running
	b.running = nil
	b.generation++
	b.mu.Unlock()
	for _, p := range running {
		p.Stop()
	}
}
