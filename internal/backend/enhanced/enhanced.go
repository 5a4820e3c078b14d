package enhanced

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/phuslu/log"
	"nuha.dev/bestfix/internal/backend"
	"nuha.dev/bestfix/internal/fix"
)

const (
	FUSED_CONNECT_FAILED string = "fused_connect_failed"
	FRESH_FIX_FAILED     string = "fresh_fix_failed"
	LAST_FIX_FAILED      string = "last_fix_failed"
)

// FusedClient is the handle to the high-quality fused positioning service.
type FusedClient interface {
	Connect(ctx context.Context) error
	CurrentLocation(ctx context.Context) (fix.Fix, error)
	LastLocation(ctx context.Context) (fix.Fix, error)
	RequestUpdates(req backend.Request, onFix func(f fix.Fix)) error
	RemoveUpdates() error
}

type Config struct {
	FreshTimeout time.Duration
}

// Backend delegates to a FusedClient. When the fused service cannot produce
// a current fix it asks the fallback backend for its last known one.
type Backend struct {
	mu          sync.Mutex
	log         log.Logger
	client      FusedClient
	fallback    backend.Backend
	config      Config
	initialized bool
	connected   bool
	updating    bool
}

type result struct {
	fix fix.Fix
	err error
}

func New(client FusedClient, fallback backend.Backend, config *Config) *Backend {
	b := &Backend{client: client, fallback: fallback, config: *config}
	if b.config.FreshTimeout <= 0 {
		b.config.FreshTimeout = 5 * time.Second
	}
	b.log = log.DefaultLogger
	b.log.Context = log.NewContext(nil).Str("module", "enhanced-backend").Value()
	return b
}

func (b *Backend) Name() string {
	return backend.BACKEND_ENHANCED
}

func (b *Backend) Initialize(ctx context.Context) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.initialized {
		return
	}
	b.initialized = true
	if err := b.client.Connect(ctx); err != nil {
		b.log.Warn().Err(err).Str("event", FUSED_CONNECT_FAILED).Msg("fused provider not connected")
		return
	}
	b.connected = true
	b.log.Info().Msg("fused provider connected")
}

func (b *Backend) Connected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.connected
}

// CurrentFix races a fresh fix against the last known fix of the fused
// service. A fresh fix wins if it arrives before FreshTimeout; once the
// timeout fires a late fresh result is discarded.
func (b *Backend) CurrentFix(ctx context.Context, done func(f fix.Fix, ok bool)) {
	var once sync.Once
	finish := func(f fix.Fix, ok bool) {
		once.Do(func() { done(f, ok) })
	}
	if !b.Connected() {
		b.fallbackFix(ctx, finish)
		return
	}
	go b.race(ctx, finish)
}

func (b *Backend) race(ctx context.Context, finish func(fix.Fix, bool)) {
	freshCtx, cancelFresh := context.WithTimeout(ctx, b.config.FreshTimeout)
	defer cancelFresh()

	fresh := make(chan result, 1)
	go func() {
		f, err := b.client.CurrentLocation(freshCtx)
		fresh <- result{f, err}
	}()
	lastCtx, cancelLast := context.WithTimeout(ctx, 2*b.config.FreshTimeout)
	defer cancelLast()
	last := make(chan result, 1)
	go func() {
		f, err := b.client.LastLocation(lastCtx)
		last <- result{f, err}
	}()

	var fallback *result
	for fresh != nil {
		select {
		case r := <-fresh:
			fresh = nil
			if r.err == nil {
				finish(r.fix, true)
				return
			}
			b.log.Debug().Err(r.err).Str("event", FRESH_FIX_FAILED).Msg("")
		case r := <-last:
			last = nil
			fallback = &r
		case <-freshCtx.Done():
			fresh = nil
			b.log.Debug().Err(freshCtx.Err()).Str("event", FRESH_FIX_FAILED).Msg("")
		}
	}
	cancelFresh()

	if fallback == nil {
		select {
		case r := <-last:
			fallback = &r
		case <-lastCtx.Done():
		}
	}
	if fallback != nil && fallback.err == nil {
		finish(fallback.fix, true)
		return
	}
	if fallback != nil {
		b.log.Debug().Err(fallback.err).Str("event", LAST_FIX_FAILED).Msg("")
	}
	b.fallbackFix(ctx, finish)
}

func (b *Backend) fallbackFix(ctx context.Context, finish func(fix.Fix, bool)) {
	if b.fallback == nil {
		finish(fix.Fix{}, false)
		return
	}
	b.fallback.CurrentFix(ctx, finish)
}

func (b *Backend) StartUpdates(p backend.Policy, cb backend.Callbacks) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.connected {
		return fmt.Errorf("enhanced start updates: %w", backend.ErrNotConnected)
	}
	if b.updating {
		// the same request replaces the previous registration
		if err := b.client.RemoveUpdates(); err != nil {
			b.log.Warn().Err(err).Msg("error removing previous updates")
		}
		b.updating = false
	}
	req := p.Request()
	err := b.client.RequestUpdates(req, cb.Fix)
	if err != nil {
		return fmt.Errorf("enhanced start updates: %w", err)
	}
	b.updating = true
	b.log.Info().EmbedObject(p).Msg("requested fused updates")
	return nil
}

func (b *Backend) StopUpdates() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.updating {
		return
	}
	b.updating = false
	if err := b.client.RemoveUpdates(); err != nil {
		b.log.Warn().Err(err).Msg("error removing updates")
	}
}
