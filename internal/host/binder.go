package host

import (
	"sync"

	"github.com/phuslu/log"
	"nuha.dev/bestfix/internal/fix"
)

const (
	NOTIFICATION_SHOWN   string = "notification_shown"
	NOTIFICATION_REMOVED string = "notification_removed"
)

// Binder is the in-process foreground registrar. The daemon is its own
// service, so binding connects immediately.
type Binder struct {
	mu             sync.Mutex
	log            log.Logger
	bound          bool
	promoted       bool
	latest         *fix.Fix
	onDisconnected func()
}

func NewBinder() *Binder {
	b := &Binder{}
	b.log = log.DefaultLogger
	b.log.Context = log.NewContext(nil).Str("module", "binder").Value()
	return b
}

func (b *Binder) Bind(onConnected, onDisconnected func()) {
	b.mu.Lock()
	b.bound = true
	b.onDisconnected = onDisconnected
	b.mu.Unlock()
	if onConnected != nil {
		onConnected()
	}
}

func (b *Binder) Unbind() {
	b.mu.Lock()
	b.bound = false
	b.onDisconnected = nil
	b.mu.Unlock()
}

// Disconnect simulates the service going away while bound.
func (b *Binder) Disconnect() {
	b.mu.Lock()
	cb := b.onDisconnected
	b.bound = false
	b.onDisconnected = nil
	b.mu.Unlock()
	if cb != nil {
		cb()
	}
}

func (b *Binder) PromoteToForegroundNotification(f *fix.Fix) {
	b.mu.Lock()
	b.promoted = true
	b.latest = f
	b.mu.Unlock()
	e := b.log.Info().Str("event", NOTIFICATION_SHOWN)
	if f != nil {
		e = e.EmbedObject(f)
	}
	e.Msg("tracking location")
}

func (b *Binder) DemoteFromForeground() {
	b.mu.Lock()
	b.promoted = false
	b.latest = nil
	b.mu.Unlock()
	b.log.Info().Str("event", NOTIFICATION_REMOVED).Msg("")
}

func (b *Binder) Bound() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.bound
}

func (b *Binder) Promoted() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.promoted
}
