package host

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mustafaturan/bus/v3"
	"github.com/mustafaturan/monoton/v2"
	"github.com/mustafaturan/monoton/v2/sequencer"
	"github.com/phuslu/log"
	"nuha.dev/bestfix/internal/backend"
	"nuha.dev/bestfix/internal/coordinator"
	"nuha.dev/bestfix/internal/fix"
)

const TOPIC_PENDING_FIX = "pending.fix"

const (
	STANDING_REGISTERED string = "standing_registered"
	STANDING_CANCELLED  string = "standing_cancelled"
	EMIT_FAILED         string = "emit_failed"
)

// PendingBus runs standing subscriptions and carries their fixes over an
// in-process event bus instead of a direct callback.
type PendingBus struct {
	mu     sync.Mutex
	log    log.Logger
	bus    *bus.Bus
	active map[string]backend.Backend
}

func NewPendingBus() (*PendingBus, error) {
	node := uint64(1)
	initialTime := uint64(time.Date(2021, 1, 1, 0, 0, 0, 0, time.UTC).UnixNano() / int64(time.Millisecond))
	m, err := monoton.New(sequencer.NewMillisecond(), node, initialTime)
	if err != nil {
		return nil, err
	}
	var idGenerator bus.Next = m.Next
	b, err := bus.NewBus(idGenerator)
	if err != nil {
		return nil, err
	}
	b.RegisterTopics(TOPIC_PENDING_FIX)
	p := &PendingBus{bus: b, active: map[string]backend.Backend{}}
	p.log = log.DefaultLogger
	p.log.Context = log.NewContext(nil).Str("module", "pending").Value()
	return p, nil
}

func (p *PendingBus) RegisterStandingSubscription(req coordinator.StandingRequest) (string, error) {
	if req.Source == nil {
		return "", fmt.Errorf("standing subscription for %s: %w", req.Owner, backend.ErrUnavailable)
	}
	token := uuid.NewString()
	p.mu.Lock()
	p.active[token] = req.Source
	p.mu.Unlock()

	err := req.Source.StartUpdates(req.Policy, backend.Callbacks{
		OnFix: func(f fix.Fix) {
			p.emit(coordinator.Delivery{Token: token, Owner: req.Owner, Fix: f})
		},
	})
	if err != nil {
		p.mu.Lock()
		delete(p.active, token)
		p.mu.Unlock()
		return "", err
	}
	p.log.Info().Str("event", STANDING_REGISTERED).Str("owner", req.Owner).Str("token", token).EmbedObject(req.Policy).Msg("")
	return token, nil
}

func (p *PendingBus) emit(d coordinator.Delivery) {
	p.mu.Lock()
	_, ok := p.active[d.Token]
	p.mu.Unlock()
	if !ok {
		return
	}
	if err := p.bus.Emit(context.Background(), TOPIC_PENDING_FIX, d); err != nil {
		p.log.Warn().Err(err).Str("event", EMIT_FAILED).Msg("")
	}
}

func (p *PendingBus) Cancel(token string) {
	p.mu.Lock()
	source, ok := p.active[token]
	delete(p.active, token)
	p.mu.Unlock()
	if !ok {
		return
	}
	source.StopUpdates()
	p.log.Info().Str("event", STANDING_CANCELLED).Str("token", token).Msg("")
}

// Subscribe routes deliveries of owner to onDelivery. The owner doubles as
// the bus handler key.
func (p *PendingBus) Subscribe(owner string, onDelivery func(d coordinator.Delivery)) error {
	p.bus.RegisterHandler(owner, bus.Handler{
		Handle: func(ctx context.Context, e bus.Event) {
			d, ok := e.Data.(coordinator.Delivery)
			if !ok || d.Owner != owner {
				return
			}
			onDelivery(d)
		},
		Matcher: "^" + TOPIC_PENDING_FIX + "$",
	})
	return nil
}

func (p *PendingBus) Unsubscribe(owner string) {
	p.bus.DeregisterHandler(owner)
}

func (p *PendingBus) Active() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.active)
}
