package selector

import (
	"context"
	"fmt"
	"sync"

	"github.com/phuslu/log"
	hashids "github.com/speps/go-hashids/v2"
	"nuha.dev/bestfix/internal/backend"
	"nuha.dev/bestfix/internal/coordinator"
	"nuha.dev/bestfix/internal/fix"
	"nuha.dev/bestfix/internal/privilege"
	"nuha.dev/bestfix/internal/strategy"
)

const BACKEND_SELECTED string = "backend_selected"

// Host bundles the capabilities the composition root hands in.
type Host struct {
	Oracle      privilege.Oracle
	Foreground  coordinator.ForegroundRegistrar
	Pending     coordinator.PendingRegistrar
	Scheduler   coordinator.Scheduler
	Coordinator coordinator.Config
}

// Context owns the process-wide backend and last known fix. It is built once
// by the composition root and passed to whoever creates strategies. Each
// strategy reaches the backend through its own view of a Mux.
type Context struct {
	mu          sync.Mutex
	log         log.Logger
	host        Host
	slot        *fix.Slot
	newEnhanced func() backend.Backend
	newBasic    func() backend.Backend
	chosen      backend.Backend
	mux         *backend.Mux
	ids         *hashids.HashID
	seq         int
}

func New(host Host, newEnhanced, newBasic func() backend.Backend, salt string) (*Context, error) {
	hd := hashids.NewData()
	hd.Salt = salt
	hd.MinLength = 6
	ids, err := hashids.NewWithData(hd)
	if err != nil {
		return nil, fmt.Errorf("strategy ids: %w", err)
	}
	c := &Context{
		host:        host,
		slot:        fix.NewSlot(),
		newEnhanced: newEnhanced,
		newBasic:    newBasic,
		ids:         ids,
	}
	c.log = log.DefaultLogger
	c.log.Context = log.NewContext(nil).Str("module", "selector").Value()
	return c, nil
}

// Select returns the process backend, constructing and initializing it on
// the first call. The choice is never revisited, even if the enhanced
// dependency shows up later.
func (c *Context) Select(ctx context.Context, hasEnhancedDependency bool) backend.Backend {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.chosen != nil {
		return c.chosen
	}
	if hasEnhancedDependency && c.newEnhanced != nil {
		c.chosen = c.newEnhanced()
	} else {
		c.chosen = c.newBasic()
	}
	c.chosen.Initialize(ctx)
	c.mux = backend.NewMux(c.chosen)
	c.log.Info().Str("event", BACKEND_SELECTED).Str("backend", c.chosen.Name()).Bool("connected", c.chosen.Connected()).Msg("")
	return c.chosen
}

func (c *Context) Slot() *fix.Slot {
	return c.slot
}

func (c *Context) nextId() (string, error) {
	c.mu.Lock()
	c.seq++
	n := c.seq
	c.mu.Unlock()
	return c.ids.Encode([]int{n})
}

func (c *Context) view(ctx context.Context, hasEnhancedDependency bool, owner string) backend.Backend {
	c.Select(ctx, hasEnhancedDependency)
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mux.View(owner)
}

// NewStrategy builds a strategy over the selected backend. Each strategy
// gets its own coordinator and update registration; only the slot is
// shared.
func (c *Context) NewStrategy(ctx context.Context, hasEnhancedDependency bool) (*strategy.Strategy, error) {
	id, err := c.nextId()
	if err != nil {
		return nil, err
	}
	b := c.view(ctx, hasEnhancedDependency, id)
	coord := coordinator.New(c.host.Foreground, c.host.Pending, c.host.Scheduler, &c.host.Coordinator)
	return strategy.New(id, b, c.host.Oracle, coord, c.slot), nil
}
