package coordinator

import (
	"sync"

	"github.com/phuslu/log"
	"nuha.dev/bestfix/internal/fix"
)

const MinPollMinutes = 15

type Mode int

const (
	Foreground Mode = iota
	BackgroundAggressive
	BackgroundPassive
)

func (m Mode) String() string {
	switch m {
	case Foreground:
		return "foreground"
	case BackgroundAggressive:
		return "background_aggressive"
	case BackgroundPassive:
		return "background_passive"
	}
	return "unknown"
}

type Event int

const (
	Visible Event = iota
	Hidden
	Destroyed
)

func (e Event) String() string {
	switch e {
	case Visible:
		return "visible"
	case Hidden:
		return "hidden"
	case Destroyed:
		return "destroyed"
	}
	return "unknown"
}

func ParseEvent(s string) (Event, bool) {
	for _, e := range []Event{Visible, Hidden, Destroyed} {
		if e.String() == s {
			return e, true
		}
	}
	return 0, false
}

// Op is what a lifecycle event asks of an active strategy.
type Op int

const (
	OpNone Op = iota
	// OpPromote unbinds and keeps updates running under a foreground
	// notification.
	OpPromote
	// OpChunk unbinds, stops continuous updates and polls periodically.
	OpChunk
	// OpRebind demotes or cancels polling and binds again.
	OpRebind
	OpStop
)

func (o Op) String() string {
	return [...]string{"none", "promote", "chunk", "rebind", "stop"}[o]
}

type transition struct {
	mode  Mode
	event Event
}

var transitions = map[transition]Op{
	{Foreground, Hidden}:              OpPromote,
	{BackgroundAggressive, Visible}:   OpRebind,
	{Foreground, Destroyed}:           OpStop,
	{BackgroundAggressive, Destroyed}: OpStop,
	{BackgroundPassive, Destroyed}:    OpStop,
}

type Config struct {
	// ChunkBackground replaces continuous background delivery with
	// periodic polling.
	ChunkBackground bool
	PollMinutes     int
}

// Coordinator translates a strategy's mode decision into host registrar
// calls. It only remembers what is registered; switching always cancels the
// previous registration first.
type Coordinator struct {
	mu         sync.Mutex
	log        log.Logger
	config     Config
	foreground ForegroundRegistrar
	pending    PendingRegistrar
	scheduler  Scheduler

	bound    bool
	promoted bool
	token    string
	workId   string
}

func New(fg ForegroundRegistrar, pending PendingRegistrar, scheduler Scheduler, config *Config) *Coordinator {
	c := &Coordinator{foreground: fg, pending: pending, scheduler: scheduler, config: *config}
	if c.config.PollMinutes < MinPollMinutes {
		c.config.PollMinutes = MinPollMinutes
	}
	c.log = log.DefaultLogger
	c.log.Context = log.NewContext(nil).Str("module", "coordinator").Value()
	return c
}

// Transition looks up the lifecycle table.
func (c *Coordinator) Transition(mode Mode, ev Event) Op {
	op := transitions[transition{mode, ev}]
	if op == OpPromote && c.config.ChunkBackground {
		op = OpChunk
	}
	return op
}

func (c *Coordinator) Pending() PendingRegistrar {
	return c.pending
}

type registration struct {
	bound    bool
	promoted bool
	token    string
	workId   string
}

// take snapshots and clears the current registration. Registrars are called
// after the lock is released.
func (c *Coordinator) take() registration {
	c.mu.Lock()
	defer c.mu.Unlock()
	r := registration{c.bound, c.promoted, c.token, c.workId}
	c.bound, c.promoted, c.token, c.workId = false, false, "", ""
	return r
}

func (c *Coordinator) release(r registration) {
	if r.bound {
		c.foreground.Unbind()
	}
	if r.promoted {
		c.foreground.DemoteFromForeground()
	}
	if r.token != "" {
		c.pending.Cancel(r.token)
	}
	if r.workId != "" {
		c.scheduler.Cancel(r.workId)
	}
}

func (c *Coordinator) EnterForeground(onConnected, onDisconnected func()) {
	c.release(c.take())
	c.mu.Lock()
	c.bound = true
	c.mu.Unlock()
	c.log.Info().Str("mode", Foreground.String()).Msg("registering")
	c.foreground.Bind(onConnected, onDisconnected)
}

func (c *Coordinator) EnterBackgroundPassive(req StandingRequest) error {
	c.release(c.take())
	token, err := c.pending.RegisterStandingSubscription(req)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.token = token
	c.mu.Unlock()
	c.log.Info().Str("mode", BackgroundPassive.String()).Str("token", token).Msg("registering")
	return nil
}

// Promote moves a bound acquisition under a foreground notification showing
// latest.
func (c *Coordinator) Promote(latest *fix.Fix) {
	c.release(c.take())
	c.mu.Lock()
	c.promoted = true
	c.mu.Unlock()
	c.log.Info().Str("mode", BackgroundAggressive.String()).Msg("promoting")
	c.foreground.PromoteToForegroundNotification(latest)
}

// Chunk unbinds and schedules onFire every PollMinutes.
func (c *Coordinator) Chunk(workId string, onFire func()) {
	c.release(c.take())
	c.mu.Lock()
	c.workId = workId
	c.mu.Unlock()
	c.log.Info().Str("mode", BackgroundAggressive.String()).Str("work_id", workId).Int("minutes", c.config.PollMinutes).Msg("chunking")
	c.scheduler.ScheduleRecurring(c.config.PollMinutes, workId, onFire)
}

func (c *Coordinator) Rebind(onConnected, onDisconnected func()) {
	c.EnterForeground(onConnected, onDisconnected)
}

// Cancel releases whatever is registered. It is a no-op when nothing is.
func (c *Coordinator) Cancel() {
	c.release(c.take())
}
