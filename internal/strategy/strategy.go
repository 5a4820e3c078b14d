package strategy

import (
	"context"
	"sync"
	"time"

	"github.com/phuslu/log"
	"nuha.dev/bestfix/internal/backend"
	"nuha.dev/bestfix/internal/coordinator"
	"nuha.dev/bestfix/internal/fix"
	"nuha.dev/bestfix/internal/privilege"
)

const (
	FIX_ACCEPTED      string = "fix_accepted"
	FIX_REJECTED      string = "fix_rejected"
	FIX_DROPPED       string = "fix_dropped"
	MODE_ENTERED      string = "mode_entered"
	PRIVILEGE_MISSING string = "privilege_missing"
	ACQUIRE_FAILED    string = "acquire_failed"
	AUTO_STOPPED      string = "auto_stopped"
	LIFECYCLE         string = "lifecycle"
)

const pollTimeout = 30 * time.Second

type State int

const (
	Idle State = iota
	Configuring
	AwaitingPrivilege
	Active
	Stopped
)

func (s State) String() string {
	return [...]string{"idle", "configuring", "awaiting_privilege", "active", "stopped"}[s]
}

// Strategy owns one backend and its update policy and decides the execution
// mode from the granted privileges. Every callback registered elsewhere
// carries the generation it was registered under; a callback from an older
// generation is dropped.
//
// The mutex is never held while calling the backend, the coordinator, the
// listener or the shared slot.
type Strategy struct {
	mu      sync.Mutex
	log     log.Logger
	id      string
	backend backend.Backend
	oracle  privilege.Oracle
	coord   *coordinator.Coordinator
	slot    *fix.Slot

	policy     backend.Policy
	aggressive bool
	state      State
	mode       coordinator.Mode
	listener   Listener
	gen        int
	subscribed bool
}

func New(id string, b backend.Backend, oracle privilege.Oracle, coord *coordinator.Coordinator, slot *fix.Slot) *Strategy {
	s := &Strategy{
		id:      id,
		backend: b,
		oracle:  oracle,
		coord:   coord,
		slot:    slot,
		policy:  backend.DefaultPolicy(),
	}
	s.log = log.DefaultLogger
	s.log.Context = log.NewContext(nil).Str("module", "strategy").Str("id", id).Value()
	s.subscribe()
	return s
}

// subscribe attaches the pending delivery handler unless it already is.
func (s *Strategy) subscribe() {
	pending := s.coord.Pending()
	if pending == nil {
		return
	}
	s.mu.Lock()
	if s.subscribed {
		s.mu.Unlock()
		return
	}
	s.subscribed = true
	s.mu.Unlock()
	if err := pending.Subscribe(s.id, s.onDelivery); err != nil {
		s.log.Warn().Err(err).Msg("pending delivery not subscribed")
		s.mu.Lock()
		s.subscribed = false
		s.mu.Unlock()
	}
}

func (s *Strategy) unsubscribe() {
	pending := s.coord.Pending()
	if pending == nil {
		return
	}
	s.mu.Lock()
	subscribed := s.subscribed
	s.subscribed = false
	s.mu.Unlock()
	if subscribed {
		pending.Unsubscribe(s.id)
	}
}

func (s *Strategy) Id() string {
	return s.id
}

func (s *Strategy) configure(f func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f()
	if s.state == Idle || s.state == Stopped {
		s.state = Configuring
	}
}

// SetInterval takes effect on the next Start. Values below the fastest
// interval are raised to it.
func (s *Strategy) SetInterval(d time.Duration) {
	s.configure(func() { s.policy.SetInterval(d) })
}

func (s *Strategy) SetDisplacement(meters float64) {
	s.configure(func() { s.policy.Displacement = meters })
}

func (s *Strategy) SetPeriodic(periodic bool) {
	s.configure(func() { s.policy.Periodic = periodic })
}

func (s *Strategy) SetAggressive(aggressive bool) {
	s.configure(func() { s.aggressive = aggressive })
}

// Attach installs l as the only listener. A connected backend is announced
// right away.
func (s *Strategy) Attach(l Listener) {
	s.mu.Lock()
	s.listener = l
	s.mu.Unlock()
	if l != nil && s.backend.Connected() {
		l.OnConnected()
	}
}

func (s *Strategy) Detach() {
	s.mu.Lock()
	s.listener = nil
	s.mu.Unlock()
}

// haltLocked moves to next and invalidates outstanding callbacks. The
// returned func releases registrations and must run after unlocking.
func (s *Strategy) haltLocked(next State) func() {
	wasActive := s.state == Active
	s.state = next
	s.gen++
	if !wasActive {
		return func() {}
	}
	return func() {
		s.backend.StopUpdates()
		s.coord.Cancel()
	}
}

// Start evaluates privileges and enters an execution mode. Failures are
// reported to the listener, never returned.
func (s *Strategy) Start() {
	s.mu.Lock()
	release := s.haltLocked(AwaitingPrivilege)
	gen := s.gen
	s.mu.Unlock()
	release()
	s.acquire(gen)
}

func (s *Strategy) acquire(gen int) {
	ps := privilege.Snapshot(s.oracle)
	s.mu.Lock()
	if gen != s.gen {
		s.mu.Unlock()
		return
	}
	aggressive := s.aggressive
	s.mu.Unlock()

	switch {
	case !ps.ForegroundGranted:
		s.missing(gen, ps, MissingForegroundPermission)
	case aggressive:
		s.enterForeground(gen)
	case ps.Tier == privilege.Pre || ps.BackgroundGranted:
		s.enterBackgroundPassive(gen)
	case ps.Tier == privilege.NeedsBackgroundPermission:
		s.missing(gen, ps, MissingBackgroundPermission)
	case ps.BackgroundRationale:
		s.missing(gen, ps, MissingBackgroundPermissionRetryable)
	default:
		s.missing(gen, ps, MissingBackgroundPermissionNeedsSettings)
	}
}

func (s *Strategy) missing(gen int, ps privilege.State, kind FailureKind) {
	s.log.Info().Str("event", PRIVILEGE_MISSING).Str("kind", kind.String()).EmbedObject(ps).Msg("")
	s.fail(gen, Failure{Kind: kind})
}

func (s *Strategy) fail(gen int, f Failure) {
	if l := s.current(gen); l != nil {
		l.OnFailure(f)
	}
}

// current returns the listener if gen is still the live generation.
func (s *Strategy) current(gen int) Listener {
	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.gen {
		return nil
	}
	return s.listener
}

func (s *Strategy) activate(gen int, mode coordinator.Mode) (backend.Policy, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.gen {
		return backend.Policy{}, false
	}
	s.state = Active
	s.mode = mode
	s.log.Info().Str("event", MODE_ENTERED).Str("mode", mode.String()).EmbedObject(s.policy).Msg("")
	return s.policy, true
}

func (s *Strategy) enterForeground(gen int) {
	if _, ok := s.activate(gen, coordinator.Foreground); !ok {
		return
	}
	s.coord.EnterForeground(func() { s.bound(gen) }, func() { s.unbound(gen) })
}

func (s *Strategy) enterBackgroundPassive(gen int) {
	p, ok := s.activate(gen, coordinator.BackgroundPassive)
	if !ok {
		return
	}
	s.subscribe()
	err := s.coord.EnterBackgroundPassive(coordinator.StandingRequest{Owner: s.id, Policy: p, Source: s.backend})
	if err != nil {
		s.abort(gen, err)
	}
}

func (s *Strategy) bound(gen int) {
	s.mu.Lock()
	if gen != s.gen || s.state != Active {
		s.mu.Unlock()
		return
	}
	p := s.policy
	s.mu.Unlock()
	if err := s.backend.StartUpdates(p, s.callbacks(gen)); err != nil {
		s.abort(gen, err)
	}
}

func (s *Strategy) unbound(gen int) {
	s.mu.Lock()
	if gen != s.gen || s.state != Active {
		s.mu.Unlock()
		return
	}
	l := s.listener
	release := s.haltLocked(Stopped)
	s.mu.Unlock()
	release()
	if l != nil {
		l.OnConnectionStatusChanged()
	}
}

// abort stops the strategy after a backend error. It stays usable for a
// later Start.
func (s *Strategy) abort(gen int, err error) {
	s.mu.Lock()
	if gen != s.gen {
		s.mu.Unlock()
		return
	}
	l := s.listener
	release := s.haltLocked(Stopped)
	s.mu.Unlock()
	release()
	f := failureFrom(err)
	s.log.Warn().Err(err).Str("event", ACQUIRE_FAILED).Str("kind", f.Kind.String()).Msg("")
	if l != nil {
		l.OnFailure(f)
	}
}

func (s *Strategy) callbacks(gen int) backend.Callbacks {
	return backend.Callbacks{
		OnFix: func(f fix.Fix) {
			s.deliver(gen, f, true)
		},
		OnConnected: func() {
			if l := s.current(gen); l != nil {
				l.OnConnected()
			}
		},
		OnStatusChanged: func(string) {
			if l := s.current(gen); l != nil {
				l.OnConnectionStatusChanged()
			}
		},
		OnProviderDisabled: func(provider string) {
			s.fail(gen, Failure{Kind: ProviderDisabled, Provider: provider})
		},
	}
}

func (s *Strategy) onDelivery(d coordinator.Delivery) {
	s.mu.Lock()
	gen := s.gen
	ok := s.state == Active && s.mode == coordinator.BackgroundPassive
	s.mu.Unlock()
	if ok {
		s.deliver(gen, d.Fix, true)
	}
}

// deliver is the single fix delivery path. A one-shot strategy halts before
// arbitration so a listener re-entering Start sees a stopped strategy.
func (s *Strategy) deliver(gen int, f fix.Fix, requireActive bool) {
	s.mu.Lock()
	if gen != s.gen || s.listener == nil || (requireActive && s.state != Active) {
		s.mu.Unlock()
		s.log.Debug().Str("event", FIX_DROPPED).EmbedObject(f).Msg("")
		return
	}
	l := s.listener
	release := func() {}
	if !s.policy.Periodic && s.state == Active {
		release = s.haltLocked(Stopped)
		s.log.Info().Str("event", AUTO_STOPPED).Msg("")
	}
	s.mu.Unlock()
	release()

	if !s.slot.Offer(f) {
		s.log.Debug().Str("event", FIX_REJECTED).EmbedObject(f).Msg("")
		return
	}
	s.log.Debug().Str("event", FIX_ACCEPTED).EmbedObject(f).Msg("")
	l.OnBetterFixAvailable(f)
}

// BackgroundPermissionGranted re-attempts the background passive transition.
// An aggressive acquisition is left alone.
func (s *Strategy) BackgroundPermissionGranted() {
	s.mu.Lock()
	release := func() {}
	switch {
	case s.state == AwaitingPrivilege:
		s.gen++
	case s.state == Active && s.mode == coordinator.BackgroundPassive:
		release = s.haltLocked(AwaitingPrivilege)
	default:
		s.mu.Unlock()
		return
	}
	gen := s.gen
	s.mu.Unlock()
	release()
	s.acquire(gen)
}

// Stop detaches the listener first, then cancels updates and any periodic
// work. Calling it again is a no-op.
func (s *Strategy) Stop() {
	s.mu.Lock()
	s.listener = nil
	if s.state != Active && s.state != AwaitingPrivilege {
		s.mu.Unlock()
		return
	}
	release := s.haltLocked(Stopped)
	s.mu.Unlock()
	release()
	s.log.Info().Msg("stopped")
}

// RequestCurrentFix asks the backend for a snapshot and routes it through
// the delivery path. It does not need an active acquisition.
func (s *Strategy) RequestCurrentFix(ctx context.Context) {
	s.mu.Lock()
	gen := s.gen
	s.mu.Unlock()
	s.backend.CurrentFix(ctx, func(f fix.Fix, ok bool) {
		if ok {
			s.deliver(gen, f, false)
		}
	})
}

func (s *Strategy) LastKnown() (fix.Fix, bool) {
	return s.slot.Get()
}

func (s *Strategy) poll(gen int) {
	s.mu.Lock()
	live := gen == s.gen && s.state == Active
	s.mu.Unlock()
	if !live {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), pollTimeout)
	s.backend.CurrentFix(ctx, func(f fix.Fix, ok bool) {
		cancel()
		if ok {
			s.deliver(gen, f, true)
		}
	})
}

// HandleLifecycle applies the coordinator's transition table to a host
// lifecycle event. Destroyed also drops the pending delivery handler.
func (s *Strategy) HandleLifecycle(ev coordinator.Event) {
	s.mu.Lock()
	op := coordinator.OpNone
	if s.state == Active {
		op = s.coord.Transition(s.mode, ev)
	} else if ev == coordinator.Destroyed {
		op = coordinator.OpStop
	}
	gen := s.gen
	switch op {
	case coordinator.OpPromote, coordinator.OpChunk:
		s.mode = coordinator.BackgroundAggressive
	case coordinator.OpRebind:
		s.mode = coordinator.Foreground
	}
	s.mu.Unlock()
	s.log.Info().Str("event", LIFECYCLE).Str("lifecycle", ev.String()).Str("op", op.String()).Msg("")

	switch op {
	case coordinator.OpPromote:
		var latest *fix.Fix
		if f, ok := s.slot.Get(); ok {
			latest = &f
		}
		s.coord.Promote(latest)
	case coordinator.OpChunk:
		s.backend.StopUpdates()
		s.coord.Chunk(s.id, func() { s.poll(gen) })
	case coordinator.OpRebind:
		s.coord.Rebind(func() { s.bound(gen) }, func() { s.unbound(gen) })
	case coordinator.OpStop:
		s.Stop()
	}
	switch op {
	case coordinator.OpPromote, coordinator.OpChunk, coordinator.OpRebind:
		s.settle(gen)
	}
	if ev == coordinator.Destroyed {
		s.unsubscribe()
	}
}

// settle undoes a registration installed for gen after the strategy moved
// on. A strategy restarted in the meantime registers again for its current
// generation, since the stale install may have replaced it.
func (s *Strategy) settle(gen int) {
	s.mu.Lock()
	if gen == s.gen && s.state == Active {
		s.mu.Unlock()
		return
	}
	current := s.gen
	restarted := s.state == Active
	s.mu.Unlock()
	s.log.Info().Str("event", LIFECYCLE).Str("op", "cancel_stale").Msg("")
	s.coord.Cancel()
	if restarted {
		s.acquire(current)
	}
}

// Status is a point-in-time view for the host.
type Status struct {
	Id         string        `json:"id"`
	Backend    string        `json:"backend"`
	State      string        `json:"state"`
	Mode       string        `json:"mode,omitempty"`
	Interval   time.Duration `json:"interval"`
	Distance   float64       `json:"displacement"`
	Periodic   bool          `json:"periodic"`
	Aggressive bool          `json:"aggressive"`
	Listening  bool          `json:"listening"`
}

func (s *Strategy) Status() Status {
	name := s.backend.Name()
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Status{
		Id:         s.id,
		Backend:    name,
		State:      s.state.String(),
		Interval:   s.policy.Interval(),
		Distance:   s.policy.Displacement,
		Periodic:   s.policy.Periodic,
		Aggressive: s.aggressive,
		Listening:  s.listener != nil,
	}
	if s.state == Active {
		st.Mode = s.mode.String()
	}
	return st
}

func (s *Strategy) State() (State, coordinator.Mode) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state, s.mode
}
