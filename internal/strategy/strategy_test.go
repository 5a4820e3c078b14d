package strategy

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nuha.dev/bestfix/internal/backend"
	"nuha.dev/bestfix/internal/coordinator"
	"nuha.dev/bestfix/internal/fix"
	"nuha.dev/bestfix/internal/host"
	"nuha.dev/bestfix/internal/privilege"
)

type mockBackend struct {
	mu       sync.Mutex
	cb       backend.Callbacks
	startErr error
	current  *fix.Fix
	started  int
	stopped  int
	policies []backend.Policy
}

func (m *mockBackend) Name() string                   { return backend.BACKEND_BASIC }
func (m *mockBackend) Initialize(ctx context.Context) {}
func (m *mockBackend) Connected() bool                { return true }
func (m *mockBackend) CurrentFix(ctx context.Context, done func(fix.Fix, bool)) {
	m.mu.Lock()
	cur := m.current
	m.mu.Unlock()
	if cur == nil {
		done(fix.Fix{}, false)
		return
	}
	done(*cur, true)
}
func (m *mockBackend) StartUpdates(p backend.Policy, cb backend.Callbacks) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.startErr != nil {
		return m.startErr
	}
	m.started++
	m.cb = cb
	m.policies = append(m.policies, p)
	return nil
}
func (m *mockBackend) StopUpdates() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopped++
}

func (m *mockBackend) emit(f fix.Fix) {
	m.mu.Lock()
	cb := m.cb
	m.mu.Unlock()
	cb.Fix(f)
}

func (m *mockBackend) counts() (int, int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.started, m.stopped
}

type mockListener struct {
	mu        sync.Mutex
	fixes     []fix.Fix
	failures  []Failure
	connected int
	changed   int
	onFix     func(f fix.Fix)
}

func (l *mockListener) OnBetterFixAvailable(f fix.Fix) {
	l.mu.Lock()
	l.fixes = append(l.fixes, f)
	cb := l.onFix
	l.mu.Unlock()
	if cb != nil {
		cb(f)
	}
}
func (l *mockListener) OnConnected() {
	l.mu.Lock()
	l.connected++
	l.mu.Unlock()
}
func (l *mockListener) OnConnectionStatusChanged() {
	l.mu.Lock()
	l.changed++
	l.mu.Unlock()
}
func (l *mockListener) OnFailure(f Failure) {
	l.mu.Lock()
	l.failures = append(l.failures, f)
	l.mu.Unlock()
}

func (l *mockListener) received() []fix.Fix {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]fix.Fix(nil), l.fixes...)
}

func (l *mockListener) failed() []FailureKind {
	l.mu.Lock()
	defer l.mu.Unlock()
	var kinds []FailureKind
	for _, f := range l.failures {
		kinds = append(kinds, f.Kind)
	}
	return kinds
}

type fixture struct {
	s         *Strategy
	b         *mockBackend
	l         *mockListener
	oracle    *privilege.Static
	binder    *host.Binder
	pending   *host.PendingBus
	scheduler *host.Scheduler
}

func newFixture(t *testing.T, tier privilege.Tier, chunk bool, granted ...privilege.Kind) *fixture {
	t.Helper()
	pending, err := host.NewPendingBus()
	require.NoError(t, err)
	f := &fixture{
		b:         &mockBackend{},
		l:         &mockListener{},
		oracle:    privilege.NewStatic(tier, granted...),
		binder:    host.NewBinder(),
		pending:   pending,
		scheduler: host.NewScheduler(),
	}
	coord := coordinator.New(f.binder, f.pending, f.scheduler, &coordinator.Config{ChunkBackground: chunk})
	f.s = New("s1", f.b, f.oracle, coord, fix.NewSlot())
	f.s.Attach(f.l)
	return f
}

var t0 = time.Date(2021, 8, 1, 10, 0, 0, 0, time.UTC)

func sample(sec int, accuracy float64) fix.Fix {
	return fix.Fix{Latitude: -6.2, Longitude: 106.8, Accuracy: accuracy, Time: t0.Add(time.Duration(sec) * time.Second), Source: fix.SourceSatellite}
}

func assertState(t *testing.T, s *Strategy, state State, mode coordinator.Mode) {
	t.Helper()
	got, m := s.State()
	assert.Equal(t, state, got)
	if state == Active {
		assert.Equal(t, mode, m)
	}
}

func TestStartWithoutPermission(t *testing.T) {
	f := newFixture(t, privilege.Pre, false)
	f.s.Start()
	assert.Equal(t, []FailureKind{MissingForegroundPermission}, f.l.failed())
	started, _ := f.b.counts()
	assert.Equal(t, 0, started)
	assertState(t, f.s, AwaitingPrivilege, 0)
}

func TestBackgroundGrantResumes(t *testing.T) {
	f := newFixture(t, privilege.NeedsBackgroundPermission, false, privilege.FineLocation)
	f.s.SetPeriodic(true)
	f.s.Start()
	assert.Equal(t, []FailureKind{MissingBackgroundPermission}, f.l.failed())
	assertState(t, f.s, AwaitingPrivilege, 0)

	f.oracle.Grant(privilege.BackgroundLocation)
	f.s.BackgroundPermissionGranted()
	assertState(t, f.s, Active, coordinator.BackgroundPassive)
	assert.Equal(t, 1, f.pending.Active())
	started, _ := f.b.counts()
	assert.Equal(t, 1, started)
	assert.Len(t, f.l.failed(), 1)

	f.b.emit(sample(0, 10))
	assert.Eventually(t, func() bool { return len(f.l.received()) == 1 }, time.Second, 5*time.Millisecond)
}

func TestAggressiveNeedsOnlyForeground(t *testing.T) {
	f := newFixture(t, privilege.NeedsSettingsForBackground, false, privilege.CoarseLocation)
	f.s.SetAggressive(true)
	f.s.Start()
	assert.Empty(t, f.l.failed())
	assertState(t, f.s, Active, coordinator.Foreground)
	assert.True(t, f.binder.Bound())
	started, _ := f.b.counts()
	assert.Equal(t, 1, started)

	// background grant does not disturb an aggressive acquisition
	f.oracle.Grant(privilege.BackgroundLocation)
	f.s.BackgroundPermissionGranted()
	assertState(t, f.s, Active, coordinator.Foreground)
	started, _ = f.b.counts()
	assert.Equal(t, 1, started)
}

func TestSettingsTierFailures(t *testing.T) {
	f := newFixture(t, privilege.NeedsSettingsForBackground, false, privilege.FineLocation)
	f.s.Start()
	f.oracle.SetRationale(privilege.BackgroundLocation, true)
	f.s.Start()
	assert.Equal(t, []FailureKind{MissingBackgroundPermissionNeedsSettings, MissingBackgroundPermissionRetryable}, f.l.failed())
}

func TestPreTierGoesPassive(t *testing.T) {
	f := newFixture(t, privilege.Pre, false, privilege.CoarseLocation)
	f.s.Start()
	assertState(t, f.s, Active, coordinator.BackgroundPassive)
	assert.False(t, f.binder.Bound())
	assert.Equal(t, 1, f.pending.Active())
}

func TestAutoStopAfterFirstFix(t *testing.T) {
	f := newFixture(t, privilege.Pre, false, privilege.FineLocation)
	f.s.SetAggressive(true)
	f.s.Start()

	f.b.emit(sample(0, 10))
	assertState(t, f.s, Stopped, 0)
	_, stopped := f.b.counts()
	assert.Equal(t, 1, stopped)
	assert.False(t, f.binder.Bound())

	// lagging callback
	f.b.emit(sample(1, 5))
	assert.Equal(t, []fix.Fix{sample(0, 10)}, f.l.received())
}

func TestReentrantStartFromListener(t *testing.T) {
	f := newFixture(t, privilege.Pre, false, privilege.FineLocation)
	f.s.SetAggressive(true)
	var stateInCallback State
	once := sync.Once{}
	f.l.onFix = func(fix.Fix) {
		once.Do(func() {
			stateInCallback, _ = f.s.State()
			f.s.Start()
		})
	}
	f.s.Start()
	f.b.emit(sample(0, 10))

	assert.Equal(t, Stopped, stateInCallback)
	assertState(t, f.s, Active, coordinator.Foreground)
	started, _ := f.b.counts()
	assert.Equal(t, 2, started)

	f.b.emit(sample(10, 5))
	assert.Len(t, f.l.received(), 2)
}

func TestStopIsIdempotent(t *testing.T) {
	f := newFixture(t, privilege.Pre, false, privilege.FineLocation)
	f.s.SetAggressive(true)
	f.s.SetPeriodic(true)
	f.s.Start()
	f.s.Stop()
	f.s.Stop()
	_, stopped := f.b.counts()
	assert.Equal(t, 1, stopped)
	assertState(t, f.s, Stopped, 0)
	assert.False(t, f.s.Status().Listening)

	f.b.emit(sample(0, 10))
	assert.Empty(t, f.l.received())
}

func TestPeriodicArbitration(t *testing.T) {
	f := newFixture(t, privilege.Pre, false, privilege.FineLocation)
	f.s.SetAggressive(true)
	f.s.SetPeriodic(true)
	f.s.Start()

	worse := sample(30, 260)
	worse.Source = fix.SourceNetwork
	f.b.emit(sample(0, 10))
	f.b.emit(worse)
	f.b.emit(sample(200, 510))
	assert.Equal(t, []fix.Fix{sample(0, 10), sample(200, 510)}, f.l.received())
	assertState(t, f.s, Active, coordinator.Foreground)

	last, ok := f.s.LastKnown()
	assert.True(t, ok)
	assert.Equal(t, sample(200, 510), last)
}

func TestPermissionRevokedDuringRequest(t *testing.T) {
	f := newFixture(t, privilege.Pre, false, privilege.FineLocation)
	f.s.SetAggressive(true)
	f.b.startErr = backend.ErrPermissionRevoked
	f.s.Start()
	assert.Equal(t, []FailureKind{PermissionRevokedDuringRequest}, f.l.failed())
	assertState(t, f.s, Stopped, 0)

	f.b.startErr = nil
	f.s.Start()
	assertState(t, f.s, Active, coordinator.Foreground)
}

func TestBackendCallbacksReachListener(t *testing.T) {
	f := newFixture(t, privilege.Pre, false, privilege.FineLocation)
	assert.Equal(t, 1, f.l.connected)
	f.s.SetAggressive(true)
	f.s.Start()
	f.b.cb.ProviderDisabled(fix.SourceSatellite)
	f.b.cb.StatusChanged(fix.SourceNetwork)
	f.b.cb.Connected()

	require.Len(t, f.l.failures, 1)
	assert.Equal(t, Failure{Kind: ProviderDisabled, Provider: fix.SourceSatellite}, f.l.failures[0])
	assert.Equal(t, 1, f.l.changed)
	assert.Equal(t, 2, f.l.connected)
}

func TestUnavailableBackend(t *testing.T) {
	f := newFixture(t, privilege.Pre, false, privilege.FineLocation)
	f.s.SetAggressive(true)
	f.b.startErr = backend.ErrUnavailable
	f.s.Start()
	assert.Equal(t, []FailureKind{BackendUnavailable}, f.l.failed())
}

func TestProviderStartFailure(t *testing.T) {
	f := newFixture(t, privilege.Pre, false, privilege.FineLocation)
	f.s.SetAggressive(true)
	f.b.startErr = &backend.ProviderDisabledError{Provider: fix.SourceNetwork, Err: errors.New("broker unreachable")}
	f.s.Start()
	require.Len(t, f.l.failures, 1)
	assert.Equal(t, ProviderDisabled, f.l.failures[0].Kind)
	assert.Equal(t, fix.SourceNetwork, f.l.failures[0].Provider)
	assertState(t, f.s, Stopped, 0)

	f.b.startErr = &backend.ProviderDisabledError{Provider: fix.SourceSatellite, Err: backend.ErrPermissionRevoked}
	f.s.Start()
	assert.Equal(t, []FailureKind{ProviderDisabled, PermissionRevokedDuringRequest}, f.l.failed())
}

func TestLifecyclePromoteAndRebind(t *testing.T) {
	f := newFixture(t, privilege.Pre, false, privilege.FineLocation)
	f.s.SetAggressive(true)
	f.s.SetPeriodic(true)
	f.s.Start()
	f.b.emit(sample(0, 10))

	f.s.HandleLifecycle(coordinator.Hidden)
	assertState(t, f.s, Active, coordinator.BackgroundAggressive)
	assert.True(t, f.binder.Promoted())
	assert.False(t, f.binder.Bound())

	// updates keep flowing while promoted
	f.b.emit(sample(10, 5))
	assert.Len(t, f.l.received(), 2)

	f.s.HandleLifecycle(coordinator.Visible)
	assertState(t, f.s, Active, coordinator.Foreground)
	assert.False(t, f.binder.Promoted())
	assert.True(t, f.binder.Bound())
	started, _ := f.b.counts()
	assert.Equal(t, 2, started)

	f.s.HandleLifecycle(coordinator.Destroyed)
	assertState(t, f.s, Stopped, 0)
}

func TestLifecycleChunked(t *testing.T) {
	f := newFixture(t, privilege.Pre, true, privilege.FineLocation)
	f.s.SetAggressive(true)
	f.s.SetPeriodic(true)
	f.s.Start()

	f.s.HandleLifecycle(coordinator.Hidden)
	assertState(t, f.s, Active, coordinator.BackgroundAggressive)
	_, stopped := f.b.counts()
	assert.Equal(t, 1, stopped)
	assert.True(t, f.scheduler.Scheduled("s1"))

	f.b.current = &fix.Fix{Accuracy: 3, Time: t0, Source: fix.SourceSatellite}
	f.s.poll(f.s.gen)
	assert.Len(t, f.l.received(), 1)

	f.s.HandleLifecycle(coordinator.Visible)
	assert.False(t, f.scheduler.Scheduled("s1"))
	assertState(t, f.s, Active, coordinator.Foreground)
}

func TestPassiveIgnoresVisibility(t *testing.T) {
	f := newFixture(t, privilege.Pre, false, privilege.FineLocation)
	f.s.Start()
	f.s.HandleLifecycle(coordinator.Hidden)
	f.s.HandleLifecycle(coordinator.Visible)
	assertState(t, f.s, Active, coordinator.BackgroundPassive)
	assert.Equal(t, 1, f.pending.Active())

	f.s.Stop()
	assert.Equal(t, 0, f.pending.Active())
}

func TestRequestCurrentFix(t *testing.T) {
	f := newFixture(t, privilege.Pre, false)
	f.b.current = &fix.Fix{Accuracy: 7, Time: t0, Source: fix.SourceFused}
	f.s.RequestCurrentFix(context.Background())
	assert.Len(t, f.l.received(), 1)
	assertState(t, f.s, Idle, 0)

	f.s.Detach()
	f.s.RequestCurrentFix(context.Background())
	assert.Len(t, f.l.received(), 1)
}

func TestConfigure(t *testing.T) {
	f := newFixture(t, privilege.Pre, false)
	f.s.SetInterval(time.Second)
	f.s.SetDisplacement(25)
	st := f.s.Status()
	assert.Equal(t, Configuring.String(), st.State)
	assert.Equal(t, backend.FastestInterval, st.Interval)
	assert.Equal(t, 25.0, st.Distance)
	assert.Empty(t, st.Mode)
}

// stoppingBinder runs onUnbind the first time it is unbound, which lands a
// Stop between a lifecycle decision and the registration it installs.
type stoppingBinder struct {
	*host.Binder
	once     sync.Once
	onUnbind func()
}

func (b *stoppingBinder) Unbind() {
	b.Binder.Unbind()
	b.once.Do(b.onUnbind)
}

func newStoppingFixture(t *testing.T, chunk bool) (*Strategy, *mockBackend, *stoppingBinder, *host.Scheduler) {
	t.Helper()
	pending, err := host.NewPendingBus()
	require.NoError(t, err)
	fg := &stoppingBinder{Binder: host.NewBinder()}
	scheduler := host.NewScheduler()
	b := &mockBackend{}
	coord := coordinator.New(fg, pending, scheduler, &coordinator.Config{ChunkBackground: chunk})
	s := New("s1", b, privilege.NewStatic(privilege.Pre, privilege.FineLocation), coord, fix.NewSlot())
	fg.onUnbind = s.Stop
	s.SetAggressive(true)
	s.SetPeriodic(true)
	return s, b, fg, scheduler
}

func TestStopDuringChunkCancelsSchedule(t *testing.T) {
	s, _, _, scheduler := newStoppingFixture(t, true)
	s.Start()
	s.HandleLifecycle(coordinator.Hidden)
	assertState(t, s, Stopped, 0)
	assert.False(t, scheduler.Scheduled("s1"))

	s.Stop()
	assert.False(t, scheduler.Scheduled("s1"))
}

func TestStopDuringPromoteRemovesNotification(t *testing.T) {
	s, _, fg, _ := newStoppingFixture(t, false)
	s.Start()
	s.HandleLifecycle(coordinator.Hidden)
	assertState(t, s, Stopped, 0)
	assert.False(t, fg.Promoted())
	assert.False(t, fg.Bound())
}

func TestRestartDuringChunkKeepsNewRegistration(t *testing.T) {
	s, b, fg, scheduler := newStoppingFixture(t, true)
	fg.onUnbind = func() {
		s.Stop()
		s.Start()
	}
	s.Start()
	s.HandleLifecycle(coordinator.Hidden)
	assertState(t, s, Active, coordinator.Foreground)
	assert.False(t, scheduler.Scheduled("s1"))
	assert.True(t, fg.Bound())

	l := &mockListener{}
	s.Attach(l)
	b.emit(sample(0, 10))
	assert.Len(t, l.received(), 1)
}

type countingPending struct {
	*host.PendingBus
	mu          sync.Mutex
	subscribers map[string]int
}

func (p *countingPending) Subscribe(owner string, onDelivery func(d coordinator.Delivery)) error {
	p.mu.Lock()
	p.subscribers[owner]++
	p.mu.Unlock()
	return p.PendingBus.Subscribe(owner, onDelivery)
}

func (p *countingPending) Unsubscribe(owner string) {
	p.mu.Lock()
	p.subscribers[owner]--
	p.mu.Unlock()
	p.PendingBus.Unsubscribe(owner)
}

func (p *countingPending) count(owner string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.subscribers[owner]
}

func TestDestroyedDropsPendingHandler(t *testing.T) {
	bus, err := host.NewPendingBus()
	require.NoError(t, err)
	pending := &countingPending{PendingBus: bus, subscribers: map[string]int{}}
	b := &mockBackend{}
	coord := coordinator.New(host.NewBinder(), pending, host.NewScheduler(), &coordinator.Config{})
	s := New("s1", b, privilege.NewStatic(privilege.Pre, privilege.FineLocation), coord, fix.NewSlot())
	assert.Equal(t, 1, pending.count("s1"))

	s.Start()
	assertState(t, s, Active, coordinator.BackgroundPassive)
	assert.Equal(t, 1, pending.count("s1"))

	s.HandleLifecycle(coordinator.Destroyed)
	assertState(t, s, Stopped, 0)
	assert.Equal(t, 0, pending.count("s1"))
	s.HandleLifecycle(coordinator.Destroyed)
	assert.Equal(t, 0, pending.count("s1"))

	// a later passive start attaches the handler again
	l := &mockListener{}
	s.Attach(l)
	s.Start()
	assert.Equal(t, 1, pending.count("s1"))
	b.emit(sample(0, 10))
	assert.Eventually(t, func() bool { return len(l.received()) == 1 }, time.Second, 5*time.Millisecond)
}
