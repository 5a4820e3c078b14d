package backend

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nuha.dev/bestfix/internal/fix"
)

type mockBackend struct {
	mu       sync.Mutex
	cb       Callbacks
	failNext error
	policies []Policy
	stopped  int
}

func (m *mockBackend) Name() string                   { return BACKEND_BASIC }
func (m *mockBackend) Initialize(ctx context.Context) {}
func (m *mockBackend) Connected() bool                { return true }
func (m *mockBackend) CurrentFix(ctx context.Context, done func(fix.Fix, bool)) {
	done(fix.Fix{Accuracy: 4}, true)
}
func (m *mockBackend) StartUpdates(p Policy, cb Callbacks) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failNext; err != nil {
		m.failNext = nil
		return err
	}
	m.cb = cb
	m.policies = append(m.policies, p)
	return nil
}
func (m *mockBackend) StopUpdates() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cb = Callbacks{}
	m.stopped++
}

func (m *mockBackend) emit(f fix.Fix) {
	m.mu.Lock()
	cb := m.cb
	m.mu.Unlock()
	cb.Fix(f)
}

type counter struct {
	mu       sync.Mutex
	fixes    []fix.Fix
	disabled []string
}

func (c *counter) callbacks() Callbacks {
	return Callbacks{
		OnFix: func(f fix.Fix) {
			c.mu.Lock()
			c.fixes = append(c.fixes, f)
			c.mu.Unlock()
		},
		OnProviderDisabled: func(p string) {
			c.mu.Lock()
			c.disabled = append(c.disabled, p)
			c.mu.Unlock()
		},
	}
}

func (c *counter) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.fixes)
}

var t0 = time.Date(2021, 8, 1, 10, 0, 0, 0, time.UTC)

func step(sec int) fix.Fix {
	return fix.Fix{Latitude: -6.2 + float64(sec)*0.001, Longitude: 106.8, Accuracy: 10, Time: t0.Add(time.Duration(sec) * time.Second), Source: fix.SourceSatellite}
}

func TestMuxOwnersDoNotReplaceEachOther(t *testing.T) {
	b := &mockBackend{}
	m := NewMux(b)
	a, c := &counter{}, &counter{}
	require.NoError(t, m.View("a").StartUpdates(DefaultPolicy(), a.callbacks()))
	require.NoError(t, m.View("b").StartUpdates(DefaultPolicy(), c.callbacks()))
	assert.Equal(t, 2, m.Live())
	// same merged policy, no restart
	assert.Len(t, b.policies, 1)

	b.emit(step(0))
	assert.Equal(t, 1, a.count())
	assert.Equal(t, 1, c.count())

	m.View("b").StopUpdates()
	assert.Equal(t, 0, b.stopped)
	b.emit(step(20))
	assert.Equal(t, 2, a.count())
	assert.Equal(t, 1, c.count())

	m.View("a").StopUpdates()
	assert.Equal(t, 1, b.stopped)
	assert.Equal(t, 0, m.Live())

	// stopping an owner without a registration does not touch the backend
	m.View("a").StopUpdates()
	assert.Equal(t, 1, b.stopped)
}

func TestMuxRunsFastestPolicy(t *testing.T) {
	b := &mockBackend{}
	m := NewMux(b)
	slow := DefaultPolicy()
	slow.SetInterval(time.Minute)
	fast := DefaultPolicy()
	fast.SetInterval(FastestInterval)
	fast.Displacement = 0

	a, c := &counter{}, &counter{}
	require.NoError(t, m.View("slow").StartUpdates(slow, a.callbacks()))
	require.NoError(t, m.View("fast").StartUpdates(fast, c.callbacks()))
	require.Len(t, b.policies, 2)
	assert.Equal(t, FastestInterval, b.policies[1].Interval())
	assert.Equal(t, 0.0, b.policies[1].Displacement)

	for _, sec := range []int{0, 10, 20, 70} {
		b.emit(step(sec))
	}
	assert.Equal(t, 4, c.count())
	// the slow owner only sees fixes a minute apart
	assert.Equal(t, 2, a.count())

	m.View("fast").StopUpdates()
	require.Len(t, b.policies, 3)
	assert.Equal(t, time.Minute, b.policies[2].Interval())
}

func TestMuxStartFailureKeepsOthers(t *testing.T) {
	b := &mockBackend{}
	m := NewMux(b)
	a := &counter{}
	slow := DefaultPolicy()
	slow.SetInterval(time.Minute)
	require.NoError(t, m.View("a").StartUpdates(slow, a.callbacks()))

	b.failNext = errors.New("busy")
	err := m.View("b").StartUpdates(DefaultPolicy(), (&counter{}).callbacks())
	assert.EqualError(t, err, "busy")
	assert.Equal(t, 1, m.Live())

	// the remaining owner is restarted with its own policy
	require.Len(t, b.policies, 2)
	assert.Equal(t, time.Minute, b.policies[1].Interval())
	b.emit(step(0))
	assert.Equal(t, 1, a.count())
}

func TestMuxStatusFansOut(t *testing.T) {
	b := &mockBackend{}
	m := NewMux(b)
	a, c := &counter{}, &counter{}
	require.NoError(t, m.View("a").StartUpdates(DefaultPolicy(), a.callbacks()))
	require.NoError(t, m.View("b").StartUpdates(DefaultPolicy(), c.callbacks()))
	b.cb.ProviderDisabled(fix.SourceNetwork)
	assert.Equal(t, []string{fix.SourceNetwork}, a.disabled)
	assert.Equal(t, []string{fix.SourceNetwork}, c.disabled)

	v := m.View("a")
	assert.Equal(t, BACKEND_BASIC, v.Name())
	v.CurrentFix(context.Background(), func(f fix.Fix, ok bool) {
		assert.True(t, ok)
		assert.Equal(t, 4.0, f.Accuracy)
	})
}
