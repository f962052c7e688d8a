package breaker

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/beamlens/beamlens/pkg/telemetry"
)

// eventSink records breaker telemetry events.
type eventSink struct {
	mu     sync.Mutex
	events []string
	meta   []telemetry.Metadata
}

func (s *eventSink) attach(bus *telemetry.Bus) {
	bus.Attach("sink", []string{
		telemetry.EventBreakerStateChange,
		telemetry.EventBreakerRejected,
	}, func(event string, _ telemetry.Measurements, md telemetry.Metadata) {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.events = append(s.events, event)
		s.meta = append(s.meta, md)
	})
}

func (s *eventSink) names() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.events...)
}

func newTestBreaker(t *testing.T, cfg Config) (*Breaker, *eventSink) {
	t.Helper()
	bus := telemetry.NewBus()
	sink := &eventSink{}
	sink.attach(bus)
	return New(cfg, bus), sink
}

func TestBreakerRoundTrip(t *testing.T) {
	// Scenario S1 with a short reset timeout.
	b, sink := newTestBreaker(t, Config{
		Enabled:          true,
		FailureThreshold: 2,
		SuccessThreshold: 1,
		ResetTimeout:     50 * time.Millisecond,
	})

	b.RecordFailure("http")
	assert.Equal(t, StateClosed, b.GetState().State)
	assert.True(t, b.Allow())

	b.RecordFailure("http")
	snap := b.GetState()
	assert.Equal(t, StateOpen, snap.State)
	assert.Equal(t, 2, snap.FailureCount)
	assert.Equal(t, "http", snap.LastFailureReason)

	assert.False(t, b.Allow())
	assert.Contains(t, sink.names(), telemetry.EventBreakerRejected)

	// After the reset timeout the breaker probes half-open.
	require.Eventually(t, func() bool {
		return b.GetState().State == StateHalfOpen
	}, time.Second, 5*time.Millisecond)
	assert.True(t, b.Allow())

	b.RecordSuccess()
	snap = b.GetState()
	assert.Equal(t, StateClosed, snap.State)
	assert.Zero(t, snap.FailureCount)
	assert.Zero(t, snap.SuccessCount)
}

func TestBreakerStaysClosedBelowThreshold(t *testing.T) {
	b, _ := newTestBreaker(t, Config{
		Enabled:          true,
		FailureThreshold: 3,
		SuccessThreshold: 1,
		ResetTimeout:     time.Minute,
	})

	b.RecordFailure("timeout")
	b.RecordFailure("timeout")
	assert.Equal(t, StateClosed, b.GetState().State)
	assert.True(t, b.Allow())

	// Success in closed resets the failure count.
	b.RecordSuccess()
	assert.Zero(t, b.GetState().FailureCount)

	b.RecordFailure("timeout")
	b.RecordFailure("timeout")
	assert.Equal(t, StateClosed, b.GetState().State)
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	b, _ := newTestBreaker(t, Config{
		Enabled:          true,
		FailureThreshold: 1,
		SuccessThreshold: 2,
		ResetTimeout:     30 * time.Millisecond,
	})

	b.RecordFailure("http")
	require.Equal(t, StateOpen, b.GetState().State)

	require.Eventually(t, func() bool {
		return b.GetState().State == StateHalfOpen
	}, time.Second, 5*time.Millisecond)

	// One success is not enough (threshold 2).
	b.RecordSuccess()
	assert.Equal(t, StateHalfOpen, b.GetState().State)

	// A single failure in half-open goes straight back to open.
	b.RecordFailure("http")
	assert.Equal(t, StateOpen, b.GetState().State)
	assert.False(t, b.Allow())

	// The reopen re-arms the reset timer and clears the success count.
	require.Eventually(t, func() bool {
		return b.GetState().State == StateHalfOpen
	}, time.Second, 5*time.Millisecond)
	assert.Zero(t, b.GetState().SuccessCount)
}

func TestBreakerSuccessInOpenHasNoEffect(t *testing.T) {
	b, _ := newTestBreaker(t, Config{
		Enabled:          true,
		FailureThreshold: 1,
		SuccessThreshold: 1,
		ResetTimeout:     time.Minute,
	})

	b.RecordFailure("http")
	require.Equal(t, StateOpen, b.GetState().State)

	b.RecordSuccess()
	assert.Equal(t, StateOpen, b.GetState().State)
	assert.False(t, b.Allow())
}

func TestBreakerReset(t *testing.T) {
	b, sink := newTestBreaker(t, Config{
		Enabled:          true,
		FailureThreshold: 1,
		SuccessThreshold: 1,
		ResetTimeout:     time.Hour,
	})

	b.RecordFailure("http")
	require.Equal(t, StateOpen, b.GetState().State)

	b.Reset()
	snap := b.GetState()
	assert.Equal(t, StateClosed, snap.State)
	assert.Zero(t, snap.FailureCount)
	assert.Zero(t, snap.SuccessCount)
	assert.True(t, b.Allow())

	// state_change events were emitted for both transitions.
	names := sink.names()
	assert.GreaterOrEqual(t, len(names), 2)
}

func TestBreakerDisabled(t *testing.T) {
	b := New(Config{Enabled: false, FailureThreshold: 1}, nil)

	b.RecordFailure("http")
	b.RecordFailure("http")
	assert.True(t, b.Allow())
	assert.Equal(t, StateClosed, b.GetState().State)
}
