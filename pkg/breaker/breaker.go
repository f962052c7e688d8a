// Package breaker implements the three-state circuit breaker that guards
// every LLM call. State transitions follow closed → open → half_open →
// closed; an open breaker fails all calls fast with ErrCircuitOpen.
package breaker

import (
	"errors"
	"sync"
	"time"

	"github.com/beamlens/beamlens/pkg/telemetry"
)

// ErrCircuitOpen is returned to callers whose LLM call was prevented by an
// open breaker. Retriable only after a delay.
var ErrCircuitOpen = errors.New("circuit_open")

// State is one of the three breaker states.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

// Config tunes breaker behaviour. Zero thresholds fall back to defaults.
type Config struct {
	Enabled          bool          `yaml:"enabled"`
	FailureThreshold int           `yaml:"failure_threshold"`
	SuccessThreshold int           `yaml:"success_threshold"`
	ResetTimeout     time.Duration `yaml:"reset_timeout"`
}

// DefaultConfig returns the built-in breaker tuning.
func DefaultConfig() Config {
	return Config{
		Enabled:          true,
		FailureThreshold: 5,
		SuccessThreshold: 2,
		ResetTimeout:     60 * time.Second,
	}
}

// Snapshot is a point-in-time copy of the breaker state.
type Snapshot struct {
	State             State  `json:"state"`
	FailureCount      int    `json:"failure_count"`
	SuccessCount      int    `json:"success_count"`
	LastFailureAt     int64  `json:"last_failure_at,omitempty"`
	LastFailureReason string `json:"last_failure_reason,omitempty"`
}

// Breaker is the singleton circuit breaker shared by all LLM callers.
// All state changes happen under one mutex; the reset timer re-enters
// through the same lock.
type Breaker struct {
	cfg Config
	bus *telemetry.Bus

	mu                sync.Mutex
	state             State
	failureCount      int
	successCount      int
	lastFailureAt     int64
	lastFailureReason string
	resetTimer        *time.Timer
}

// New creates a closed breaker. bus may be nil (telemetry disabled).
func New(cfg Config, bus *telemetry.Bus) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = DefaultConfig().FailureThreshold
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = DefaultConfig().SuccessThreshold
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = DefaultConfig().ResetTimeout
	}
	return &Breaker{cfg: cfg, bus: bus, state: StateClosed}
}

// Allow reports whether a new LLM call may proceed. Returns true in closed
// and half_open; false in open (emitting a rejected event).
func (b *Breaker) Allow() bool {
	if !b.cfg.Enabled {
		return true
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state != StateOpen {
		return true
	}
	if b.bus != nil {
		b.bus.Execute(telemetry.EventBreakerRejected, telemetry.Measurements{
			"failure_count": b.failureCount,
		}, telemetry.Metadata{"state": string(b.state)})
	}
	return false
}

// RecordFailure reports a failed LLM call. In closed it counts toward the
// failure threshold; in half_open it reopens immediately.
func (b *Breaker) RecordFailure(reason string) {
	if !b.cfg.Enabled {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.lastFailureAt = time.Now().UnixMilli()
	b.lastFailureReason = reason

	switch b.state {
	case StateClosed:
		b.failureCount++
		if b.failureCount >= b.cfg.FailureThreshold {
			b.transitionLocked(StateOpen, reason)
			b.scheduleResetLocked()
		}
	case StateHalfOpen:
		b.transitionLocked(StateOpen, reason)
		b.scheduleResetLocked()
	case StateOpen:
		// remain open
	}
}

// RecordSuccess reports a successful LLM call. In closed it clears the
// failure count; in half_open it counts toward closing.
func (b *Breaker) RecordSuccess() {
	if !b.cfg.Enabled {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		b.failureCount = 0
	case StateHalfOpen:
		b.successCount++
		if b.successCount >= b.cfg.SuccessThreshold {
			b.transitionLocked(StateClosed, "success_threshold_reached")
			b.failureCount = 0
			b.successCount = 0
		}
	case StateOpen:
		// no effect
	}
}

// Reset administratively forces the breaker closed with zero counters.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.resetTimer != nil {
		b.resetTimer.Stop()
		b.resetTimer = nil
	}
	if b.state != StateClosed {
		b.transitionLocked(StateClosed, "administrative_reset")
	}
	b.failureCount = 0
	b.successCount = 0
}

// GetState returns a pure snapshot of the breaker.
func (b *Breaker) GetState() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Snapshot{
		State:             b.state,
		FailureCount:      b.failureCount,
		SuccessCount:      b.successCount,
		LastFailureAt:     b.lastFailureAt,
		LastFailureReason: b.lastFailureReason,
	}
}

// scheduleResetLocked arms the open → half_open timer. Called with mu held.
func (b *Breaker) scheduleResetLocked() {
	if b.resetTimer != nil {
		b.resetTimer.Stop()
	}
	b.resetTimer = time.AfterFunc(b.cfg.ResetTimeout, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if b.state != StateOpen {
			return
		}
		b.successCount = 0
		b.transitionLocked(StateHalfOpen, "reset_timeout_elapsed")
	})
}

// transitionLocked changes state and emits the state_change event.
// Called with mu held.
func (b *Breaker) transitionLocked(to State, reason string) {
	from := b.state
	b.state = to
	if b.bus != nil {
		b.bus.Execute(telemetry.EventBreakerStateChange, telemetry.Measurements{
			"failure_count": b.failureCount,
		}, telemetry.Metadata{
			"from":   string(from),
			"to":     string(to),
			"reason": reason,
		})
	}
}
