// Package breaker implements a three-state circuit breaker keyed by operation
// class. It shields the render pipeline from being hammered during sustained
// failure: consecutive failures open the circuit, a cooldown later a single
// trial decides whether it closes again.
package breaker

import (
	"sync"
	"time"

	"atelier/pkg/config"
	"atelier/pkg/logger"

	"go.uber.org/zap"
)

// State represents the breaker state.
type State int

const (
	// StateClosed allows attempts through normally.
	StateClosed State = iota

	// StateOpen rejects all attempts until the cooldown elapses.
	StateOpen

	// StateHalfOpen allows exactly one trial attempt.
	StateHalfOpen
)

// String returns the human-readable name for the state.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Stats is a point-in-time view of a breaker.
type Stats struct {
	Class               string     `json:"class"`
	State               string     `json:"state"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
	OpenSince           *time.Time `json:"open_since,omitempty"`
	LastFailure         *time.Time `json:"last_failure,omitempty"`
}

// Breaker guards one operation class. Transitions happen only under the lock,
// so concurrent RecordSuccess/RecordFailure calls from multiple workers cannot
// race into an inconsistent state.
type Breaker struct {
	class string
	cfg   config.BreakerConfig
	now   func() time.Time

	mu                  sync.Mutex
	state               State
	consecutiveFailures int
	openSince           time.Time
	lastFailure         time.Time
	trialInFlight       bool
}

// New creates a closed breaker for the given operation class.
func New(class string, cfg config.BreakerConfig) *Breaker {
	return &Breaker{
		class: class,
		cfg:   cfg,
		now:   time.Now,
	}
}

// Allow reports whether a new attempt may proceed. While open it returns false
// until the cooldown elapses, then moves to half-open and admits exactly one
// trial; further calls are rejected until the trial outcome is recorded.
func (b *Breaker) Allow() bool {
	allowed, _ := b.Acquire()
	return allowed
}

// Acquire is Allow with an extra flag telling the caller it holds the
// half-open trial slot. A holder whose attempt never reaches the protected
// operation must hand the slot back with ReleaseTrial.
func (b *Breaker) Acquire() (allowed, trial bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return true, false

	case StateOpen:
		if b.now().Sub(b.openSince) >= b.cfg.Cooldown {
			b.transitionTo(StateHalfOpen)
			b.trialInFlight = true
			return true, true
		}
		return false, false

	case StateHalfOpen:
		if !b.trialInFlight {
			b.trialInFlight = true
			return true, true
		}
		return false, false

	default:
		return false, false
	}
}

// ReleaseTrial frees the half-open trial slot without recording an outcome.
// Called when the admitted attempt was cancelled before it could exercise
// the protected operation, so the next attempt may take the trial instead.
func (b *Breaker) ReleaseTrial() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateHalfOpen && b.trialInFlight {
		b.trialInFlight = false
	}
}

// RecordSuccess resets the consecutive-failure counter. In half-open the trial
// succeeded and the breaker closes.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.consecutiveFailures = 0
	if b.state == StateHalfOpen {
		b.transitionTo(StateClosed)
	}
}

// RecordFailure increments the consecutive-failure counter. The breaker opens
// when the counter exceeds the configured threshold, or immediately when a
// half-open trial fails.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.lastFailure = b.now()

	switch b.state {
	case StateClosed:
		b.consecutiveFailures++
		if b.consecutiveFailures > b.cfg.FailureThreshold {
			b.transitionTo(StateOpen)
		}

	case StateHalfOpen:
		b.consecutiveFailures++
		b.transitionTo(StateOpen)
	}
}

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Stats returns current breaker statistics.
func (b *Breaker) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()

	stats := Stats{
		Class:               b.class,
		State:               b.state.String(),
		ConsecutiveFailures: b.consecutiveFailures,
	}
	if b.state != StateClosed {
		openSince := b.openSince
		stats.OpenSince = &openSince
	}
	if !b.lastFailure.IsZero() {
		lastFailure := b.lastFailure
		stats.LastFailure = &lastFailure
	}
	return stats
}

// Reset returns the breaker to closed with cleared counters. Manual
// intervention only.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.state = StateClosed
	b.consecutiveFailures = 0
	b.trialInFlight = false
	b.openSince = time.Time{}
}

// transitionTo changes state. Must be called with the lock held.
func (b *Breaker) transitionTo(newState State) {
	oldState := b.state
	b.state = newState
	b.trialInFlight = false

	switch newState {
	case StateOpen:
		b.openSince = b.now()
	case StateClosed:
		b.consecutiveFailures = 0
		b.openSince = time.Time{}
	}

	logger.Info("circuit breaker state changed",
		zap.String("class", b.class),
		zap.String("from", oldState.String()),
		zap.String("to", newState.String()),
		zap.Int("consecutive_failures", b.consecutiveFailures),
	)
}

// Registry holds one breaker per operation class, created on first use.
type Registry struct {
	cfg config.BreakerConfig

	mu       sync.Mutex
	breakers map[string]*Breaker
}

// NewRegistry creates an empty breaker registry.
func NewRegistry(cfg config.BreakerConfig) *Registry {
	return &Registry{
		cfg:      cfg,
		breakers: make(map[string]*Breaker),
	}
}

// Get returns the breaker for class, creating it when first requested.
func (r *Registry) Get(class string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	b, ok := r.breakers[class]
	if !ok {
		b = New(class, r.cfg)
		r.breakers[class] = b
	}
	return b
}

// Stats returns statistics for every registered class.
func (r *Registry) Stats() []Stats {
	r.mu.Lock()
	defer r.mu.Unlock()

	stats := make([]Stats, 0, len(r.breakers))
	for _, b := range r.breakers {
		stats = append(stats, b.Stats())
	}
	return stats
}
