package circuitbreaker

import (
	"sync"
	"time"
)

// State represents the state of a provider circuit.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "Closed"
	case StateOpen:
		return "Open"
	case StateHalfOpen:
		return "HalfOpen"
	default:
		return "Unknown"
	}
}

const (
	defaultFailureThreshold = 3
	defaultResetTimeout     = 30 * time.Second
)

// Config tunes a CircuitBreaker. Zero values pick the defaults.
type Config struct {
	// FailureThreshold is the number of consecutive failures that opens the circuit.
	FailureThreshold int
	// ResetTimeout is how long an open circuit waits before letting a trial request through.
	ResetTimeout time.Duration
	// Now overrides the clock, for tests.
	Now func() time.Time
	// OnStateChange is called, without the lock held, after every transition.
	OnStateChange func(provider string, from, to State)
}

type providerState struct {
	state    State
	failures int
	openedAt time.Time
}

// CircuitBreaker tracks gateway health per provider and refuses calls to a
// provider whose circuit is open.
type CircuitBreaker struct {
	mu        sync.Mutex
	cfg       Config
	providers map[string]*providerState
}

// NewCircuitBreaker creates a CircuitBreaker.
func NewCircuitBreaker(cfg Config) *CircuitBreaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = defaultFailureThreshold
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = defaultResetTimeout
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &CircuitBreaker{cfg: cfg, providers: make(map[string]*providerState)}
}

// get assumes cb.mu is held.
func (cb *CircuitBreaker) get(provider string) *providerState {
	ps, ok := cb.providers[provider]
	if !ok {
		ps = &providerState{state: StateClosed}
		cb.providers[provider] = ps
	}
	return ps
}

// AllowRequest reports whether a call to provider may proceed. An open
// circuit whose reset timeout has elapsed moves to HalfOpen and lets the
// call through as a trial request.
func (cb *CircuitBreaker) AllowRequest(provider string) bool {
	cb.mu.Lock()
	ps := cb.get(provider)
	allowed := true
	var from State
	changed := false
	if ps.state == StateOpen {
		if cb.cfg.Now().Sub(ps.openedAt) >= cb.cfg.ResetTimeout {
			from, changed = ps.state, true
			ps.state = StateHalfOpen
			ps.failures = 0
		} else {
			allowed = false
		}
	}
	cb.mu.Unlock()

	if changed {
		cb.notify(provider, from, StateHalfOpen)
	}
	return allowed
}

// RecordFailure records a failed call to provider.
func (cb *CircuitBreaker) RecordFailure(provider string) {
	cb.mu.Lock()
	ps := cb.get(provider)
	from := ps.state
	switch ps.state {
	case StateClosed:
		ps.failures++
		if ps.failures >= cb.cfg.FailureThreshold {
			ps.state = StateOpen
			ps.openedAt = cb.cfg.Now()
		}
	case StateHalfOpen:
		// The trial request failed: stay open for a full timeout again.
		ps.state = StateOpen
		ps.failures = cb.cfg.FailureThreshold
		ps.openedAt = cb.cfg.Now()
	case StateOpen:
	}
	to := ps.state
	cb.mu.Unlock()

	if from != to {
		cb.notify(provider, from, to)
	}
}

// RecordSuccess records a successful call to provider. A success in
// HalfOpen closes the circuit.
func (cb *CircuitBreaker) RecordSuccess(provider string) {
	cb.mu.Lock()
	ps := cb.get(provider)
	from := ps.state
	switch ps.state {
	case StateClosed:
		ps.failures = 0
	case StateHalfOpen:
		ps.state = StateClosed
		ps.failures = 0
	case StateOpen:
	}
	to := ps.state
	cb.mu.Unlock()

	if from != to {
		cb.notify(provider, from, to)
	}
}

// GetProviderStatus returns the circuit state and consecutive failure count
// for provider. It does not move an expired open circuit to HalfOpen.
func (cb *CircuitBreaker) GetProviderStatus(provider string) (State, int) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	ps, ok := cb.providers[provider]
	if !ok {
		return StateClosed, 0
	}
	return ps.state, ps.failures
}

func (cb *CircuitBreaker) notify(provider string, from, to State) {
	if cb.cfg.OnStateChange != nil {
		cb.cfg.OnStateChange(provider, from, to)
	}
}
