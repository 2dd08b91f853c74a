package circuitbreaker

import (
	"sync"
	"time"
)

// State represents the state of the circuit breaker.
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

// Config tunes the breaker. Zero values fall back to the defaults.
type Config struct {
	FailureThreshold int           // consecutive failures that open the circuit
	ResetTimeout     time.Duration // time spent Open before a trial request is allowed
}

// gatewayState holds the current state for a single gateway.
type gatewayState struct {
	state               State
	consecutiveFailures int
	openUntil           time.Time
}

// CircuitBreaker tracks gateway health and stops new payment sessions from
// being started against a gateway that keeps failing to start them.
type CircuitBreaker struct {
	mu       sync.Mutex
	gateways map[string]*gatewayState
	cfg      Config
	now      func() time.Time
}

// NewCircuitBreaker creates a CircuitBreaker.
func NewCircuitBreaker(cfg Config) *CircuitBreaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = defaultFailureThreshold
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = defaultResetTimeout
	}
	return &CircuitBreaker{
		gateways: make(map[string]*gatewayState),
		cfg:      cfg,
		now:      time.Now,
	}
}

// caller must hold cb.mu
func (cb *CircuitBreaker) stateFor(name string) *gatewayState {
	gs, ok := cb.gateways[name]
	if !ok {
		gs = &gatewayState{state: StateClosed}
		cb.gateways[name] = gs
	}
	return gs
}

// AllowRequest reports whether a request may be sent to the gateway. An Open
// circuit whose reset timeout has passed moves to HalfOpen and lets one
// trial request through.
func (cb *CircuitBreaker) AllowRequest(name string) bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	gs := cb.stateFor(name)
	switch gs.state {
	case StateOpen:
		if cb.now().After(gs.openUntil) {
			gs.state = StateHalfOpen
			return true
		}
		return false
	default:
		return true
	}
}

// RecordFailure records a failure for the gateway.
func (cb *CircuitBreaker) RecordFailure(name string) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	gs := cb.stateFor(name)
	switch gs.state {
	case StateClosed:
		gs.consecutiveFailures++
		if gs.consecutiveFailures >= cb.cfg.FailureThreshold {
			gs.state = StateOpen
			gs.openUntil = cb.now().Add(cb.cfg.ResetTimeout)
		}
	case StateHalfOpen:
		// trial failed, back to Open for a full timeout
		gs.state = StateOpen
		gs.consecutiveFailures = cb.cfg.FailureThreshold
		gs.openUntil = cb.now().Add(cb.cfg.ResetTimeout)
	case StateOpen:
	}
}

// RecordSuccess records a success for the gateway.
func (cb *CircuitBreaker) RecordSuccess(name string) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	gs := cb.stateFor(name)
	switch gs.state {
	case StateClosed, StateHalfOpen:
		gs.state = StateClosed
		gs.consecutiveFailures = 0
	case StateOpen:
	}
}

// GetProviderStatus returns the state and consecutive failure count of a
// gateway without transitioning it.
func (cb *CircuitBreaker) GetProviderStatus(name string) (State, int) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	gs := cb.stateFor(name)
	return gs.state, gs.consecutiveFailures
}
