package circuitbreaker

import (
	"errors"
	"strings"
	"sync"
	"time"

	"golang.org/x/net/publicsuffix"
)

// State represents the circuit breaker state
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

// String returns the string representation of the state
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

// Errors
var (
	ErrOpenState       = errors.New("circuit breaker is open")
	ErrTooManyRequests = errors.New("trial call already in flight in half-open state")
)

// Config holds circuit breaker configuration
type Config struct {
	// Threshold is the number of consecutive failures that opens the breaker
	Threshold uint32

	// RecoveryTimeout is the period of the open state, after which one
	// trial call is allowed through (half-open)
	RecoveryTimeout time.Duration

	// OnStateChange is called whenever the state changes
	OnStateChange func(scope string, from, to State)
}

// DefaultConfig returns a default configuration
func DefaultConfig() *Config {
	return &Config{
		Threshold:       5,
		RecoveryTimeout: 60 * time.Second,
	}
}

// CircuitBreaker stops calling a failing dependency after Threshold
// consecutive failures, for RecoveryTimeout. It then admits exactly one
// trial call; success closes the breaker and resets the count, failure
// re-opens it.
type CircuitBreaker struct {
	config *Config
	scope  string

	mu          sync.Mutex
	state       State
	failures    uint32
	nextAttempt time.Time
	trialActive bool
}

// New creates a new circuit breaker
func New(scope string, config *Config) *CircuitBreaker {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Threshold == 0 {
		config.Threshold = 5
	}
	if config.RecoveryTimeout == 0 {
		config.RecoveryTimeout = 60 * time.Second
	}
	return &CircuitBreaker{config: config, scope: scope, state: StateClosed}
}

// State returns the current state
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.currentState(time.Now())
}

// Failures returns the current consecutive failure count
func (cb *CircuitBreaker) Failures() uint32 {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.failures
}

// Execute runs the given function if the circuit breaker allows it
func (cb *CircuitBreaker) Execute(fn func() error) error {
	if err := cb.beforeRequest(); err != nil {
		return err
	}
	err := fn()
	cb.afterRequest(err == nil)
	return err
}

func (cb *CircuitBreaker) beforeRequest() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.currentState(time.Now()) {
	case StateOpen:
		return ErrOpenState
	case StateHalfOpen:
		if cb.trialActive {
			return ErrTooManyRequests
		}
		cb.trialActive = true
	}
	return nil
}

func (cb *CircuitBreaker) afterRequest(success bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := time.Now()
	state := cb.currentState(now)

	switch state {
	case StateClosed:
		if success {
			cb.failures = 0
			return
		}
		cb.failures++
		if cb.failures >= cb.config.Threshold {
			cb.setState(StateOpen, now)
		}
	case StateHalfOpen:
		cb.trialActive = false
		if success {
			cb.failures = 0
			cb.setState(StateClosed, now)
		} else {
			cb.failures = cb.config.Threshold
			cb.setState(StateOpen, now)
		}
	}
}

// currentState transitions open -> half-open once the recovery timeout has
// elapsed. Callers must hold cb.mu.
func (cb *CircuitBreaker) currentState(now time.Time) State {
	if cb.state == StateOpen && now.After(cb.nextAttempt) {
		cb.setState(StateHalfOpen, now)
	}
	return cb.state
}

func (cb *CircuitBreaker) setState(state State, now time.Time) {
	if cb.state == state {
		return
	}
	prev := cb.state
	cb.state = state
	if state == StateOpen {
		cb.nextAttempt = now.Add(cb.config.RecoveryTimeout)
	}
	if state != StateHalfOpen {
		cb.trialActive = false
	}
	if cb.config.OnStateChange != nil {
		cb.config.OnStateChange(cb.scope, prev, state)
	}
}

// ScopeBreaker manages one circuit breaker per scope. Scopes are apex
// origins, so mirrors hosted on subdomains of one flaky provider share a
// breaker.
type ScopeBreaker struct {
	mu       sync.RWMutex
	breakers map[string]*CircuitBreaker
	config   *Config
}

// NewScopeBreaker creates a new per-scope circuit breaker
func NewScopeBreaker(config *Config) *ScopeBreaker {
	if config == nil {
		config = DefaultConfig()
	}
	return &ScopeBreaker{
		breakers: make(map[string]*CircuitBreaker),
		config:   config,
	}
}

// Scope maps a hostname to its breaker scope (the effective apex domain).
func Scope(host string) string {
	h := strings.ToLower(host)
	if i := strings.LastIndex(h, ":"); i >= 0 && !strings.Contains(h[i:], "]") {
		h = h[:i]
	}
	if apex, err := publicsuffix.EffectiveTLDPlusOne(h); err == nil {
		return apex
	}
	return h
}

// Execute runs the function with the circuit breaker for the given scope
func (sb *ScopeBreaker) Execute(scope string, fn func() error) error {
	return sb.getBreaker(scope).Execute(fn)
}

// getBreaker gets or creates a circuit breaker for a scope
func (sb *ScopeBreaker) getBreaker(scope string) *CircuitBreaker {
	sb.mu.RLock()
	breaker, exists := sb.breakers[scope]
	sb.mu.RUnlock()

	if exists {
		return breaker
	}

	sb.mu.Lock()
	defer sb.mu.Unlock()

	// Double-check after acquiring write lock
	if breaker, exists := sb.breakers[scope]; exists {
		return breaker
	}

	breaker = New(scope, sb.config)
	sb.breakers[scope] = breaker
	return breaker
}

// State returns the state for a specific scope
func (sb *ScopeBreaker) State(scope string) State {
	return sb.getBreaker(scope).State()
}

// Stats returns per-scope state and failure counts
func (sb *ScopeBreaker) Stats() map[string]struct {
	State    string
	Failures uint32
} {
	sb.mu.RLock()
	defer sb.mu.RUnlock()

	stats := make(map[string]struct {
		State    string
		Failures uint32
	}, len(sb.breakers))

	for scope, breaker := range sb.breakers {
		stats[scope] = struct {
			State    string
			Failures uint32
		}{
			State:    breaker.State().String(),
			Failures: breaker.Failures(),
		}
	}
	return stats
}

// Reset resets the circuit breaker for a specific scope
func (sb *ScopeBreaker) Reset(scope string) {
	sb.mu.Lock()
	defer sb.mu.Unlock()
	delete(sb.breakers, scope)
}

// ResetAll resets all circuit breakers
func (sb *ScopeBreaker) ResetAll() {
	sb.mu.Lock()
	defer sb.mu.Unlock()
	sb.breakers = make(map[string]*CircuitBreaker)
}
