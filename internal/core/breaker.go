package core

import (
	"fmt"
	"sync"
	"time"
)

// BreakerState is the current state of a CircuitBreaker.
type BreakerState int32

const (
	BreakerClosed BreakerState = iota
	BreakerOpen
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// BreakerConfig tunes a CircuitBreaker.
type BreakerConfig struct {
	FailureThreshold int
	SuccessThreshold int
	Timeout          time.Duration
	MaxRequests      int
}

// DefaultBreakerConfig returns the defaults the Network facade uses
// per destination host.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		SuccessThreshold: 3,
		Timeout:          60 * time.Second,
		MaxRequests:      3,
	}
}

// CircuitBreaker fails fast once a downstream keeps failing: closed
// while healthy, open after FailureThreshold consecutive-window
// failures, half-open after Timeout to probe with up to MaxRequests.
type CircuitBreaker struct {
	name   string
	config BreakerConfig

	mu         sync.Mutex
	state      BreakerState
	generation uint64
	failures   int
	successes  int
	requests   int
	expiry     time.Time
}

// NewCircuitBreaker creates a closed breaker named for its downstream.
func NewCircuitBreaker(name string, config BreakerConfig) *CircuitBreaker {
	return &CircuitBreaker{name: name, config: config, state: BreakerClosed}
}

// ErrBreakerOpen is returned by Execute while the breaker rejects
// requests.
type ErrBreakerOpen struct {
	Name string
}

func (e *ErrBreakerOpen) Error() string {
	return fmt.Sprintf("circuit breaker %s is open", e.Name)
}

// Execute runs fn if the breaker allows it, recording the outcome.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	generation, err := cb.beforeRequest()
	if err != nil {
		return err
	}

	if err := fn(); err != nil {
		cb.onFailure(generation)
		return err
	}
	cb.onSuccess(generation)
	return nil
}

// State returns the breaker's current state.
func (cb *CircuitBreaker) State() BreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

func (cb *CircuitBreaker) beforeRequest() (uint64, error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case BreakerClosed:
		return cb.generation, nil
	case BreakerOpen:
		if time.Now().After(cb.expiry) {
			cb.toHalfOpenLocked()
			cb.requests++
			return cb.generation, nil
		}
		return 0, &ErrBreakerOpen{Name: cb.name}
	case BreakerHalfOpen:
		if cb.requests < cb.config.MaxRequests {
			cb.requests++
			return cb.generation, nil
		}
		return 0, &ErrBreakerOpen{Name: cb.name}
	default:
		return 0, fmt.Errorf("circuit breaker %s in unknown state %d", cb.name, cb.state)
	}
}

func (cb *CircuitBreaker) onSuccess(generation uint64) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if generation != cb.generation {
		return
	}

	switch cb.state {
	case BreakerClosed:
		cb.failures = 0
	case BreakerHalfOpen:
		cb.successes++
		if cb.successes >= cb.config.SuccessThreshold {
			cb.toClosedLocked()
		}
	}
}

func (cb *CircuitBreaker) onFailure(generation uint64) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if generation != cb.generation {
		return
	}

	switch cb.state {
	case BreakerClosed:
		cb.failures++
		if cb.failures >= cb.config.FailureThreshold {
			cb.toOpenLocked()
		}
	case BreakerHalfOpen:
		cb.toOpenLocked()
	}
}

func (cb *CircuitBreaker) toOpenLocked() {
	cb.state = BreakerOpen
	cb.expiry = time.Now().Add(cb.config.Timeout)
	cb.generation++
	cb.failures = 0
	cb.successes = 0
	cb.requests = 0
}

func (cb *CircuitBreaker) toHalfOpenLocked() {
	cb.state = BreakerHalfOpen
	cb.generation++
	cb.failures = 0
	cb.successes = 0
	cb.requests = 0
}

func (cb *CircuitBreaker) toClosedLocked() {
	cb.state = BreakerClosed
	cb.generation++
	cb.failures = 0
	cb.successes = 0
	cb.requests = 0
}

// BreakerSet lazily creates one breaker per key (the Network facade
// keys by destination host).
type BreakerSet struct {
	mu       sync.Mutex
	config   BreakerConfig
	breakers map[string]*CircuitBreaker
}

// NewBreakerSet creates a set sharing one config.
func NewBreakerSet(config BreakerConfig) *BreakerSet {
	return &BreakerSet{config: config, breakers: make(map[string]*CircuitBreaker)}
}

// Get returns the breaker for key, creating it on first use.
func (s *BreakerSet) Get(key string) *CircuitBreaker {
	s.mu.Lock()
	defer s.mu.Unlock()
	cb, ok := s.breakers[key]
	if !ok {
		cb = NewCircuitBreaker(key, s.config)
		s.breakers[key] = cb
	}
	return cb
}
