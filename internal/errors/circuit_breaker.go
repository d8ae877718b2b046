package errors

import (
	"fmt"
	"sync"
	"time"

	"github.com/cryoforge/dispatcher/internal/logging"
)

// CircuitState represents the state of a circuit breaker
type CircuitState int

const (
	// StateClosed - normal operation, requests allowed
	StateClosed CircuitState = iota
	// StateOpen - failing, requests blocked
	StateOpen
	// StateHalfOpen - testing if service recovered
	StateHalfOpen
)

func (s CircuitState) String() string {
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

// CircuitBreakerConfig configures circuit breaker behavior
type CircuitBreakerConfig struct {
	FailureThreshold int           // Number of consecutive failures to open circuit (default: 5)
	SuccessThreshold int           // Number of consecutive successes in half-open to close circuit (default: 2)
	Timeout          time.Duration // Time to wait before attempting half-open (default: 30s)
}

// DefaultCircuitBreakerConfig returns sensible defaults
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		Timeout:          30 * time.Second,
	}
}

// CircuitBreaker implements the circuit breaker pattern, guarding
// internal/relay's Queue.Publish calls against a queue backend that's
// failing every request.
type CircuitBreaker struct {
	name   string
	config CircuitBreakerConfig
	logger logging.Logger

	mu              sync.RWMutex
	state           CircuitState
	failureCount    int
	successCount    int
	lastFailureTime time.Time
	lastStateChange time.Time
}

// NewCircuitBreaker creates a new circuit breaker
func NewCircuitBreaker(name string, config CircuitBreakerConfig) *CircuitBreaker {
	return &CircuitBreaker{
		name:            name,
		config:          config,
		logger:          logging.NewComponentLogger("circuit-breaker"),
		state:           StateClosed,
		lastStateChange: time.Now(),
	}
}

// Allow checks whether a request can proceed under the circuit breaker.
func (cb *CircuitBreaker) Allow() error {
	return cb.beforeRequest()
}

// Mark records a request outcome for the circuit breaker.
// Pass nil to mark success, or a non-nil error to record failure.
func (cb *CircuitBreaker) Mark(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if err == nil {
		cb.onSuccess()
	} else {
		cb.onFailure()
	}
}

// beforeRequest checks if request should be allowed
func (cb *CircuitBreaker) beforeRequest() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed:
		return nil

	case StateOpen:
		if time.Since(cb.lastFailureTime) >= cb.config.Timeout {
			cb.setState(StateHalfOpen)
			cb.successCount = 0
			cb.logger.Info("[%s] circuit breaker transitioning to half-open (testing recovery)", cb.name)
			return nil
		}
		return NewDegradedError(
			fmt.Errorf("circuit breaker open for %s", cb.name),
			fmt.Sprintf("service %q is temporarily unavailable due to repeated failures, retrying in %v",
				cb.name, cb.config.Timeout-time.Since(cb.lastFailureTime)),
			"",
		)

	case StateHalfOpen:
		return nil

	default:
		return fmt.Errorf("unknown circuit breaker state: %v", cb.state)
	}
}

// onSuccess handles successful requests. Caller holds cb.mu.
func (cb *CircuitBreaker) onSuccess() {
	switch cb.state {
	case StateClosed:
		if cb.failureCount > 0 {
			cb.logger.Debug("[%s] success, resetting failure count", cb.name)
			cb.failureCount = 0
		}

	case StateHalfOpen:
		cb.successCount++
		cb.logger.Debug("[%s] success in half-open state (%d/%d)",
			cb.name, cb.successCount, cb.config.SuccessThreshold)

		if cb.successCount >= cb.config.SuccessThreshold {
			cb.setState(StateClosed)
			cb.failureCount = 0
			cb.successCount = 0
			cb.logger.Info("[%s] circuit breaker closed (service recovered)", cb.name)
		}

	case StateOpen:
		cb.logger.Warn("[%s] unexpected success in open state", cb.name)
	}
}

// onFailure handles failed requests. Caller holds cb.mu.
func (cb *CircuitBreaker) onFailure() {
	cb.lastFailureTime = time.Now()

	switch cb.state {
	case StateClosed:
		cb.failureCount++
		cb.logger.Debug("[%s] failure in closed state (%d/%d)",
			cb.name, cb.failureCount, cb.config.FailureThreshold)

		if cb.failureCount >= cb.config.FailureThreshold {
			cb.setState(StateOpen)
			cb.logger.Warn("[%s] circuit breaker opened (too many failures)", cb.name)
		}

	case StateHalfOpen:
		cb.setState(StateOpen)
		cb.successCount = 0
		cb.logger.Warn("[%s] circuit breaker reopened (test failed)", cb.name)

	case StateOpen:
		cb.logger.Debug("[%s] failure while circuit open", cb.name)
	}
}

// setState transitions to a new state. Caller holds cb.mu.
func (cb *CircuitBreaker) setState(newState CircuitState) {
	cb.state = newState
	cb.lastStateChange = time.Now()
}

// State returns the current state of the circuit breaker.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.state
}
