package reliability

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrCircuitOpen is wrapped by CircuitBreakerError while the circuit is open
	ErrCircuitOpen = errors.New("circuit breaker: circuit is open")

	// ErrHalfOpenLimit is wrapped by CircuitBreakerError when half-open probes are exhausted
	ErrHalfOpenLimit = errors.New("circuit breaker: half-open request limit reached")
)

// CircuitBreakerError is returned when the breaker rejects a call
type CircuitBreakerError struct {
	Name             string
	State            State
	Failures         int
	FailureThreshold int
	NextProbe        time.Time
}

func (e *CircuitBreakerError) Error() string {
	if e.State == StateOpen {
		return fmt.Sprintf("circuit breaker %s open: %d/%d failures, next probe in %v",
			e.Name, e.Failures, e.FailureThreshold, time.Until(e.NextProbe).Round(time.Millisecond))
	}
	return fmt.Sprintf("circuit breaker %s %s: probe limit reached", e.Name, e.State)
}

func (e *CircuitBreakerError) Unwrap() error {
	if e.State == StateOpen {
		return ErrCircuitOpen
	}
	return ErrHalfOpenLimit
}
