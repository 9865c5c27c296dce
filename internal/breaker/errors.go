package breaker

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrCircuitOpen = errors.New("circuit breaker is open")
	ErrNilAction   = errors.New("breaker: action cannot be nil")
	ErrPanicked    = errors.New("breaker: action panicked")
)

// OpenError is returned when a call is rejected without running.
// errors.Is(err, ErrCircuitOpen) holds for it.
type OpenError struct {
	Name       string
	State      State
	RetryAfter time.Duration
}

func (e *OpenError) Error() string {
	if e.State == HalfOpen {
		return fmt.Sprintf("circuit breaker %q is half-open and out of probe slots", e.Name)
	}
	return fmt.Sprintf("circuit breaker %q is open, retry after %s", e.Name, e.RetryAfter.Round(time.Millisecond))
}

func (e *OpenError) Unwrap() error {
	return ErrCircuitOpen
}
