package circuitbreaker

import (
	"fmt"
	"sync"
	"time"
)

type State int

const (
	StateClosed   State = iota // Forwarding normally
	StateOpen                  // Upstream considered down, fail fast
	StateHalfOpen              // Letting a probe request through
)

// StateChangeFunc is called, outside the breaker's lock, after a transition.
type StateChangeFunc func(name string, from, to State)

type CircuitBreaker struct {
	mutex            sync.Mutex
	name             string
	state            State
	failures         int
	lastFailure      time.Time
	failureThreshold int
	resetTimeout     time.Duration
	onChange         StateChangeFunc
}

func NewCircuitBreaker(name string, threshold int, timeout time.Duration, onChange StateChangeFunc) *CircuitBreaker {
	return &CircuitBreaker{
		name:             name,
		state:            StateClosed,
		failureThreshold: threshold,
		resetTimeout:     timeout,
		onChange:         onChange,
	}
}

// Allow reports whether a request may be forwarded. An open breaker moves
// to half-open once the reset timeout has passed and admits one probe.
func (cb *CircuitBreaker) Allow() bool {
	cb.mutex.Lock()

	switch cb.state {
	case StateOpen:
		if time.Since(cb.lastFailure) < cb.resetTimeout {
			cb.mutex.Unlock()
			return false
		}
		from := cb.transition(StateHalfOpen)
		cb.mutex.Unlock()
		cb.notify(from, StateHalfOpen)
		return true
	default:
		cb.mutex.Unlock()
		return true
	}
}

func (cb *CircuitBreaker) RecordFailure() {
	cb.mutex.Lock()

	cb.failures++
	cb.lastFailure = time.Now()

	if cb.state == StateOpen || (cb.state != StateHalfOpen && cb.failures < cb.failureThreshold) {
		cb.mutex.Unlock()
		return
	}

	from := cb.transition(StateOpen)
	cb.mutex.Unlock()
	cb.notify(from, StateOpen)
}

func (cb *CircuitBreaker) RecordSuccess() {
	cb.mutex.Lock()

	cb.failures = 0
	if cb.state == StateClosed {
		cb.mutex.Unlock()
		return
	}

	from := cb.transition(StateClosed)
	cb.mutex.Unlock()
	cb.notify(from, StateClosed)
}

func (cb *CircuitBreaker) State() State {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()
	return cb.state
}

func (cb *CircuitBreaker) Name() string {
	return cb.name
}

// transition must be called with the mutex held.
func (cb *CircuitBreaker) transition(to State) State {
	from := cb.state
	cb.state = to
	return from
}

func (cb *CircuitBreaker) notify(from, to State) {
	if cb.onChange != nil && from != to {
		cb.onChange(cb.name, from, to)
	}
}

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF-OPEN"
	default:
		return "UNKNOWN"
	}
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *State) UnmarshalText(text []byte) error {
	for _, candidate := range []State{StateClosed, StateOpen, StateHalfOpen} {
		if candidate.String() == string(text) {
			*s = candidate
			return nil
		}
	}
	return fmt.Errorf("unknown circuit breaker state %q", text)
}
