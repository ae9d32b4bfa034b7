package gateway

import (
	"errors"
	"sync"
	"time"
)

type breakerState int

const (
	breakerClosed breakerState = iota
	breakerOpen
	breakerHalfOpen
)

// ErrCircuitOpen is returned while the breaker refuses calls to a
// gateway that kept failing.
var ErrCircuitOpen = errors.New("gateway circuit breaker is open")

// breaker fails fast once a payment app's webhook keeps erroring, so a
// dead gateway cannot stall every action dispatch for its transactions.
type breaker struct {
	maxFailures     int
	resetTimeout    time.Duration
	failureCount    int
	lastFailureTime time.Time
	state           breakerState
	mu              sync.Mutex
}

func newBreaker(maxFailures int, resetTimeout time.Duration) *breaker {
	return &breaker{
		maxFailures:  maxFailures,
		resetTimeout: resetTimeout,
		state:        breakerClosed,
	}
}

// execute runs fn under the breaker's admission rules. The lock guards
// only the state checks, never the call itself, so concurrent dispatches
// to the same app do not serialize behind a slow webhook.
func (b *breaker) execute(fn func() error) error {
	b.mu.Lock()
	if b.state == breakerOpen {
		if time.Since(b.lastFailureTime) > b.resetTimeout {
			b.state = breakerHalfOpen
			b.failureCount = 0
		} else {
			b.mu.Unlock()
			return ErrCircuitOpen
		}
	}
	b.mu.Unlock()

	err := fn()

	b.mu.Lock()
	defer b.mu.Unlock()

	if err != nil {
		b.failureCount++
		b.lastFailureTime = time.Now()

		if b.failureCount >= b.maxFailures || b.state == breakerHalfOpen {
			b.state = breakerOpen
		}
		return err
	}

	switch b.state {
	case breakerHalfOpen:
		b.state = breakerClosed
		b.failureCount = 0
	case breakerClosed:
		b.failureCount = 0
	}
	return nil
}
