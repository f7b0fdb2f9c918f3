package syncbus

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrCircuitOpen is returned while the breaker skips the wrapped bus. Lock
// waiters treat it like any other subscription failure and poll.
var ErrCircuitOpen = errors.New("syncbus: circuit open")

// CircuitState is the state of a CircuitBreakerBus.
type CircuitState int

const (
	CircuitClosed CircuitState = iota
	CircuitOpen
	CircuitHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half-open"
	}
	return "unknown"
}

// CircuitBreakerBus guards a Bus whose broker keeps failing. After threshold
// consecutive failures of Publish or Subscribe the circuit opens and both
// return ErrCircuitOpen at once: releases no longer wait on the broker and
// waiters go straight to polling. Once cooldown has passed a single call is
// let through to try the broker again.
type CircuitBreakerBus struct {
	bus       Bus
	threshold int
	cooldown  time.Duration
	now       func() time.Time

	mu       sync.Mutex
	state    CircuitState
	failures int
	openedAt time.Time
	trial    bool
}

// NewCircuitBreaker wraps bus. A threshold below one is treated as one.
func NewCircuitBreaker(bus Bus, threshold int, cooldown time.Duration) *CircuitBreakerBus {
	if threshold < 1 {
		threshold = 1
	}
	return &CircuitBreakerBus{
		bus:       bus,
		threshold: threshold,
		cooldown:  cooldown,
		now:       time.Now,
	}
}

// State reports the circuit state. An open circuit whose cooldown has
// passed reports CircuitHalfOpen.
func (cb *CircuitBreakerBus) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == CircuitOpen && cb.now().Sub(cb.openedAt) >= cb.cooldown {
		return CircuitHalfOpen
	}
	return cb.state
}

// IsHealthy reports whether calls currently reach the wrapped bus.
func (cb *CircuitBreakerBus) IsHealthy() bool {
	return cb.State() != CircuitOpen
}

func (cb *CircuitBreakerBus) allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	switch cb.state {
	case CircuitClosed:
		return true
	case CircuitOpen:
		if cb.now().Sub(cb.openedAt) < cb.cooldown {
			return false
		}
		cb.state = CircuitHalfOpen
	}
	if cb.trial {
		return false
	}
	cb.trial = true
	return true
}

// record settles a call let through by allow. Calls that ended because ctx
// was done say nothing about the broker.
func (cb *CircuitBreakerBus) record(ctx context.Context, err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.trial = false
	if err != nil && ctx.Err() != nil {
		return
	}
	if err == nil {
		if cb.state != CircuitClosed {
			slog.Info("syncbus: circuit closed")
		}
		cb.state = CircuitClosed
		cb.failures = 0
		return
	}
	cb.failures++
	if cb.state == CircuitHalfOpen || cb.failures >= cb.threshold {
		if cb.state != CircuitOpen {
			slog.Warn("syncbus: circuit open, waiters fall back to polling", "failures", cb.failures, "error", err)
		}
		cb.state = CircuitOpen
		cb.openedAt = cb.now()
	}
}

// Publish implements Bus.Publish.
func (cb *CircuitBreakerBus) Publish(ctx context.Context, key string) error {
	if !cb.allow() {
		return ErrCircuitOpen
	}
	err := cb.bus.Publish(ctx, key)
	cb.record(ctx, err)
	return err
}

// Subscribe implements Bus.Subscribe.
func (cb *CircuitBreakerBus) Subscribe(ctx context.Context, key string) (chan struct{}, error) {
	if !cb.allow() {
		return nil, ErrCircuitOpen
	}
	ch, err := cb.bus.Subscribe(ctx, key)
	cb.record(ctx, err)
	return ch, err
}

// Unsubscribe passes through to the wrapped bus.
func (cb *CircuitBreakerBus) Unsubscribe(ctx context.Context, key string, ch chan struct{}) error {
	return cb.bus.Unsubscribe(ctx, key, ch)
}
