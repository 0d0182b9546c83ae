package engine

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/sony/gobreaker/v2"
)

// Breaker wraps sony/gobreaker's state machine with the teacher's own
// circuit-breaker logging and Stats() texture (bracketed [CircuitBreaker]
// log lines, a Stats() map, a Reset() method), grounded on
// internal/tools/circuit_breaker.go. Used by the Importance Pipeline's
// Stage 3 LLM call and the Embedding Gateway's provider calls.
type Breaker struct {
	name string
	cb   *gobreaker.CircuitBreaker[any]

	mu              sync.Mutex
	totalRequests   int64
	totalSuccesses  int64
	totalFailures   int64
	totalRejections int64

	hooksMu      sync.Mutex
	onCloseHooks []func()
}

// NewBreaker builds a named breaker that opens after failureThreshold
// consecutive failures and attempts a half-open probe after timeout.
func NewBreaker(name string, failureThreshold uint32, timeout time.Duration) *Breaker {
	b := &Breaker{name: name}
	settings := gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Interval:    0,
		Timeout:     timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Printf("[CircuitBreaker:%s] state change: %s -> %s", name, from, to)
			if to == gobreaker.StateClosed {
				b.runCloseHooks()
			}
		},
	}
	b.cb = gobreaker.NewCircuitBreaker[any](settings)
	return b
}

// OnClose registers fn to run, in its own goroutine, whenever the breaker
// transitions into the closed state. Used by the Embedding Gateway to kick
// off a re-embed sweep once a stalled provider recovers.
func (b *Breaker) OnClose(fn func()) {
	b.hooksMu.Lock()
	b.onCloseHooks = append(b.onCloseHooks, fn)
	b.hooksMu.Unlock()
}

func (b *Breaker) runCloseHooks() {
	b.hooksMu.Lock()
	hooks := append([]func(){}, b.onCloseHooks...)
	b.hooksMu.Unlock()
	for _, fn := range hooks {
		go fn()
	}
}

// Call executes fn through the breaker. A nil return from fn counts as a
// success; a non-nil error counts as a failure and may trip the breaker.
func (b *Breaker) Call(fn func() error) error {
	b.mu.Lock()
	b.totalRequests++
	b.mu.Unlock()

	_, err := b.cb.Execute(func() (any, error) {
		return nil, fn()
	})
	if err != nil {
		b.mu.Lock()
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			b.totalRejections++
			log.Printf("[CircuitBreaker:%s] rejected: %v", b.name, err)
		} else {
			b.totalFailures++
		}
		b.mu.Unlock()
		return err
	}
	b.mu.Lock()
	b.totalSuccesses++
	b.mu.Unlock()
	return nil
}

// IsOpen reports whether the breaker is currently refusing requests.
func (b *Breaker) IsOpen() bool {
	return b.cb.State() == gobreaker.StateOpen
}

// State returns the breaker's current state as a lowercase string.
func (b *Breaker) State() string {
	switch b.cb.State() {
	case gobreaker.StateOpen:
		return "open"
	case gobreaker.StateHalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}

// Stats returns a snapshot map, mirroring the teacher's hand-rolled
// circuit breaker's Stats() shape.
func (b *Breaker) Stats() map[string]any {
	b.mu.Lock()
	defer b.mu.Unlock()
	return map[string]any{
		"name":             b.name,
		"state":            b.State(),
		"total_requests":   b.totalRequests,
		"total_successes":  b.totalSuccesses,
		"total_failures":   b.totalFailures,
		"total_rejections": b.totalRejections,
	}
}

// LogStats writes the current Stats() snapshot at the teacher's log level.
func (b *Breaker) LogStats() {
	s := b.Stats()
	log.Printf("[CircuitBreaker:%s] state=%v requests=%v successes=%v failures=%v rejections=%v",
		b.name, s["state"], s["total_requests"], s["total_successes"], s["total_failures"], s["total_rejections"])
}

// Reset clears accumulated counters. The underlying gobreaker state machine
// is left alone; it recovers on its own timeout/probe cycle.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.totalRequests, b.totalSuccesses, b.totalFailures, b.totalRejections = 0, 0, 0, 0
}

func (b *Breaker) String() string {
	return fmt.Sprintf("Breaker(%s, %s)", b.name, b.State())
}
