package webhook

import (
	"sync"
	"time"
)

// breakerState is one agent's circuit breaker state: closed
// (delivering normally), open (cooling down after consecutive failures),
// or half-open (the next attempt after cooldown, which reopens on failure
// or closes on success).
type breakerState struct {
	consecutiveFailures int
	openUntil           time.Time
}

const (
	failureThreshold = 5
	cooldown         = time.Hour
)

// circuitBreaker tracks per-agent webhook health. Hand-rolled: none of the
// example repos import a circuit-breaker library (see DESIGN.md), so this
// follows the same plain mutex-guarded-map idiom used elsewhere in this
// codebase (resolver cache, live socket registry) rather than reaching
// for an unavailable dependency.
type circuitBreaker struct {
	mu    sync.Mutex
	state map[string]*breakerState
}

func newCircuitBreaker() *circuitBreaker {
	return &circuitBreaker{state: make(map[string]*breakerState)}
}

// Allow reports whether a delivery attempt to address may proceed.
func (b *circuitBreaker) Allow(address string, now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.state[address]
	if !ok {
		return true
	}
	if s.consecutiveFailures < failureThreshold {
		return true
	}
	return !now.Before(s.openUntil)
}

// RecordSuccess closes the breaker for address.
func (b *circuitBreaker) RecordSuccess(address string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.state, address)
}

// RecordFailure increments the failure streak, opening the breaker once
// the threshold is reached.
func (b *circuitBreaker) RecordFailure(address string, now time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.state[address]
	if !ok {
		s = &breakerState{}
		b.state[address] = s
	}
	s.consecutiveFailures++
	if s.consecutiveFailures >= failureThreshold {
		s.openUntil = now.Add(cooldown)
	}
}
