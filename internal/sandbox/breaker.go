// Package sandbox implements the isolated tool runtime (spec.md §4.5): a
// semaphore-bounded pool of short-lived child processes, each running one
// high-risk tool invocation behind a per-tool circuit breaker and a
// scrubbed environment.
package sandbox

import (
	"sync"
	"time"
)

// CircuitBreaker tracks consecutive failures per tool name. Once a tool's
// failure count reaches openAfterFailures, the breaker opens for
// resetAfter; Allow fails fast during that window instead of spawning
// another child process that is likely to fail the same way.
type CircuitBreaker struct {
	mu                sync.Mutex
	openAfterFailures int
	resetAfter        time.Duration
	failures          map[string]int
	openUntil         map[string]time.Time
}

func NewCircuitBreaker(openAfterFailures int, resetAfter time.Duration) *CircuitBreaker {
	if openAfterFailures <= 0 {
		openAfterFailures = 5
	}
	if resetAfter <= 0 {
		resetAfter = 30 * time.Second
	}
	return &CircuitBreaker{
		openAfterFailures: openAfterFailures,
		resetAfter:        resetAfter,
		failures:          make(map[string]int),
		openUntil:         make(map[string]time.Time),
	}
}

// Allow reports whether tool may run. When it returns false, reopenAt names
// the time the breaker will next allow a probe.
func (cb *CircuitBreaker) Allow(tool string) (ok bool, reopenAt time.Time) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	until, ok2 := cb.openUntil[tool]
	if !ok2 {
		return true, time.Time{}
	}
	if time.Now().Before(until) {
		return false, until
	}
	// cooldown elapsed: allow a half-open probe, but keep the recorded
	// open-until time until the probe's outcome is recorded.
	return true, time.Time{}
}

// RecordSuccess resets the tool's consecutive-failure counter and closes
// the breaker.
func (cb *CircuitBreaker) RecordSuccess(tool string) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.failures[tool] = 0
	delete(cb.openUntil, tool)
}

// RecordFailure increments the tool's consecutive-failure counter, opening
// the breaker once openAfterFailures is reached.
func (cb *CircuitBreaker) RecordFailure(tool string) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.failures[tool]++
	if cb.failures[tool] >= cb.openAfterFailures {
		cb.openUntil[tool] = time.Now().Add(cb.resetAfter)
	}
}
