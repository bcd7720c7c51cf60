// Package circuit provides a per-server breaker that short-circuits
// requests to an unhealthy upstream MCP server.
//
// Three states:
//   - Closed  – requests pass through; consecutive failures are tracked.
//   - Open    – all requests fail immediately; no upstream calls are made.
//   - HalfOpen – one probe request is allowed through to test recovery.
package circuit

import (
	"fmt"
	"sync"
	"time"
)

// State represents the current breaker state.
type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// ErrOpen is returned when the breaker is rejecting requests.
type ErrOpen struct {
	ServerID string
	LastErr  string
	RetryIn  time.Duration
}

func (e *ErrOpen) Error() string {
	return fmt.Sprintf("server %q unavailable: %s (retry in %ds)",
		e.ServerID, e.LastErr, int(e.RetryIn.Seconds()))
}

// Stats provides observability data about a breaker.
type Stats struct {
	State            string `json:"state"`
	ConsecutiveFails int    `json:"consecutive_failures"`
	TotalFailures    int64  `json:"total_failures"`
	TotalSuccesses   int64  `json:"total_successes"`
	LastFailureTime  string `json:"last_failure_time,omitempty"`
	LastFailureError string `json:"last_failure_error,omitempty"`
}

// Breaker is a thread-safe circuit breaker for one upstream server.
type Breaker struct {
	mu sync.Mutex

	serverID         string
	failureThreshold int
	cooldown         time.Duration

	state            State
	consecutiveFails int
	totalFailures    int64
	totalSuccesses   int64
	lastFailureTime  time.Time
	lastFailureErr   string
	openedAt         time.Time

	// nowFunc allows tests to inject a fake clock.
	nowFunc func() time.Time
}

// New creates a breaker.
// failureThreshold: consecutive failures before tripping (0 = disabled).
// cooldown: time to wait in Open before allowing a probe.
func New(serverID string, failureThreshold int, cooldown time.Duration) *Breaker {
	return &Breaker{
		serverID:         serverID,
		failureThreshold: failureThreshold,
		cooldown:         cooldown,
		state:            Closed,
		nowFunc:          time.Now,
	}
}

// Allow returns nil if a request may proceed, or *ErrOpen.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.failureThreshold <= 0 {
		return nil
	}

	now := b.nowFunc()

	switch b.state {
	case Closed:
		return nil

	case Open:
		elapsed := now.Sub(b.openedAt)
		if elapsed >= b.cooldown {
			// One probe is allowed through.
			b.state = HalfOpen
			return nil
		}
		return &ErrOpen{ServerID: b.serverID, LastErr: b.lastFailureErr, RetryIn: b.cooldown - elapsed}

	case HalfOpen:
		// A probe is already in flight; reject concurrent requests and
		// restart the cooldown so they see a fresh timer.
		b.state = Open
		b.openedAt = now
		return &ErrOpen{ServerID: b.serverID, LastErr: b.lastFailureErr, RetryIn: b.cooldown}
	}

	return nil
}

// RecordSuccess resets failure tracking and closes the circuit.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.consecutiveFails = 0
	b.totalSuccesses++
	b.state = Closed
}

// RecordFailure counts a failure and may trip the circuit.
func (b *Breaker) RecordFailure(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.nowFunc()
	b.consecutiveFails++
	b.totalFailures++
	b.lastFailureTime = now
	if err != nil {
		b.lastFailureErr = err.Error()
	} else {
		b.lastFailureErr = "unknown error"
	}

	if b.failureThreshold <= 0 {
		return
	}
	if b.consecutiveFails >= b.failureThreshold || b.state == HalfOpen {
		b.state = Open
		b.openedAt = now
	}
}

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Stats returns observability data.
func (b *Breaker) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()

	s := Stats{
		State:            b.state.String(),
		ConsecutiveFails: b.consecutiveFails,
		TotalFailures:    b.totalFailures,
		TotalSuccesses:   b.totalSuccesses,
	}
	if !b.lastFailureTime.IsZero() {
		s.LastFailureTime = b.lastFailureTime.Format(time.RFC3339)
		s.LastFailureError = b.lastFailureErr
	}
	return s
}
