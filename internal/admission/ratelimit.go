package admission

import (
	"sync"
	"time"
)

const (
	rateWindow    = 60 * time.Second
	sweepInterval = 5 * time.Minute
	// Entries idle past two windows are dropped by the sweeper.
	idleEviction = 2 * rateWindow
)

// RateLimiter enforces a fixed 60-second window per user.
type RateLimiter struct {
	mu      sync.Mutex
	windows map[string]*rateWindowState
	done    chan struct{}
	nowFunc func() time.Time
}

type rateWindowState struct {
	count int
	start time.Time
}

// Decision is the outcome of one rate check.
type Decision struct {
	Allowed    bool
	Limit      int
	Remaining  int
	ResetAt    time.Time
	RetryAfter time.Duration
}

// NewRateLimiter creates the limiter and starts its sweeper.
func NewRateLimiter() *RateLimiter {
	l := &RateLimiter{
		windows: make(map[string]*rateWindowState),
		done:    make(chan struct{}),
		nowFunc: time.Now,
	}
	go l.sweep()
	return l
}

// Check counts one request against the user's window. limit <= 0 means
// unlimited.
func (l *RateLimiter) Check(userID string, limit int) Decision {
	now := l.nowFunc()
	if limit <= 0 {
		return Decision{Allowed: true, Remaining: -1, ResetAt: now.Add(rateWindow)}
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	w, ok := l.windows[userID]
	if !ok || now.Sub(w.start) >= rateWindow {
		w = &rateWindowState{start: now}
		l.windows[userID] = w
	}

	resetAt := w.start.Add(rateWindow)
	if w.count >= limit {
		return Decision{
			Allowed:    false,
			Limit:      limit,
			Remaining:  0,
			ResetAt:    resetAt,
			RetryAfter: resetAt.Sub(now),
		}
	}
	w.count++
	return Decision{
		Allowed:   true,
		Limit:     limit,
		Remaining: limit - w.count,
		ResetAt:   resetAt,
	}
}

func (l *RateLimiter) sweep() {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			now := l.nowFunc()
			l.mu.Lock()
			for id, w := range l.windows {
				if now.Sub(w.start) > idleEviction {
					delete(l.windows, id)
				}
			}
			l.mu.Unlock()
		case <-l.done:
			return
		}
	}
}

// Stop terminates the sweeper.
func (l *RateLimiter) Stop() { close(l.done) }
