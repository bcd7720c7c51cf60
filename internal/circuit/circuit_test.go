package circuit

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestStartsClosedAndAllows(t *testing.T) {
	b := New("github", 5, 30*time.Second)
	if s := b.State(); s != Closed {
		t.Fatalf("expected Closed, got %s", s)
	}
	for i := 0; i < 10; i++ {
		if err := b.Allow(); err != nil {
			t.Fatalf("request %d should be allowed: %v", i, err)
		}
		b.RecordSuccess()
	}
}

func TestTripsToOpenAfterThreshold(t *testing.T) {
	b := New("github", 3, 30*time.Second)
	for i := 0; i < 3; i++ {
		if err := b.Allow(); err != nil {
			t.Fatalf("request %d should be allowed: %v", i, err)
		}
		b.RecordFailure(fmt.Errorf("fail %d", i+1))
	}
	if s := b.State(); s != Open {
		t.Fatalf("expected Open, got %s", s)
	}

	err := b.Allow()
	if err == nil {
		t.Fatal("expected rejection")
	}
	var open *ErrOpen
	if !errors.As(err, &open) {
		t.Fatalf("expected *ErrOpen, got %T: %v", err, err)
	}
	if open.ServerID != "github" {
		t.Fatalf("server id = %s", open.ServerID)
	}
}

func TestHalfOpenProbeLifecycle(t *testing.T) {
	now := time.Now()
	b := New("github", 2, 10*time.Second)
	b.nowFunc = func() time.Time { return now }

	for i := 0; i < 2; i++ {
		_ = b.Allow()
		b.RecordFailure(fmt.Errorf("fail"))
	}
	if s := b.State(); s != Open {
		t.Fatalf("expected Open, got %s", s)
	}

	now = now.Add(11 * time.Second)

	// One probe is allowed after cooldown.
	if err := b.Allow(); err != nil {
		t.Fatalf("probe should be allowed: %v", err)
	}
	if s := b.State(); s != HalfOpen {
		t.Fatalf("expected HalfOpen, got %s", s)
	}

	// Concurrent requests during the probe are rejected.
	if err := b.Allow(); err == nil {
		t.Fatal("concurrent request during half-open should be rejected")
	}
}

func TestSuccessfulProbeClosesCircuit(t *testing.T) {
	now := time.Now()
	b := New("github", 2, 10*time.Second)
	b.nowFunc = func() time.Time { return now }

	for i := 0; i < 2; i++ {
		_ = b.Allow()
		b.RecordFailure(fmt.Errorf("fail"))
	}
	now = now.Add(11 * time.Second)
	_ = b.Allow() // probe

	b.RecordSuccess()
	if s := b.State(); s != Closed {
		t.Fatalf("expected Closed after successful probe, got %s", s)
	}
	if err := b.Allow(); err != nil {
		t.Fatalf("request should flow after recovery: %v", err)
	}
}

func TestFailedProbeReopensCircuit(t *testing.T) {
	now := time.Now()
	b := New("github", 2, 10*time.Second)
	b.nowFunc = func() time.Time { return now }

	for i := 0; i < 2; i++ {
		_ = b.Allow()
		b.RecordFailure(fmt.Errorf("fail"))
	}
	now = now.Add(11 * time.Second)
	_ = b.Allow() // probe
	b.RecordFailure(fmt.Errorf("still failing"))

	if s := b.State(); s != Open {
		t.Fatalf("expected Open after failed probe, got %s", s)
	}
	if err := b.Allow(); err == nil {
		t.Fatal("expected rejection after failed probe")
	}
}

func TestSuccessResetsFailureCount(t *testing.T) {
	b := New("github", 5, 30*time.Second)

	for i := 0; i < 3; i++ {
		_ = b.Allow()
		b.RecordFailure(fmt.Errorf("fail"))
	}
	_ = b.Allow()
	b.RecordSuccess()
	for i := 0; i < 3; i++ {
		_ = b.Allow()
		b.RecordFailure(fmt.Errorf("fail"))
	}
	if s := b.State(); s != Closed {
		t.Fatalf("should still be Closed (3+reset+3 < 5), got %s", s)
	}
}

func TestDisabledBreakerNeverTrips(t *testing.T) {
	b := New("github", 0, 30*time.Second)
	for i := 0; i < 100; i++ {
		if err := b.Allow(); err != nil {
			t.Fatalf("disabled breaker should never reject: %v", err)
		}
		b.RecordFailure(fmt.Errorf("fail %d", i))
	}
	if s := b.State(); s != Closed {
		t.Fatalf("disabled breaker should stay Closed, got %s", s)
	}
}

func TestConcurrentAccessSafety(t *testing.T) {
	b := New("github", 100, time.Second)

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			_ = b.Allow()
			if n%3 == 0 {
				b.RecordFailure(fmt.Errorf("fail %d", n))
			} else {
				b.RecordSuccess()
			}
			_ = b.State()
			_ = b.Stats()
		}(i)
	}
	wg.Wait()

	stats := b.Stats()
	if stats.TotalFailures+stats.TotalSuccesses != 100 {
		t.Fatalf("expected 100 total operations, got %d", stats.TotalFailures+stats.TotalSuccesses)
	}
}

func TestErrorMessage(t *testing.T) {
	now := time.Now()
	b := New("notion", 1, 30*time.Second)
	b.nowFunc = func() time.Time { return now }

	_ = b.Allow()
	b.RecordFailure(fmt.Errorf("connection refused"))

	now = now.Add(5 * time.Second)
	err := b.Allow()
	if err == nil {
		t.Fatal("expected error")
	}
	msg := err.Error()
	if !strings.Contains(msg, "notion") || !strings.Contains(msg, "connection refused") {
		t.Fatalf("error lacks context: %s", msg)
	}
}

func TestStatsAndNilFailure(t *testing.T) {
	b := New("github", 2, 30*time.Second)

	_ = b.Allow()
	b.RecordSuccess()
	_ = b.Allow()
	b.RecordFailure(nil)
	_ = b.Allow()
	b.RecordFailure(fmt.Errorf("oops"))

	stats := b.Stats()
	if stats.State != "open" || stats.TotalFailures != 2 || stats.TotalSuccesses != 1 {
		t.Fatalf("stats = %+v", stats)
	}
	if stats.LastFailureError != "oops" {
		t.Fatalf("last error = %q", stats.LastFailureError)
	}
	if stats.LastFailureTime == "" {
		t.Fatal("expected non-empty last failure time")
	}
}

func TestStateString(t *testing.T) {
	tests := []struct {
		state State
		want  string
	}{
		{Closed, "closed"},
		{Open, "open"},
		{HalfOpen, "half-open"},
		{State(99), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("State(%d).String() = %q, want %q", tt.state, got, tt.want)
		}
	}
}
