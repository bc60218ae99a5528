package domain

import (
	"testing"
	"time"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to ExecutionStatus
		want     bool
	}{
		{StatusPending, StatusAuthorized, true},
		{StatusPending, StatusRejected, true},
		{StatusPending, StatusExpired, true},
		{StatusPending, StatusRunning, false},
		{StatusAuthorized, StatusRunning, true},
		{StatusRunning, StatusCompleted, true},
		{StatusRunning, StatusFailed, true},
		{StatusCompleted, StatusFailed, false},
		{StatusRejected, StatusAuthorized, false},
		{StatusExpired, StatusPending, false},
	}
	for _, tt := range tests {
		if got := CanTransition(tt.from, tt.to); got != tt.want {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestTerminalStatusesHaveNoTransitions(t *testing.T) {
	all := []ExecutionStatus{StatusPending, StatusAuthorized, StatusRunning, StatusCompleted, StatusFailed, StatusRejected, StatusExpired}
	for _, from := range all {
		if !from.IsTerminal() {
			continue
		}
		for _, to := range all {
			if CanTransition(from, to) {
				t.Errorf("terminal status %s must not transition to %s", from, to)
			}
		}
	}
}

func TestInFlightAt(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	rec := &RemoteExecution{Status: StatusPending, ExpiresAt: now.Add(90 * time.Second)}

	if !rec.InFlightAt(now) {
		t.Fatal("pending request inside its window should be in flight")
	}
	if rec.InFlightAt(now.Add(90 * time.Second)) {
		t.Fatal("request at its exact expiry must not be in flight")
	}

	rec.Status = StatusRunning
	if !rec.InFlightAt(now.Add(time.Hour)) {
		t.Fatal("running request stays in flight regardless of expiry")
	}

	rec.Status = StatusFailed
	if rec.InFlightAt(now) {
		t.Fatal("terminal request is not in flight")
	}
}

func TestHealthStatusFor(t *testing.T) {
	if HealthStatusFor(95) != HealthGood || HealthStatusFor(60) != HealthFair || HealthStatusFor(10) != HealthPoor {
		t.Fatal("unexpected health buckets")
	}
}
