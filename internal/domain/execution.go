package domain

import "time"

// ExecutionStatus is the lifecycle state of a remote execution request.
type ExecutionStatus string

const (
	StatusPending    ExecutionStatus = "pending"
	StatusAuthorized ExecutionStatus = "authorized"
	StatusRunning    ExecutionStatus = "running"
	StatusCompleted  ExecutionStatus = "completed"
	StatusFailed     ExecutionStatus = "failed"
	StatusRejected   ExecutionStatus = "rejected"
	StatusExpired    ExecutionStatus = "expired"
)

var allowedTransitions = map[ExecutionStatus]map[ExecutionStatus]bool{
	StatusPending: {
		StatusAuthorized: true,
		StatusRejected:   true,
		StatusExpired:    true,
	},
	StatusAuthorized: {
		StatusRunning: true,
		StatusFailed:  true,
	},
	StatusRunning: {
		StatusCompleted: true,
		StatusFailed:    true,
	},
}

// CanTransition reports whether a request may move from one status to another.
func CanTransition(from, to ExecutionStatus) bool {
	return allowedTransitions[from][to]
}

// SourcesFor lists the statuses from which to is reachable.
func SourcesFor(to ExecutionStatus) []ExecutionStatus {
	var from []ExecutionStatus
	for src, targets := range allowedTransitions {
		if targets[to] {
			from = append(from, src)
		}
	}
	return from
}

// IsTerminal returns true once no further transition is possible.
func (s ExecutionStatus) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusRejected, StatusExpired:
		return true
	}
	return false
}

// RemoteExecution is a request from the remote authority to run an Operation
// on this device, gated on the user's consent.
type RemoteExecution struct {
	ID            string          `json:"id"`
	OperationSlug string          `json:"operation_slug"`
	Operation     *Operation      `json:"operation,omitempty"`
	RequestedBy   string          `json:"requested_by,omitempty"`
	Status        ExecutionStatus `json:"status"`
	ExpiresAt     time.Time       `json:"expires_at"`
	Output        string          `json:"output,omitempty"`
	Error         string          `json:"error,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	StartedAt     *time.Time      `json:"started_at,omitempty"`
	CompletedAt   *time.Time      `json:"completed_at,omitempty"`
	Reported      bool            `json:"reported"`
}

// ExpiredAt reports whether the authorization window has closed at now.
// The window is open only while now is strictly before ExpiresAt.
func (e *RemoteExecution) ExpiredAt(now time.Time) bool {
	return !now.Before(e.ExpiresAt)
}

// InFlightAt reports whether the request still occupies the device's single
// authorization slot at now.
func (e *RemoteExecution) InFlightAt(now time.Time) bool {
	switch e.Status {
	case StatusAuthorized, StatusRunning:
		return true
	case StatusPending:
		return !e.ExpiredAt(now)
	}
	return false
}
