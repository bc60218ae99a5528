// Package store provides the device's persistent local store.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/ashureev/pccare/internal/domain"
)

var (
	// ErrNotFound is returned when a referenced row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrInvalidTransition is returned when a status update is not allowed
	// from the row's current status.
	ErrInvalidTransition = errors.New("invalid status transition")
)

// Catalog persists the operation catalog keyed by slug.
type Catalog interface {
	// GetOperations lists cached operations. Inactive ones are included only on request.
	GetOperations(ctx context.Context, includeInactive bool) ([]domain.Operation, error)

	// GetOperation returns the operation with slug, or nil if it is not cached.
	GetOperation(ctx context.Context, slug string) (*domain.Operation, error)

	// UpsertOperations inserts or replaces operations by slug and marks them
	// confirmed by the remote at the current time.
	UpsertOperations(ctx context.Context, ops []domain.Operation) (int, error)

	// DeactivateMissingOperations marks active operations whose slug is not in
	// present as inactive. A non-zero confirmedBefore limits this to rows last
	// confirmed before that instant.
	DeactivateMissingOperations(ctx context.Context, present []string, confirmedBefore time.Time) (int, error)
}

// History persists telemetry, the conversation log and buffered support requests.
type History interface {
	// AppendTelemetry records a sample and trims the ring buffer to its retention.
	AppendTelemetry(ctx context.Context, sample *domain.TelemetrySample) error
	GetRecentTelemetry(ctx context.Context, limit int) ([]domain.TelemetrySample, error)
	GetUnsyncedTelemetry(ctx context.Context, limit int) ([]domain.TelemetrySample, error)
	MarkTelemetrySynced(ctx context.Context, id int64) error

	AppendConversation(ctx context.Context, entry *domain.ConversationEntry) error
	// GetConversation returns the last limit entries in chronological order.
	GetConversation(ctx context.Context, limit int) ([]domain.ConversationEntry, error)
	GetUnsyncedConversation(ctx context.Context, limit int) ([]domain.ConversationEntry, error)
	MarkConversationSynced(ctx context.Context, id int64) error

	AppendSupportRequest(ctx context.Context, req *domain.SupportRequest) error
	GetUnsyncedSupportRequests(ctx context.Context, limit int) ([]domain.SupportRequest, error)
	MarkSupportRequestSynced(ctx context.Context, id int64) error
}

// Settings is a string key/value store with last-write-wins semantics.
type Settings interface {
	GetSetting(ctx context.Context, key string) (string, bool, error)
	SetSetting(ctx context.Context, key, value string) error
	DeleteSetting(ctx context.Context, key string) error
	ListSettings(ctx context.Context, prefix string) (map[string]string, error)
}

// Executions persists remote execution requests. At most one request is in
// flight (valid pending, authorized or running) at any time.
type Executions interface {
	// GetPendingExecution returns the pending request whose expiry is still
	// in the future, or nil.
	GetPendingExecution(ctx context.Context) (*domain.RemoteExecution, error)

	// GetInFlightExecution returns the request occupying the slot, or nil.
	GetInFlightExecution(ctx context.Context) (*domain.RemoteExecution, error)

	GetExecution(ctx context.Context, id string) (*domain.RemoteExecution, error)
	ListExecutions(ctx context.Context, limit int) ([]domain.RemoteExecution, error)

	// SaveExecution stores rec as pending. It returns false without error when
	// another request is in flight, the id is already known, or rec has expired.
	SaveExecution(ctx context.Context, rec *domain.RemoteExecution) (bool, error)

	// UpdateExecutionStatus moves a request to status, optionally recording
	// output and error. It returns ErrInvalidTransition when the current status
	// does not allow the move, and ErrNotFound for unknown ids.
	UpdateExecutionStatus(ctx context.Context, id string, status domain.ExecutionStatus, output, errText *string) error

	// ExpirePendingExecutions marks pending requests past their expiry as
	// expired and returns their ids.
	ExpirePendingExecutions(ctx context.Context) ([]string, error)

	// InterruptedExecutions returns authorized or running requests.
	InterruptedExecutions(ctx context.Context) ([]domain.RemoteExecution, error)

	MarkExecutionReported(ctx context.Context, id string) error

	// PruneExecutions deletes terminal requests older than age whose outcome
	// was reported or that expired locally.
	PruneExecutions(ctx context.Context, age time.Duration) (int64, error)
}

// Repository is the complete local store.
type Repository interface {
	Catalog
	History
	Settings
	Executions

	// Ping verifies database connectivity and returns an error if the database is unreachable.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
