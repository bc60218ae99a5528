// Package authorization surfaces remote execution requests to the user and
// drives them through their lifecycle once the user decides.
package authorization

import (
	"context"

	"github.com/ashureev/pccare/internal/domain"
	"github.com/ashureev/pccare/internal/execution"
	"github.com/ashureev/pccare/internal/remote"
)

// Store is the slice of the local store the package needs.
type Store interface {
	GetExecution(ctx context.Context, id string) (*domain.RemoteExecution, error)
	GetInFlightExecution(ctx context.Context) (*domain.RemoteExecution, error)
	SaveExecution(ctx context.Context, rec *domain.RemoteExecution) (bool, error)
	UpdateExecutionStatus(ctx context.Context, id string, status domain.ExecutionStatus, output, errText *string) error
	ExpirePendingExecutions(ctx context.Context) ([]string, error)
	InterruptedExecutions(ctx context.Context) ([]domain.RemoteExecution, error)
	MarkExecutionReported(ctx context.Context, id string) error
	GetOperation(ctx context.Context, slug string) (*domain.Operation, error)
}

// Remote is the remote authority.
type Remote interface {
	FetchPendingExecution(ctx context.Context, deviceID string) (*domain.RemoteExecution, error)
	PatchExecution(ctx context.Context, id string, patch remote.ExecutionPatch) error
}

// Connectivity answers whether the remote is reachable.
type Connectivity interface {
	IsOnline(ctx context.Context) bool
}

// DeviceResolver yields the remote device id.
type DeviceResolver interface {
	DeviceID(ctx context.Context) (string, error)
	Invalidate(ctx context.Context) error
}

// Notifier shows a local notification.
type Notifier interface {
	Notify(ctx context.Context, title, body string) error
}

// Runner runs an authorized operation.
type Runner interface {
	RunAuthorized(ctx context.Context, op domain.Operation, executionID string) *execution.Result
}
