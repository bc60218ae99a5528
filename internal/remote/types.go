package remote

import (
	"time"

	"github.com/ashureev/pccare/internal/domain"
)

// operationRow is the wire shape of an operations row.
type operationRow struct {
	Slug          string `json:"slug"`
	Name          string `json:"name"`
	Description   string `json:"description"`
	Category      string `json:"category"`
	Language      string `json:"language"`
	ScriptContent string `json:"script_content"`
	RiskLevel     string `json:"risk_level"`
	RequiresAdmin bool   `json:"requires_admin"`
	Active        *bool  `json:"active"`
	Version       int    `json:"version"`
}

func (r operationRow) toDomain() domain.Operation {
	risk := domain.RiskTier(r.RiskLevel)
	if !risk.Valid() {
		// Unknown tiers are treated as the most disruptive.
		risk = domain.RiskHigh
	}
	active := true
	if r.Active != nil {
		active = *r.Active
	}
	return domain.Operation{
		Slug:          r.Slug,
		Name:          r.Name,
		Description:   r.Description,
		Category:      r.Category,
		Language:      r.Language,
		Source:        r.ScriptContent,
		Risk:          risk,
		RequiresAdmin: r.RequiresAdmin,
		Active:        active,
		Version:       r.Version,
	}
}

// executionRow is the wire shape of a remote_executions row with its
// operation embedded.
type executionRow struct {
	ID                     string        `json:"id"`
	DeviceID               string        `json:"device_id"`
	OperationSlug          string        `json:"operation_slug"`
	RequestedBy            string        `json:"requested_by"`
	Status                 string        `json:"status"`
	AuthorizationExpiresAt time.Time     `json:"authorization_expires_at"`
	CreatedAt              time.Time     `json:"created_at"`
	Operation              *operationRow `json:"operation"`
}

func (r executionRow) toDomain() *domain.RemoteExecution {
	rec := &domain.RemoteExecution{
		ID:            r.ID,
		OperationSlug: r.OperationSlug,
		RequestedBy:   r.RequestedBy,
		Status:        domain.ExecutionStatus(r.Status),
		ExpiresAt:     r.AuthorizationExpiresAt,
		CreatedAt:     r.CreatedAt,
	}
	if r.Operation != nil {
		op := r.Operation.toDomain()
		rec.Operation = &op
		if rec.OperationSlug == "" {
			rec.OperationSlug = op.Slug
		}
	}
	return rec
}

// ExecutionPatch is the body of a remote_executions status update.
type ExecutionPatch struct {
	Status      domain.ExecutionStatus `json:"status"`
	StartedAt   *time.Time             `json:"started_at,omitempty"`
	CompletedAt *time.Time             `json:"completed_at,omitempty"`
	Output      *string                `json:"output,omitempty"`
	Error       *string                `json:"error,omitempty"`
}

type telemetryRow struct {
	ClientID     string    `json:"client_id"`
	DeviceID     string    `json:"device_id"`
	CPUUsage     float64   `json:"cpu_usage"`
	MemoryUsage  float64   `json:"memory_usage"`
	DiskUsage    float64   `json:"disk_usage"`
	HealthScore  int       `json:"health_score"`
	HealthStatus string    `json:"health_status"`
	RecordedAt   time.Time `json:"recorded_at"`
}

type conversationRow struct {
	ClientID  string    `json:"client_id"`
	DeviceID  string    `json:"device_id"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

type supportRow struct {
	ClientID  string    `json:"client_id"`
	DeviceID  string    `json:"device_id"`
	Subject   string    `json:"subject"`
	Message   string    `json:"message"`
	Contact   string    `json:"contact,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

type settingRow struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}
