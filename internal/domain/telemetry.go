package domain

import "time"

// Health status buckets derived from the health score.
const (
	HealthGood = "good"
	HealthFair = "fair"
	HealthPoor = "poor"
)

// TelemetrySample is a point-in-time snapshot of host health.
type TelemetrySample struct {
	ID            int64     `json:"id"`
	ClientID      string    `json:"client_id"`
	CPUPercent    float64   `json:"cpu_percent"`
	MemoryPercent float64   `json:"memory_percent"`
	DiskPercent   float64   `json:"disk_percent"`
	HealthScore   int       `json:"health_score"`
	HealthStatus  string    `json:"health_status"`
	RecordedAt    time.Time `json:"recorded_at"`
	Synced        bool      `json:"synced"`
}

// HealthStatusFor maps a 0-100 score onto a status bucket.
func HealthStatusFor(score int) string {
	switch {
	case score >= 80:
		return HealthGood
	case score >= 50:
		return HealthFair
	default:
		return HealthPoor
	}
}
