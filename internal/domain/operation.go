// Package domain contains core domain types for the pccare agent.
package domain

// RiskTier classifies how disruptive an Operation is to the host.
type RiskTier string

const (
	RiskLow    RiskTier = "low"
	RiskMedium RiskTier = "medium"
	RiskHigh   RiskTier = "high"
)

// Valid reports whether r is a known risk tier.
func (r RiskTier) Valid() bool {
	switch r {
	case RiskLow, RiskMedium, RiskHigh:
		return true
	}
	return false
}

// Operation is a cataloged maintenance script identified by its slug.
type Operation struct {
	Slug          string   `json:"slug"`
	Name          string   `json:"name"`
	Description   string   `json:"description"`
	Category      string   `json:"category"`
	Language      string   `json:"language"`
	Source        string   `json:"source"`
	Risk          RiskTier `json:"risk_level"`
	RequiresAdmin bool     `json:"requires_admin"`
	Active        bool     `json:"active"`
	Version       int      `json:"version"`
}

// Listable returns true if the operation may be shown to the user.
// Inactive operations stay cached so that history can reference them.
func (o *Operation) Listable() bool {
	return o.Active
}
