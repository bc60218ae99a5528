package domain

import "time"

// LineKind classifies a streamed line of operation output.
type LineKind string

const (
	LineInfo     LineKind = "info"
	LineProgress LineKind = "progress"
	LineSuccess  LineKind = "success"
	LineError    LineKind = "error"
	LineWarning  LineKind = "warning"
	// LineResult terminates a stream and carries the native success flag.
	LineResult LineKind = "result"
)

// OutputLine is one line streamed by the native layer while an operation runs.
type OutputLine struct {
	Kind     LineKind  `json:"kind"`
	Text     string    `json:"text"`
	Progress *float64  `json:"progress,omitempty"`
	Success  bool      `json:"success,omitempty"`
	At       time.Time `json:"at"`
}
