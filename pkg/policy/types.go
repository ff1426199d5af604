package policy

import (
	"time"
)

// Purpose is the use a caller intends for fetched data. Download purposes cover
// anything that persists provider data outside the platform (spreadsheet export,
// API payloads saved by the client); display covers transient UI rendering.
type Purpose string

const (
	// PurposeDisplay is transient, view-only use of provider data.
	PurposeDisplay Purpose = "display"

	// PurposeDownload is any use that redistributes provider data.
	PurposeDownload Purpose = "download"
)

// Valid reports whether p is a known purpose.
func (p Purpose) Valid() bool {
	return p == PurposeDisplay || p == PurposeDownload
}

// License is the redistribution category of a data source.
type License string

const (
	// LicenseRedistributable sources may be exported and persisted.
	LicenseRedistributable License = "redistributable"

	// LicenseDisplayOnly sources may only be shown transiently, never exported.
	LicenseDisplayOnly License = "display-only"
)

// SourceClassification is the static registry entry for one provider.
// Every provider referenced by any dataset must have one; absence is a
// configuration error, not a runtime skip.
type SourceClassification struct {
	// Provider is the provider name (e.g., "coingecko").
	Provider string `yaml:"provider" json:"provider"`

	// License is the redistribution category.
	License License `yaml:"license" json:"license"`

	// Attribution is the attribution text shown alongside the data.
	Attribution string `yaml:"attribution" json:"attribution"`

	// RefreshInterval is how often upstream data refreshes.
	RefreshInterval time.Duration `yaml:"refresh_interval" json:"refresh_interval"`
}

// Violation represents a single redistribution policy violation.
type Violation struct {
	// Policy is the name of the policy that was violated.
	Policy string `json:"policy"`

	// Source is the provider that violated the policy.
	Source string `json:"source"`

	// Purpose is the purpose that was denied.
	Purpose Purpose `json:"purpose"`

	// Message is a human-readable violation message.
	Message string `json:"message"`

	// DetectedAt is when the violation was detected.
	DetectedAt time.Time `json:"detected_at"`
}

// ViolationError is the error returned when a policy check denies a set of
// sources. A single disallowed member fails the whole check.
type ViolationError struct {
	Violations []Violation
}

// Error implements the error interface.
func (e *ViolationError) Error() string {
	if len(e.Violations) == 0 {
		return "policy violation"
	}
	return e.Violations[0].Message
}

// Result represents the outcome of a policy evaluation.
type Result struct {
	// Allowed indicates if the use is allowed.
	Allowed bool `json:"allowed"`

	// Violations lists all policy violations.
	Violations []Violation `json:"violations,omitempty"`

	// EvaluatedAt is when the policy was evaluated.
	EvaluatedAt time.Time `json:"evaluated_at"`
}
