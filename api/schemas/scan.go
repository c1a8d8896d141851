package schemas

import "time"

// -- Scan Lifecycle Schemas --

// ScanStatus tracks a scan through its lifecycle. Valid transitions are
// PENDING -> PROCESSING -> {COMPLETED, FAILED}; terminal states are final.
type ScanStatus string

const (
	ScanPending    ScanStatus = "pending"
	ScanProcessing ScanStatus = "processing"
	ScanCompleted  ScanStatus = "completed"
	ScanFailed     ScanStatus = "failed"
)

// Terminal reports whether the status admits no further transitions.
func (s ScanStatus) Terminal() bool {
	return s == ScanCompleted || s == ScanFailed
}

// RiskLevel is the aggregate compatibility classification of a completed
// scan, derived from the worst severity among its findings.
type RiskLevel string

const (
	RiskSafe     RiskLevel = "safe"
	RiskWarning  RiskLevel = "warning"
	RiskCritical RiskLevel = "critical"
)

// Scan represents one analysis of an uploaded theme or plugin against a
// target platform version. It maps directly to the `scans` table.
type Scan struct {
	ID            string `json:"id"`
	SourceVersion string `json:"source_version"`
	TargetVersion string `json:"target_version"`

	Status ScanStatus `json:"status"`

	// RiskLevel is set only when the scan completes; FailureReason only
	// when it fails.
	RiskLevel     RiskLevel `json:"risk_level,omitempty"`
	FailureReason string    `json:"failure_reason,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}
