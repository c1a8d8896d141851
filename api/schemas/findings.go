package schemas

import "time"

// -- Finding Schemas --

// Severity represents the severity level of a single finding. The values
// are lowercase to align with database ENUMs.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityWarning  Severity = "warning"
	SeverityInfo     Severity = "info"
)

// IssueType categorizes what kind of compatibility problem a finding
// describes.
type IssueType string

const (
	IssueDeprecatedFunction   IssueType = "deprecated_function"
	IssueDeprecatedHook       IssueType = "deprecated_hook"
	IssueRemovedFunction      IssueType = "removed_function"
	IssueBreakingChange       IssueType = "breaking_change"
	IssueSecurity             IssueType = "security_issue"
	IssueCompatibilityWarning IssueType = "compatibility_warning"
)

// Finding encapsulates a single compatibility or security issue detected
// within a scan. It maps directly to the `findings` table. Score fields
// are written exclusively by the enrichment service; everything else is
// immutable once persisted.
type Finding struct {
	ID     string `json:"id"`
	ScanID string `json:"scan_id"`

	IssueType IssueType `json:"issue_type"`
	Severity  Severity  `json:"severity"`

	FilePath   string `json:"file_path,omitempty"`
	LineNumber int    `json:"line_number,omitempty"`

	Description    string `json:"description"`
	Recommendation string `json:"recommendation,omitempty"`
	Evidence       string `json:"evidence,omitempty"`

	// CVEID is the vulnerability identifier extracted from the issue
	// description, uppercased, or empty when none was found. It is the
	// enrichment lookup key.
	CVEID string `json:"cve_id,omitempty"`

	// RiskScore and RiskPercentile are externally sourced exploitation
	// likelihood metrics in [0,1]. Both are present or both absent; when
	// present, ScoreFetchedAt is present too.
	RiskScore      *float64   `json:"risk_score,omitempty"`
	RiskPercentile *float64   `json:"risk_percentile,omitempty"`
	ScoreFetchedAt *time.Time `json:"score_fetched_at,omitempty"`

	ObservedAt time.Time `json:"observed_at"`
}

// FindingRef is the (finding id, vulnerability identifier) pair handed to
// the enrichment service. CVEID is always non-empty.
type FindingRef struct {
	FindingID string `json:"finding_id"`
	CVEID     string `json:"cve_id"`
}
