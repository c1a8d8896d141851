package analysis

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/coderenew/scan-engine/api/schemas"
)

// cvePattern matches CVE identifiers with a 4-digit year and a 4-7 digit
// sequence number. The word boundaries reject identifiers with too many
// digits rather than truncating them.
var cvePattern = regexp.MustCompile(`(?i)\bCVE-\d{4}-\d{4,7}\b`)

// ExtractCVE returns the first CVE identifier found in the text,
// normalized to uppercase. Malformed identifiers (wrong digit count) are
// not a match and not an error.
func ExtractCVE(text string) (string, bool) {
	m := cvePattern.FindString(text)
	if m == "" {
		return "", false
	}
	return strings.ToUpper(m), true
}

// severityMap normalizes the severity vocabulary used by the analysis
// service onto the three levels findings carry.
var severityMap = map[string]schemas.Severity{
	"critical": schemas.SeverityCritical,
	"high":     schemas.SeverityCritical,
	"medium":   schemas.SeverityWarning,
	"low":      schemas.SeverityWarning,
	"warning":  schemas.SeverityWarning,
	"info":     schemas.SeverityInfo,
}

var issueTypeMap = map[string]schemas.IssueType{
	"deprecated_function":   schemas.IssueDeprecatedFunction,
	"deprecated_hook":       schemas.IssueDeprecatedHook,
	"removed_function":      schemas.IssueRemovedFunction,
	"breaking_change":       schemas.IssueBreakingChange,
	"security_issue":        schemas.IssueSecurity,
	"compatibility_warning": schemas.IssueCompatibilityWarning,
}

// MapIssue converts one raw issue record into a Finding. Severity,
// issueType and description are required; an unrecognized severity is an
// error so the caller can reject the whole response as malformed.
// The CVE identifier, when present in the description, is extracted as
// the enrichment lookup key.
func MapIssue(issue schemas.RawIssue, observedAt time.Time) (schemas.Finding, error) {
	if issue.Description == "" {
		return schemas.Finding{}, fmt.Errorf("issue missing description")
	}

	severity, ok := severityMap[strings.ToLower(issue.Severity)]
	if !ok {
		return schemas.Finding{}, fmt.Errorf("issue has unrecognized severity %q", issue.Severity)
	}

	issueType, ok := issueTypeMap[strings.ToLower(issue.IssueType)]
	if !ok {
		if issue.IssueType == "" {
			return schemas.Finding{}, fmt.Errorf("issue missing issueType")
		}
		// Unknown but present types degrade to the generic bucket.
		issueType = schemas.IssueCompatibilityWarning
	}

	f := schemas.Finding{
		ID:             uuid.NewString(),
		IssueType:      issueType,
		Severity:       severity,
		FilePath:       issue.File,
		LineNumber:     issue.Line,
		Description:    issue.Description,
		Recommendation: issue.Recommendation,
		Evidence:       issue.Evidence,
		ObservedAt:     observedAt,
	}

	if cve, found := ExtractCVE(issue.Description); found {
		f.CVEID = cve
	}
	return f, nil
}
