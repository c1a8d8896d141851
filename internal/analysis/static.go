// File: internal/analysis/static.go
package analysis

import (
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/coderenew/scan-engine/api/schemas"
)

// Static pre-scan. A cheap regex pass over the uploaded PHP that catches
// the obvious problems before the AI service sees the code. Its findings
// are merged with the AI findings by the orchestrator.

var skipPathPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)(^|/)vendor/`),
	regexp.MustCompile(`(?i)(^|/)node_modules/`),
	regexp.MustCompile(`(?i)(^|/)(dist|build)/`),
	regexp.MustCompile(`(?i)\.(min|bundle)\.(js|css)$`),
	regexp.MustCompile(`(?i)(^|/)wp-(includes|admin)/`),
}

// ShouldSkipFile reports whether the path points at vendored, generated
// or WordPress core code that is not worth analyzing.
func ShouldSkipFile(path string) bool {
	for _, p := range skipPathPatterns {
		if p.MatchString(path) {
			return true
		}
	}
	return false
}

type securityRule struct {
	pattern     *regexp.Regexp
	issueType   schemas.IssueType
	severity    schemas.Severity
	description string
	advice      string
}

var securityRules = []securityRule{
	{
		pattern:     regexp.MustCompile(`(?i)\$wpdb->query\s*\(\s*["'].*?\$`),
		issueType:   schemas.IssueSecurity,
		severity:    schemas.SeverityCritical,
		description: "Direct SQL query with variable interpolation - potential SQL injection",
		advice:      "Use $wpdb->prepare() for all queries containing variables",
	},
	{
		pattern:     regexp.MustCompile(`(?i)mysql_query\s*\(`),
		issueType:   schemas.IssueRemovedFunction,
		severity:    schemas.SeverityCritical,
		description: "mysql_query was removed from PHP; the call will fatal at runtime",
		advice:      "Use the $wpdb object for database access",
	},
	{
		pattern:     regexp.MustCompile(`(?i)(echo|print)\s+\$_(GET|POST|REQUEST)\[`),
		issueType:   schemas.IssueSecurity,
		severity:    schemas.SeverityCritical,
		description: "Direct output of user input - potential XSS",
		advice:      "Escape output with esc_html(), esc_attr() or esc_url()",
	},
	{
		pattern:     regexp.MustCompile(`(?i)(include|require)(_once)?\s*\(\s*\$_(GET|POST|REQUEST)`),
		issueType:   schemas.IssueSecurity,
		severity:    schemas.SeverityCritical,
		description: "Dynamic file inclusion from user input - potential RFI/LFI",
		advice:      "Never build include paths from request data",
	},
	{
		pattern:     regexp.MustCompile(`(?i)create_function\s*\(`),
		issueType:   schemas.IssueRemovedFunction,
		severity:    schemas.SeverityWarning,
		description: "create_function is removed in PHP 8; calls will fail after the upgrade",
		advice:      "Replace with an anonymous function",
	},
	{
		pattern:     regexp.MustCompile(`(?i)\bget_currentuserinfo\s*\(`),
		issueType:   schemas.IssueDeprecatedFunction,
		severity:    schemas.SeverityWarning,
		description: "get_currentuserinfo() is deprecated",
		advice:      "Use wp_get_current_user() instead",
	},
	{
		pattern:     regexp.MustCompile(`(?i)\bwp_get_http\s*\(`),
		issueType:   schemas.IssueDeprecatedFunction,
		severity:    schemas.SeverityWarning,
		description: "wp_get_http() is deprecated",
		advice:      "Use the WP_Http API (wp_remote_get) instead",
	},
}

// StaticScan runs the regex rules over every non-skipped file and returns
// the findings in deterministic (path, line) order.
func StaticScan(codeFiles map[string]string, observedAt time.Time) []schemas.Finding {
	paths := make([]string, 0, len(codeFiles))
	for path := range codeFiles {
		if !ShouldSkipFile(path) {
			paths = append(paths, path)
		}
	}
	sort.Strings(paths)

	var findings []schemas.Finding
	for _, path := range paths {
		content := codeFiles[path]
		for _, rule := range securityRules {
			for _, loc := range rule.pattern.FindAllStringIndex(content, -1) {
				line := strings.Count(content[:loc[0]], "\n") + 1
				findings = append(findings, schemas.Finding{
					ID:             uuid.NewString(),
					IssueType:      rule.issueType,
					Severity:       rule.severity,
					FilePath:       path,
					LineNumber:     line,
					Description:    rule.description,
					Recommendation: rule.advice,
					Evidence:       lineAt(content, line),
					ObservedAt:     observedAt,
				})
			}
		}
	}
	return findings
}

func lineAt(content string, line int) string {
	lines := strings.Split(content, "\n")
	if line < 1 || line > len(lines) {
		return ""
	}
	return strings.TrimSpace(lines[line-1])
}
