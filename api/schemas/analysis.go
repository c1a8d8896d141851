package schemas

// -- AI Analysis Boundary Schemas --

// AnalysisRequest is the payload submitted to the external AI analysis
// service. CodeFiles maps relative filename to file content.
type AnalysisRequest struct {
	CodeFiles     map[string]string `json:"codeFiles"`
	SourceVersion string            `json:"sourceVersion"`
	TargetVersion string            `json:"targetVersion"`
}

// RawIssue is one issue record exactly as the AI service reports it.
// Severity, IssueType and Description are required; everything else is
// optional. Anything not matching this shape is a malformed response.
type RawIssue struct {
	Severity       string `json:"severity"`
	IssueType      string `json:"issueType"`
	File           string `json:"file"`
	Line           int    `json:"line,omitempty"`
	Description    string `json:"description"`
	Recommendation string `json:"recommendation"`
	Evidence       string `json:"evidence,omitempty"`
}

// AnalysisResponse is the wire shape of a successful AI analysis reply.
type AnalysisResponse struct {
	RiskLevel string     `json:"riskLevel"`
	Issues    []RawIssue `json:"issues"`
}

// AnalysisResult is the validated, typed outcome of an analysis call:
// the aggregate risk classification plus the issues converted to Finding
// records in their original order.
type AnalysisResult struct {
	RiskLevel RiskLevel
	Findings  []Finding
}
