package schemas

import "time"

// -- Vulnerability Feed Boundary Schemas --

// ScoreEntry holds one externally sourced exploitation likelihood score.
// Score and Percentile are in [0,1].
type ScoreEntry struct {
	CVEID      string    `json:"cve_id"`
	Score      float64   `json:"score"`
	Percentile float64   `json:"percentile"`
	FetchedAt  time.Time `json:"fetched_at"`
}

// ScoreUpdate is the write applied to a finding's score columns after
// enrichment. All fields travel together so siblings sharing a CVE get a
// mutually consistent value.
type ScoreUpdate struct {
	FindingID  string
	Score      float64
	Percentile float64
	FetchedAt  time.Time
}
