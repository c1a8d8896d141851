// File: internal/results/pipeline.go
package results

import (
	"context"
	"encoding/json"
	"sort"

	"go.uber.org/zap"

	"github.com/coderenew/scan-engine/api/schemas"
)

// Store is the read surface the pipeline aggregates from.
type Store interface {
	GetScan(ctx context.Context, scanID string) (*schemas.Scan, error)
	GetFindingsByScanID(ctx context.Context, scanID string) ([]schemas.Finding, error)
}

// Pipeline turns a scan's persisted findings into an ordered report.
type Pipeline struct {
	store  Store
	logger *zap.Logger
}

// NewPipeline creates a results processing pipeline.
func NewPipeline(store Store, logger *zap.Logger) *Pipeline {
	return &Pipeline{
		store:  store,
		logger: logger.Named("results_pipeline"),
	}
}

// Report is the final aggregated view of one scan.
type Report struct {
	ScanID        string             `json:"scan_id"`
	Status        schemas.ScanStatus `json:"status"`
	RiskLevel     schemas.RiskLevel  `json:"risk_level,omitempty"`
	FailureReason string             `json:"failure_reason,omitempty"`
	Findings      []schemas.Finding  `json:"findings"`
	Summary       map[string]int     `json:"summary"`
}

// ToJSON serializes the report.
func (r *Report) ToJSON() ([]byte, error) {
	return json.MarshalIndent(r, "", "  ")
}

// BuildReport retrieves, orders and summarizes the findings for a scan.
// A completed scan with unenriched findings renders normally; the scores
// are simply absent.
func (p *Pipeline) BuildReport(ctx context.Context, scanID string) (*Report, error) {
	scan, err := p.store.GetScan(ctx, scanID)
	if err != nil {
		return nil, err
	}

	findings, err := p.store.GetFindingsByScanID(ctx, scanID)
	if err != nil {
		return nil, err
	}

	SortByRisk(findings)

	report := &Report{
		ScanID:        scanID,
		Status:        scan.Status,
		RiskLevel:     scan.RiskLevel,
		FailureReason: scan.FailureReason,
		Findings:      findings,
		Summary:       summarize(findings),
	}
	p.logger.Info("Report built", zap.String("scan_id", scanID), zap.Int("findings", len(findings)))
	return report, nil
}

// SortByRisk orders findings by risk score descending. The sort is
// stable: equal scores keep their original order, and unscored findings
// sort after all scored ones.
func SortByRisk(findings []schemas.Finding) {
	sort.SliceStable(findings, func(i, j int) bool {
		si, sj := findings[i].RiskScore, findings[j].RiskScore
		switch {
		case si == nil:
			return false
		case sj == nil:
			return true
		default:
			return *si > *sj
		}
	})
}

func summarize(findings []schemas.Finding) map[string]int {
	summary := map[string]int{"total": len(findings)}
	for _, f := range findings {
		summary[string(f.Severity)]++
	}
	return summary
}
