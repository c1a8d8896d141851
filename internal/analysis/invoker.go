// File: internal/analysis/invoker.go
package analysis

import (
	"context"
	"fmt"
	"time"

	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/coderenew/scan-engine/api/schemas"
	"github.com/coderenew/scan-engine/internal/config"
)

var strictJSON = jsoniter.Config{DisallowUnknownFields: false, UseNumber: false}.Froze()

var riskLevels = map[string]schemas.RiskLevel{
	"safe":     schemas.RiskSafe,
	"warning":  schemas.RiskWarning,
	"critical": schemas.RiskCritical,
}

// Invoker submits code payloads to the analysis service and converts the
// response into typed findings. It persists nothing and performs no
// retries of its own.
type Invoker struct {
	client APIClient
	cfg    config.AnalyzerConfig
	logger *zap.Logger
	now    func() time.Time
}

// NewInvoker wires an Invoker around the given transport.
func NewInvoker(client APIClient, cfg config.AnalyzerConfig, logger *zap.Logger) *Invoker {
	return &Invoker{
		client: client,
		cfg:    cfg,
		logger: logger.Named("invoker"),
		now:    time.Now,
	}
}

// Invoke analyzes the given code files for compatibility issues between
// the two versions. codeFiles must be non-empty. The estimated token cost
// is checked against the configured budget before any network call.
func (inv *Invoker) Invoke(ctx context.Context, codeFiles map[string]string, sourceVersion, targetVersion string) (*schemas.AnalysisResult, error) {
	if len(codeFiles) == 0 {
		return nil, fmt.Errorf("codeFiles must not be empty")
	}

	payload := make(map[string]string, len(codeFiles))
	for name, content := range codeFiles {
		if ShouldSkipFile(name) {
			inv.logger.Debug("Skipping vendored or minified file", zap.String("file", name))
			continue
		}
		payload[name] = content
	}
	if len(payload) == 0 {
		return nil, fmt.Errorf("codeFiles contains only skippable files")
	}

	if estimated := estimatePayloadTokens(payload); estimated > inv.cfg.MaxTokenBudget {
		return nil, fmt.Errorf("%w: estimated %d tokens, budget %d",
			ErrBudgetExceeded, estimated, inv.cfg.MaxTokenBudget)
	}

	raw, err := inv.client.Analyze(ctx, schemas.AnalysisRequest{
		CodeFiles:     payload,
		SourceVersion: sourceVersion,
		TargetVersion: targetVersion,
	})
	if err != nil {
		return nil, err
	}

	result, err := inv.parseResponse(raw)
	if err != nil {
		return nil, err
	}

	inv.logger.Info("Analysis complete",
		zap.String("risk_level", string(result.RiskLevel)),
		zap.Int("findings", len(result.Findings)),
	)
	return result, nil
}

// parseResponse validates the raw body against the expected shape.
// Anything that does not conform is a malformed response; there is no
// best-effort field extraction.
func (inv *Invoker) parseResponse(raw []byte) (*schemas.AnalysisResult, error) {
	var resp schemas.AnalysisResponse
	if err := strictJSON.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("%w: %v (body: %s)", ErrMalformedResponse, err, truncate(raw, 256))
	}

	riskLevel, ok := riskLevels[resp.RiskLevel]
	if !ok {
		return nil, fmt.Errorf("%w: missing or unrecognized riskLevel %q", ErrMalformedResponse, resp.RiskLevel)
	}

	observedAt := inv.now().UTC()
	findings := make([]schemas.Finding, 0, len(resp.Issues))
	for i, issue := range resp.Issues {
		f, err := MapIssue(issue, observedAt)
		if err != nil {
			return nil, fmt.Errorf("%w: issue %d: %v", ErrMalformedResponse, i, err)
		}
		findings = append(findings, f)
	}

	return &schemas.AnalysisResult{
		RiskLevel: riskLevel,
		Findings:  findings,
	}, nil
}

// estimatePayloadTokens approximates the prompt cost of the payload at
// roughly four characters per token, matching the provider's rule of
// thumb closely enough for a budget guard.
func estimatePayloadTokens(codeFiles map[string]string) int {
	total := 0
	for name, content := range codeFiles {
		total += len(name) + len(content)
	}
	return total / 4
}
