// File: internal/scan/orchestrator.go
// Description: Owns the scan lifecycle state machine. Scans move
// PENDING -> PROCESSING -> {COMPLETED, FAILED}; terminal states are final.

package scan

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/coderenew/scan-engine/api/schemas"
	"github.com/coderenew/scan-engine/internal/analysis"
	"github.com/coderenew/scan-engine/internal/config"
)

// Store is the persistence surface the orchestrator needs.
type Store interface {
	CreateScan(ctx context.Context, scan *schemas.Scan) error
	GetScan(ctx context.Context, scanID string) (*schemas.Scan, error)
	MarkScanProcessing(ctx context.Context, scanID string) error
	CompleteScanWithFindings(ctx context.Context, scanID string, riskLevel schemas.RiskLevel, findings []schemas.Finding) error
	FailScan(ctx context.Context, scanID, reason string) error
}

// Invoker is the analysis boundary.
type Invoker interface {
	Invoke(ctx context.Context, codeFiles map[string]string, sourceVersion, targetVersion string) (*schemas.AnalysisResult, error)
}

// CompletionHook is notified after a scan reaches COMPLETED. Invocations
// are fire-and-forget and never block the transition.
type CompletionHook func(scanID string)

// Orchestrator drives scans through their lifecycle.
type Orchestrator struct {
	store       Store
	invoker     Invoker
	onCompleted CompletionHook
	cfg         config.AnalyzerConfig
	logger      *zap.Logger

	mu       sync.Mutex
	inFlight map[string]struct{}
}

// New creates an Orchestrator with its dependencies injected.
func New(store Store, invoker Invoker, cfg config.AnalyzerConfig, logger *zap.Logger) (*Orchestrator, error) {
	if store == nil || invoker == nil || logger == nil {
		return nil, fmt.Errorf("cannot initialize orchestrator with nil dependencies")
	}
	return &Orchestrator{
		store:    store,
		invoker:  invoker,
		cfg:      cfg,
		logger:   logger.Named("orchestrator"),
		inFlight: make(map[string]struct{}),
	}, nil
}

// SetCompletionHook registers the scheduler callback fired when a scan
// completes. Must be called before processing begins.
func (o *Orchestrator) SetCompletionHook(hook CompletionHook) {
	o.onCompleted = hook
}

// CreateScan registers a new scan in PENDING state.
func (o *Orchestrator) CreateScan(ctx context.Context, sourceVersion, targetVersion string) (*schemas.Scan, error) {
	scan := &schemas.Scan{
		ID:            uuid.NewString(),
		SourceVersion: sourceVersion,
		TargetVersion: targetVersion,
		Status:        schemas.ScanPending,
		CreatedAt:     time.Now().UTC(),
	}
	if err := o.store.CreateScan(ctx, scan); err != nil {
		return nil, err
	}
	o.logger.Info("Scan created",
		zap.String("scan_id", scan.ID),
		zap.String("source_version", sourceVersion),
		zap.String("target_version", targetVersion),
	)
	return scan, nil
}

// ProcessScan runs the full analysis workflow for one pending scan.
// Re-submission of a scan that is already in flight or past PENDING is
// rejected before the analysis service is ever called.
func (o *Orchestrator) ProcessScan(ctx context.Context, scanID string, codeFiles map[string]string) error {
	if !o.acquire(scanID) {
		return fmt.Errorf("scan %s is already being processed", scanID)
	}
	defer o.release(scanID)

	scan, err := o.store.GetScan(ctx, scanID)
	if err != nil {
		return err
	}
	if scan.Status != schemas.ScanPending {
		return fmt.Errorf("scan %s is %s, not pending", scanID, scan.Status)
	}

	if err := o.store.MarkScanProcessing(ctx, scanID); err != nil {
		return err
	}
	log := o.logger.With(zap.String("scan_id", scanID))
	log.Info("Scan processing started")

	result, err := o.invokeWithRetry(ctx, log, codeFiles, scan.SourceVersion, scan.TargetVersion)
	if err != nil {
		reason := err.Error()
		if failErr := o.store.FailScan(ctx, scanID, reason); failErr != nil {
			log.Error("Failed to record scan failure", zap.Error(failErr))
		}
		log.Warn("Scan failed", zap.String("reason", reason))
		return err
	}

	// The static pre-scan supplements the AI findings with the cheap,
	// certain catches.
	findings := append(analysis.StaticScan(codeFiles, time.Now().UTC()), result.Findings...)
	for i := range findings {
		findings[i].ScanID = scanID
	}

	if err := o.store.CompleteScanWithFindings(ctx, scanID, result.RiskLevel, findings); err != nil {
		return err
	}
	log.Info("Scan completed",
		zap.String("risk_level", string(result.RiskLevel)),
		zap.Int("findings", len(findings)),
	)

	// Hand off to enrichment without blocking the transition.
	if o.onCompleted != nil {
		go o.onCompleted(scanID)
	}
	return nil
}

// invokeWithRetry owns the analysis retry budget: transient failures are
// retried with exponential backoff up to the configured cap; malformed
// responses and budget violations fail immediately.
func (o *Orchestrator) invokeWithRetry(ctx context.Context, log *zap.Logger, codeFiles map[string]string, sourceVersion, targetVersion string) (*schemas.AnalysisResult, error) {
	var result *schemas.AnalysisResult

	operation := func() error {
		res, err := o.invoker.Invoke(ctx, codeFiles, sourceVersion, targetVersion)
		if err != nil {
			if analysis.Transient(err) {
				log.Warn("Transient analysis failure, retrying", zap.Error(err))
				return err
			}
			return backoff.Permanent(err)
		}
		result = res
		return nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Second
	b.MaxInterval = 30 * time.Second

	err := backoff.Retry(operation, backoff.WithContext(backoff.WithMaxRetries(b, uint64(o.cfg.MaxRetries)), ctx))
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (o *Orchestrator) acquire(scanID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, busy := o.inFlight[scanID]; busy {
		return false
	}
	o.inFlight[scanID] = struct{}{}
	return true
}

func (o *Orchestrator) release(scanID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.inFlight, scanID)
}
