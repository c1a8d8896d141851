// File: internal/scheduler/scheduler.go
// Description: Dispatches enrichment work. Two triggers share one
// enrichment path: a reactive trigger fired when a scan completes, and a
// periodic sweep that refreshes stale scores across the whole data set.

package scheduler

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/coderenew/scan-engine/api/schemas"
	"github.com/coderenew/scan-engine/internal/config"
)

// Enricher is the enrichment service surface.
type Enricher interface {
	Enrich(ctx context.Context, refs []schemas.FindingRef) error
}

// Store is the read surface the scheduler selects work from.
type Store interface {
	ListFindingRefsByScan(ctx context.Context, scanID string) ([]schemas.FindingRef, error)
	ListRefsNeedingRefresh(ctx context.Context, cutoff time.Time) ([]schemas.FindingRef, error)
}

// Scheduler runs a small worker pool for reactive triggers and a ticker
// for the periodic sweep. Enrichment failures are logged, never
// surfaced: findings stay unscored until the next sweep picks them up.
type Scheduler struct {
	enricher  Enricher
	store     Store
	cfg       config.SchedulerConfig
	freshness time.Duration
	logger    *zap.Logger

	jobs     chan string
	wg       sync.WaitGroup
	stopOnce sync.Once
	stop     chan struct{}
}

// New constructs a Scheduler. freshness is the score freshness window
// used to compute the sweep's staleness cutoff.
func New(enricher Enricher, store Store, cfg config.SchedulerConfig, freshness time.Duration, logger *zap.Logger) *Scheduler {
	return &Scheduler{
		enricher:  enricher,
		store:     store,
		cfg:       cfg,
		freshness: freshness,
		logger:    logger.Named("scheduler"),
		jobs:      make(chan string, cfg.QueueSize),
		stop:      make(chan struct{}),
	}
}

// Start launches the worker pool and the sweep ticker. It returns
// immediately; Stop shuts everything down.
func (s *Scheduler) Start(ctx context.Context) {
	for i := 0; i < s.cfg.WorkerConcurrency; i++ {
		s.wg.Add(1)
		go s.worker(ctx)
	}

	s.wg.Add(1)
	go s.sweepLoop(ctx)

	s.logger.Info("Scheduler started",
		zap.Int("workers", s.cfg.WorkerConcurrency),
		zap.Duration("sweep_interval", s.cfg.SweepInterval),
	)
}

// OnScanCompleted queues enrichment for one scan's findings. It never
// blocks the caller: if the queue is full the job is dropped and the
// findings are picked up by the next sweep.
func (s *Scheduler) OnScanCompleted(scanID string) {
	select {
	case s.jobs <- scanID:
	default:
		s.logger.Warn("Enrichment queue full, deferring scan to next sweep", zap.String("scan_id", scanID))
	}
}

// Stop shuts the scheduler down and waits for in-flight work to finish.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() {
		close(s.stop)
	})
	s.wg.Wait()
	s.logger.Info("Scheduler stopped")
}

func (s *Scheduler) worker(ctx context.Context) {
	defer s.wg.Done()
	for {
		select {
		case scanID := <-s.jobs:
			s.enrichScan(ctx, scanID)
		case <-s.stop:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (s *Scheduler) enrichScan(ctx context.Context, scanID string) {
	log := s.logger.With(zap.String("scan_id", scanID))

	refs, err := s.store.ListFindingRefsByScan(ctx, scanID)
	if err != nil {
		log.Error("Failed to list finding refs for enrichment", zap.Error(err))
		return
	}
	if len(refs) == 0 {
		log.Debug("No vulnerability identifiers to enrich")
		return
	}

	if err := s.enricher.Enrich(ctx, refs); err != nil {
		// Best effort: the sweep retries stale and unscored findings.
		log.Error("Reactive enrichment failed", zap.Error(err), zap.Int("findings", len(refs)))
		return
	}
	log.Info("Reactive enrichment complete", zap.Int("findings", len(refs)))
}

func (s *Scheduler) sweepLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := s.RunDailySweep(ctx); err != nil {
				s.logger.Error("Sweep run failed", zap.Error(err))
			}
		case <-s.stop:
			return
		case <-ctx.Done():
			return
		}
	}
}

// RunDailySweep re-enriches every finding whose score is missing or older
// than the freshness window, in fixed-size chunks under an overall
// wall-clock budget. Hitting the budget abandons the remaining chunks;
// completed chunks keep their progress and the next run picks up the
// rest.
func (s *Scheduler) RunDailySweep(ctx context.Context) error {
	sweepCtx, cancel := context.WithTimeout(ctx, s.cfg.SweepTimeout)
	defer cancel()

	cutoff := time.Now().UTC().Add(-s.freshness)
	refs, err := s.store.ListRefsNeedingRefresh(sweepCtx, cutoff)
	if err != nil {
		return err
	}
	if len(refs) == 0 {
		s.logger.Info("Sweep found nothing to refresh")
		return nil
	}

	chunks := chunkRefs(refs, s.cfg.SweepChunkSize)
	s.logger.Info("Sweep starting",
		zap.Int("findings", len(refs)),
		zap.Int("chunks", len(chunks)),
	)

	g, gctx := errgroup.WithContext(sweepCtx)
	g.SetLimit(s.cfg.WorkerConcurrency)

	completed := 0
	var mu sync.Mutex
	for _, chunk := range chunks {
		if gctx.Err() != nil {
			break
		}
		chunk := chunk
		g.Go(func() error {
			if err := s.enricher.Enrich(gctx, chunk); err != nil {
				// A failed chunk does not abort its siblings.
				s.logger.Error("Sweep chunk failed", zap.Error(err), zap.Int("chunk_size", len(chunk)))
				return nil
			}
			mu.Lock()
			completed++
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	if sweepCtx.Err() != nil {
		s.logger.Warn("Sweep aborted on time budget, partial progress kept",
			zap.Int("completed_chunks", completed),
			zap.Int("total_chunks", len(chunks)),
		)
		return nil
	}

	s.logger.Info("Sweep complete", zap.Int("completed_chunks", completed), zap.Int("total_chunks", len(chunks)))
	return nil
}

func chunkRefs(refs []schemas.FindingRef, size int) [][]schemas.FindingRef {
	var chunks [][]schemas.FindingRef
	for start := 0; start < len(refs); start += size {
		end := start + size
		if end > len(refs) {
			end = len(refs)
		}
		chunks = append(chunks, refs[start:end])
	}
	return chunks
}
