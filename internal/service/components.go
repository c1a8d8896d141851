// File: internal/service/components.go
package service

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/coderenew/scan-engine/internal/analysis"
	"github.com/coderenew/scan-engine/internal/config"
	"github.com/coderenew/scan-engine/internal/enrichment"
	"github.com/coderenew/scan-engine/internal/results"
	"github.com/coderenew/scan-engine/internal/scan"
	"github.com/coderenew/scan-engine/internal/scheduler"
	"github.com/coderenew/scan-engine/internal/store"
)

// Components holds the initialized services of the scan engine and
// centralizes their lifecycle. Every dependency is constructed here at
// bootstrap and injected explicitly; nothing is process-global except
// the logger.
type Components struct {
	DBPool       *pgxpool.Pool
	Store        *store.Store
	Cache        *enrichment.ScoreCache
	Enrichment   *enrichment.Service
	Orchestrator *scan.Orchestrator
	Scheduler    *scheduler.Scheduler
	Results      *results.Pipeline
}

// Build wires all components from configuration. The returned Components
// owns the database pool; call Shutdown when done.
func Build(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Components, error) {
	pool, err := pgxpool.New(ctx, cfg.Database.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to create database pool: %w", err)
	}

	st, err := store.New(ctx, pool, logger)
	if err != nil {
		pool.Close()
		return nil, err
	}
	if err := st.InitSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	cache := enrichment.NewScoreCache(cfg.Feed.FreshnessWindow, cfg.Feed.CacheMaxEntries)
	feed := enrichment.NewFeedClient(cfg.Feed, logger)
	enricher := enrichment.NewService(cache, feed, st, logger)

	client, err := analysis.NewClient(cfg.Analyzer, logger)
	if err != nil {
		pool.Close()
		return nil, err
	}
	invoker := analysis.NewInvoker(client, cfg.Analyzer, logger)

	orch, err := scan.New(st, invoker, cfg.Analyzer, logger)
	if err != nil {
		pool.Close()
		return nil, err
	}

	sched := scheduler.New(enricher, st, cfg.Scheduler, cfg.Feed.FreshnessWindow, logger)
	orch.SetCompletionHook(sched.OnScanCompleted)

	return &Components{
		DBPool:       pool,
		Store:        st,
		Cache:        cache,
		Enrichment:   enricher,
		Orchestrator: orch,
		Scheduler:    sched,
		Results:      results.NewPipeline(st, logger),
	}, nil
}

// Shutdown stops background work and releases resources in order:
// scheduler first so no new enrichment lands on a closed pool.
func (c *Components) Shutdown() {
	if c.Scheduler != nil {
		c.Scheduler.Stop()
	}
	if c.DBPool != nil {
		c.DBPool.Close()
	}
}
