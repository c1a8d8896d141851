// File: internal/enrichment/service.go
package enrichment

import (
	"context"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/coderenew/scan-engine/api/schemas"
)

// Feed abstracts the score feed for testing.
type Feed interface {
	FetchBatch(ctx context.Context, cveIDs []string) (map[string]schemas.ScoreEntry, error)
}

// ScoreWriter persists score updates onto findings.
type ScoreWriter interface {
	UpdateFindingScores(ctx context.Context, updates []schemas.ScoreUpdate) error
}

// Service orchestrates cache lookups, batched feed calls and score
// write-back. Enrichment is best-effort metadata: callers log failures
// but never surface them to users.
//
// Retry ownership: the feed client retries transport failures itself;
// this service's responsibility on exhaustion is the stale-cache
// fallback, never a second round of transport retries.
type Service struct {
	cache  *ScoreCache
	feed   Feed
	writer ScoreWriter
	logger *zap.Logger
}

// NewService constructs the enrichment service. The cache instance is
// owned by the process bootstrap and injected here.
func NewService(cache *ScoreCache, feed Feed, writer ScoreWriter, logger *zap.Logger) *Service {
	return &Service{
		cache:  cache,
		feed:   feed,
		writer: writer,
		logger: logger.Named("enrichment"),
	}
}

// Enrich resolves a score for every referenced identifier and writes the
// results onto the findings. Identifiers are deduplicated so the feed is
// asked once per identifier per invocation; findings sharing an
// identifier receive a mutually consistent value. Identifiers the feed
// has never seen leave the finding's score fields untouched.
func (s *Service) Enrich(ctx context.Context, refs []schemas.FindingRef) error {
	if len(refs) == 0 {
		return nil
	}

	unique := dedupeIDs(refs)

	// Partition into fresh hits, stale hits and misses.
	cached := s.cache.GetBatch(unique)
	resolved := make(map[string]schemas.ScoreEntry, len(unique))
	stale := make(map[string]schemas.ScoreEntry)
	var toFetch []string
	for _, id := range unique {
		hit, ok := cached[id]
		switch {
		case ok && !hit.Stale:
			resolved[id] = hit.Entry
		case ok:
			stale[id] = hit.Entry
			toFetch = append(toFetch, id)
		default:
			toFetch = append(toFetch, id)
		}
	}

	if len(toFetch) > 0 {
		fetched, err := s.feed.FetchBatch(ctx, toFetch)
		if err != nil {
			// Feed retries are exhausted. Fall back to whatever stale
			// entries exist rather than nulling scores out.
			s.logger.Warn("Feed fetch failed after retries, falling back to stale cache entries",
				zap.Error(err),
				zap.Int("wanted", len(toFetch)),
				zap.Int("stale_fallbacks", len(stale)),
			)
			for id, entry := range stale {
				resolved[id] = entry
			}
		} else {
			for id, entry := range fetched {
				s.cache.Put(entry)
				resolved[id] = entry
			}
			// Stale identifiers the refreshed feed no longer knows keep
			// their previous value.
			for id, entry := range stale {
				if _, ok := resolved[id]; !ok {
					resolved[id] = entry
				}
			}
		}
	}

	updates := make([]schemas.ScoreUpdate, 0, len(refs))
	skipped := 0
	for _, ref := range refs {
		entry, ok := resolved[ref.CVEID]
		if !ok {
			// Never seen by the feed. Not an error; the finding simply
			// stays unscored.
			skipped++
			continue
		}
		updates = append(updates, schemas.ScoreUpdate{
			FindingID:  ref.FindingID,
			Score:      entry.Score,
			Percentile: entry.Percentile,
			FetchedAt:  entry.FetchedAt,
		})
	}

	if len(updates) > 0 {
		if err := s.writer.UpdateFindingScores(ctx, updates); err != nil {
			return fmt.Errorf("failed to write finding scores: %w", err)
		}
	}

	s.logger.Info("Enrichment pass complete",
		zap.Int("findings", len(refs)),
		zap.Int("unique_identifiers", len(unique)),
		zap.Int("enriched", len(updates)),
		zap.Int("skipped", skipped),
	)
	return nil
}

// dedupeIDs returns the unique identifiers across the batch in sorted
// order, so feed requests are deterministic.
func dedupeIDs(refs []schemas.FindingRef) []string {
	seen := make(map[string]struct{}, len(refs))
	for _, ref := range refs {
		if ref.CVEID != "" {
			seen[ref.CVEID] = struct{}{}
		}
	}
	ids := make([]string, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
