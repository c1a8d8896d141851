// File: internal/enrichment/feed.go
package enrichment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/coderenew/scan-engine/api/schemas"
	"github.com/coderenew/scan-engine/internal/config"
)

// Failure taxonomy for the score feed. All three are transient: the feed
// client retries them itself, and after exhaustion the enrichment service
// falls back to stale cache entries.
var (
	ErrFeedTimeout      = errors.New("feed: request timed out")
	ErrServiceError     = errors.New("feed: service error")
	ErrResponseTooLarge = errors.New("feed: response too large")
)

var validCVE = regexp.MustCompile(`^CVE-\d{4}-\d{4,7}$`)

// feedResponse is the FIRST.org EPSS wire format. Numeric fields arrive
// as strings.
type feedResponse struct {
	Status string `json:"status"`
	Data   []struct {
		CVE        string `json:"cve"`
		EPSS       string `json:"epss"`
		Percentile string `json:"percentile"`
		Date       string `json:"date"`
	} `json:"data"`
}

// FeedClient fetches exploitation likelihood scores for batches of CVE
// identifiers. It owns the transport retry budget: transient failures are
// retried with exponential backoff before an error is returned.
type FeedClient struct {
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter
	maxRetries uint64
	maxBytes   int64
	logger     *zap.Logger
	now        func() time.Time
}

// NewFeedClient initializes the feed client.
func NewFeedClient(cfg config.FeedConfig, logger *zap.Logger) *FeedClient {
	return &FeedClient{
		baseURL: cfg.BaseURL,
		httpClient: &http.Client{
			Timeout: cfg.RequestTimeout,
		},
		limiter:    rate.NewLimiter(rate.Limit(cfg.RateLimit), 1),
		maxRetries: uint64(cfg.MaxRetries),
		maxBytes:   cfg.MaxResponseBytes,
		logger:     logger.Named("feed_client"),
		now:        time.Now,
	}
}

// FetchBatch fetches scores for the given identifiers in one request.
// Identifiers not matching the CVE pattern are silently dropped before
// the call; identifiers unknown to the feed are absent from the result.
func (f *FeedClient) FetchBatch(ctx context.Context, cveIDs []string) (map[string]schemas.ScoreEntry, error) {
	valid := make([]string, 0, len(cveIDs))
	for _, id := range cveIDs {
		if validCVE.MatchString(id) {
			valid = append(valid, id)
		} else {
			f.logger.Debug("Dropping invalid identifier from feed request", zap.String("cve_id", id))
		}
	}
	if len(valid) == 0 {
		return map[string]schemas.ScoreEntry{}, nil
	}

	var result map[string]schemas.ScoreEntry
	operation := func() error {
		entries, err := f.fetchOnce(ctx, valid)
		if err != nil {
			f.logger.Warn("Feed request failed, will retry", zap.Error(err), zap.Int("cve_count", len(valid)))
			return err
		}
		result = entries
		return nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxInterval = 10 * time.Second

	if err := backoff.Retry(operation, backoff.WithContext(backoff.WithMaxRetries(b, f.maxRetries), ctx)); err != nil {
		return nil, err
	}

	f.logger.Info("Fetched feed scores",
		zap.Int("requested", len(valid)),
		zap.Int("returned", len(result)),
	)
	return result, nil
}

func (f *FeedClient) fetchOnce(ctx context.Context, cveIDs []string) (map[string]schemas.ScoreEntry, error) {
	if err := f.limiter.Wait(ctx); err != nil {
		return nil, backoff.Permanent(err)
	}

	reqURL := f.baseURL + "?cve=" + url.QueryEscape(strings.Join(cveIDs, ","))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, backoff.Permanent(fmt.Errorf("failed to create feed request: %w", err))
	}

	resp, err := f.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || isTimeout(err) {
			return nil, fmt.Errorf("%w: %v", ErrFeedTimeout, err)
		}
		return nil, fmt.Errorf("%w: %v", ErrServiceError, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: status %d", ErrServiceError, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("%w: reading body: %v", ErrServiceError, err)
	}
	if int64(len(body)) > f.maxBytes {
		return nil, fmt.Errorf("%w: body exceeds %d bytes", ErrResponseTooLarge, f.maxBytes)
	}

	return f.parseResponse(body)
}

func (f *FeedClient) parseResponse(body []byte) (map[string]schemas.ScoreEntry, error) {
	var parsed feedResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("%w: decoding body: %v", ErrServiceError, err)
	}
	if parsed.Status != "OK" {
		return nil, fmt.Errorf("%w: feed status %q", ErrServiceError, parsed.Status)
	}

	fetchedAt := f.now().UTC()
	entries := make(map[string]schemas.ScoreEntry, len(parsed.Data))
	for _, item := range parsed.Data {
		score, err := strconv.ParseFloat(item.EPSS, 64)
		if err != nil {
			f.logger.Warn("Skipping unparseable feed item", zap.String("cve", item.CVE), zap.Error(err))
			continue
		}
		percentile, err := strconv.ParseFloat(item.Percentile, 64)
		if err != nil {
			f.logger.Warn("Skipping unparseable feed item", zap.String("cve", item.CVE), zap.Error(err))
			continue
		}
		id := strings.ToUpper(item.CVE)
		entries[id] = schemas.ScoreEntry{
			CVEID:      id,
			Score:      score,
			Percentile: percentile,
			FetchedAt:  fetchedAt,
		}
	}
	return entries, nil
}

func isTimeout(err error) bool {
	var t interface{ Timeout() bool }
	return errors.As(err, &t) && t.Timeout()
}
