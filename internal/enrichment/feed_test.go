package enrichment

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/coderenew/scan-engine/internal/config"
)

func newTestFeedClient(t *testing.T, baseURL string, maxRetries int) *FeedClient {
	t.Helper()
	f := NewFeedClient(config.FeedConfig{
		BaseURL:          baseURL,
		RequestTimeout:   5 * time.Second,
		MaxRetries:       maxRetries,
		MaxResponseBytes: 1024 * 1024,
		RateLimit:        1000, // Effectively unlimited for tests.
	}, zap.NewNop())
	return f
}

const feedBody = `{
    "status": "OK",
    "data": [
        {"cve": "CVE-2021-44228", "epss": "0.944500000", "percentile": "0.999890000", "date": "2026-08-28"},
        {"cve": "CVE-2024-1234", "epss": "0.001230000", "percentile": "0.456780000", "date": "2026-08-28"}
    ]
}`

func TestFetchBatch(t *testing.T) {
	ctx := context.Background()

	t.Run("should parse string encoded scores into floats", func(t *testing.T) {
		var gotQuery string
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			gotQuery = r.URL.Query().Get("cve")
			w.Write([]byte(feedBody))
		}))
		defer server.Close()

		entries, err := newTestFeedClient(t, server.URL, 3).FetchBatch(ctx, []string{"CVE-2021-44228", "CVE-2024-1234"})
		require.NoError(t, err)
		require.Len(t, entries, 2)

		assert.Equal(t, "CVE-2021-44228,CVE-2024-1234", gotQuery)
		assert.InDelta(t, 0.9445, entries["CVE-2021-44228"].Score, 1e-9)
		assert.InDelta(t, 0.99989, entries["CVE-2021-44228"].Percentile, 1e-9)
		assert.False(t, entries["CVE-2021-44228"].FetchedAt.IsZero())
	})

	t.Run("should drop invalid identifiers before the request", func(t *testing.T) {
		var calls int32
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			atomic.AddInt32(&calls, 1)
			assert.NotContains(t, r.URL.RawQuery, "DROP")
			w.Write([]byte(feedBody))
		}))
		defer server.Close()

		entries, err := newTestFeedClient(t, server.URL, 3).FetchBatch(ctx, []string{
			"CVE-2021-44228",
			"'; DROP TABLE findings; --",
			"CVE-bogus",
		})
		require.NoError(t, err)
		assert.Len(t, entries, 2)
		assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
	})

	t.Run("should not call the feed when every identifier is invalid", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			t.Error("feed must not be called for an all-invalid batch")
		}))
		defer server.Close()

		entries, err := newTestFeedClient(t, server.URL, 3).FetchBatch(ctx, []string{"nonsense", ""})
		require.NoError(t, err)
		assert.Empty(t, entries)
	})

	t.Run("should retry transient failures and then succeed", func(t *testing.T) {
		var calls int32
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if atomic.AddInt32(&calls, 1) <= 3 {
				http.Error(w, "rate limited", http.StatusTooManyRequests)
				return
			}
			w.Write([]byte(feedBody))
		}))
		defer server.Close()

		entries, err := newTestFeedClient(t, server.URL, 3).FetchBatch(ctx, []string{"CVE-2021-44228"})
		require.NoError(t, err, "three failures followed by success is within the retry budget")
		assert.Equal(t, int32(4), atomic.LoadInt32(&calls))
		assert.Len(t, entries, 2)
	})

	t.Run("should give up after the retry budget is exhausted", func(t *testing.T) {
		var calls int32
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			atomic.AddInt32(&calls, 1)
			http.Error(w, "down", http.StatusServiceUnavailable)
		}))
		defer server.Close()

		_, err := newTestFeedClient(t, server.URL, 1).FetchBatch(ctx, []string{"CVE-2021-44228"})
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrServiceError)
		assert.Equal(t, int32(2), atomic.LoadInt32(&calls), "one attempt plus one retry")
	})

	t.Run("should reject oversized responses", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`{"status": "OK", "data": [` + strings.Repeat(" ", 2048) + `]}`))
		}))
		defer server.Close()

		f := newTestFeedClient(t, server.URL, 0)
		f.maxBytes = 1024

		_, err := f.FetchBatch(ctx, []string{"CVE-2021-44228"})
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrResponseTooLarge)
	})

	t.Run("should treat a non-OK feed status as a service error", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`{"status": "error", "data": []}`))
		}))
		defer server.Close()

		_, err := newTestFeedClient(t, server.URL, 0).FetchBatch(ctx, []string{"CVE-2021-44228"})
		assert.ErrorIs(t, err, ErrServiceError)
	})

	t.Run("should skip unparseable items and keep the rest", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`{
                "status": "OK",
                "data": [
                    {"cve": "CVE-2020-0001", "epss": "not-a-number", "percentile": "0.5"},
                    {"cve": "CVE-2020-0002", "epss": "0.25", "percentile": "0.5"}
                ]
            }`))
		}))
		defer server.Close()

		entries, err := newTestFeedClient(t, server.URL, 0).FetchBatch(ctx, []string{"CVE-2020-0001", "CVE-2020-0002"})
		require.NoError(t, err)
		require.Len(t, entries, 1)
		assert.InDelta(t, 0.25, entries["CVE-2020-0002"].Score, 1e-9)
	})

	t.Run("should uppercase identifiers from the feed", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`{"status": "OK", "data": [{"cve": "cve-2020-0001", "epss": "0.1", "percentile": "0.2"}]}`))
		}))
		defer server.Close()

		entries, err := newTestFeedClient(t, server.URL, 0).FetchBatch(ctx, []string{"CVE-2020-0001"})
		require.NoError(t, err)
		assert.Contains(t, entries, "CVE-2020-0001")
	})
}
