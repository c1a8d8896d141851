package store

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/coderenew/scan-engine/api/schemas"
)

// flexibleSQLMatcher creates a regex that is insensitive to whitespace for more robust SQL mock testing.
func flexibleSQLMatcher(sql string) string {
	trimmed := strings.TrimSpace(sql)
	return regexp.MustCompile(`\s+`).ReplaceAllString(regexp.QuoteMeta(trimmed), `\s+`)
}

// ArgumentMatcherFunc is a helper to create inline mock matchers.
type ArgumentMatcherFunc func(interface{}) bool

func (f ArgumentMatcherFunc) Match(v interface{}) bool {
	return f(v)
}

// anyTime accepts any value; used for timestamps we cannot predict exactly.
var anyTime = ArgumentMatcherFunc(func(v interface{}) bool {
	return true
})

const (
	sqlMarkProcessing = `UPDATE scans SET status = $1 WHERE id = $2 AND status = $3;`
	sqlCompleteScan   = `
        UPDATE scans SET status = $1, risk_level = $2, completed_at = $3
        WHERE id = $4 AND status = $5;
    `
	sqlFailScan = `
        UPDATE scans SET status = $1, failure_reason = $2, completed_at = $3
        WHERE id = $4 AND status = $5;
    `
	sqlUpdateScore = `
        UPDATE findings SET risk_score = $1, risk_percentile = $2, score_fetched_at = $3
        WHERE id = $4;
    `
)

func newTestStore(t *testing.T) (*Store, pgxmock.PgxPoolIface) {
	t.Helper()
	mockPool, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mockPool.Close)

	mockPool.ExpectPing().WillReturnError(nil)
	s, err := New(context.Background(), mockPool, zap.NewNop())
	require.NoError(t, err)
	return s, mockPool
}

func TestNewStore(t *testing.T) {
	t.Run("should return error if ping fails", func(t *testing.T) {
		mockPool, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mockPool.Close()

		pingErr := errors.New("database unavailable")
		mockPool.ExpectPing().WillReturnError(pingErr)

		_, err = New(context.Background(), mockPool, zap.NewNop())
		require.Error(t, err)
		assert.ErrorIs(t, err, pingErr, "Error from ping should be propagated")
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})
}

func TestScanLifecycleTransitions(t *testing.T) {
	ctx := context.Background()

	t.Run("should move a pending scan to processing", func(t *testing.T) {
		s, mockPool := newTestStore(t)
		scanID := uuid.NewString()

		mockPool.ExpectExec(flexibleSQLMatcher(sqlMarkProcessing)).
			WithArgs("processing", scanID, "pending").
			WillReturnResult(pgxmock.NewResult("UPDATE", 1))

		require.NoError(t, s.MarkScanProcessing(ctx, scanID))
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})

	t.Run("should reject processing a scan that is not pending", func(t *testing.T) {
		s, mockPool := newTestStore(t)
		scanID := uuid.NewString()

		mockPool.ExpectExec(flexibleSQLMatcher(sqlMarkProcessing)).
			WithArgs("processing", scanID, "pending").
			WillReturnResult(pgxmock.NewResult("UPDATE", 0))

		err := s.MarkScanProcessing(ctx, scanID)
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrInvalidTransition)
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})

	t.Run("should record a failure reason on the failed transition", func(t *testing.T) {
		s, mockPool := newTestStore(t)
		scanID := uuid.NewString()

		mockPool.ExpectExec(flexibleSQLMatcher(sqlFailScan)).
			WithArgs("failed", "analysis: malformed response", anyTime, scanID, "processing").
			WillReturnResult(pgxmock.NewResult("UPDATE", 1))

		require.NoError(t, s.FailScan(ctx, scanID, "analysis: malformed response"))
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})

	t.Run("should not fail a scan that is already terminal", func(t *testing.T) {
		s, mockPool := newTestStore(t)
		scanID := uuid.NewString()

		mockPool.ExpectExec(flexibleSQLMatcher(sqlFailScan)).
			WithArgs("failed", "boom", anyTime, scanID, "processing").
			WillReturnResult(pgxmock.NewResult("UPDATE", 0))

		err := s.FailScan(ctx, scanID, "boom")
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrInvalidTransition)
	})
}

func TestCompleteScanWithFindings(t *testing.T) {
	ctx := context.Background()
	findingColumns := []string{
		"id", "scan_id", "issue_type", "severity", "file_path", "line_number",
		"description", "recommendation", "evidence", "cve_id",
		"risk_score", "risk_percentile", "score_fetched_at", "observed_at",
	}

	t.Run("should persist the transition and findings in one transaction", func(t *testing.T) {
		s, mockPool := newTestStore(t)
		scanID := uuid.NewString()
		findings := []schemas.Finding{
			{
				ID:          uuid.NewString(),
				IssueType:   schemas.IssueSecurity,
				Severity:    schemas.SeverityCritical,
				Description: "SQL injection via CVE-2024-1234",
				CVEID:       "CVE-2024-1234",
				ObservedAt:  time.Now(),
			},
			{
				ID:          uuid.NewString(),
				IssueType:   schemas.IssueDeprecatedFunction,
				Severity:    schemas.SeverityWarning,
				Description: "get_currentuserinfo() is deprecated",
				ObservedAt:  time.Now(),
			},
		}

		mockPool.ExpectBegin()
		mockPool.ExpectExec(flexibleSQLMatcher(sqlCompleteScan)).
			WithArgs("completed", "critical", anyTime, scanID, "processing").
			WillReturnResult(pgxmock.NewResult("UPDATE", 1))
		mockPool.ExpectCopyFrom(pgx.Identifier{"findings"}, findingColumns).
			WillReturnResult(2)
		mockPool.ExpectCommit()
		mockPool.ExpectRollback().WillReturnError(pgx.ErrTxClosed)

		err := s.CompleteScanWithFindings(ctx, scanID, schemas.RiskCritical, findings)
		require.NoError(t, err)
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})

	t.Run("should roll back when the scan is not processing", func(t *testing.T) {
		s, mockPool := newTestStore(t)
		scanID := uuid.NewString()

		mockPool.ExpectBegin()
		mockPool.ExpectExec(flexibleSQLMatcher(sqlCompleteScan)).
			WithArgs("completed", "safe", anyTime, scanID, "processing").
			WillReturnResult(pgxmock.NewResult("UPDATE", 0))
		mockPool.ExpectRollback()

		err := s.CompleteScanWithFindings(ctx, scanID, schemas.RiskSafe, nil)
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrInvalidTransition)
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})

	t.Run("should roll back on a findings copy count mismatch", func(t *testing.T) {
		s, mockPool := newTestStore(t)
		scanID := uuid.NewString()
		findings := []schemas.Finding{{
			ID:          uuid.NewString(),
			IssueType:   schemas.IssueBreakingChange,
			Severity:    schemas.SeverityWarning,
			Description: "filter signature changed",
			ObservedAt:  time.Now(),
		}}

		mockPool.ExpectBegin()
		mockPool.ExpectExec(flexibleSQLMatcher(sqlCompleteScan)).
			WithArgs("completed", "warning", anyTime, scanID, "processing").
			WillReturnResult(pgxmock.NewResult("UPDATE", 1))
		mockPool.ExpectCopyFrom(pgx.Identifier{"findings"}, findingColumns).
			WillReturnResult(0)
		mockPool.ExpectRollback()

		err := s.CompleteScanWithFindings(ctx, scanID, schemas.RiskWarning, findings)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "mismatch")
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})

	t.Run("should complete a scan with zero findings without a copy", func(t *testing.T) {
		s, mockPool := newTestStore(t)
		scanID := uuid.NewString()

		mockPool.ExpectBegin()
		mockPool.ExpectExec(flexibleSQLMatcher(sqlCompleteScan)).
			WithArgs("completed", "safe", anyTime, scanID, "processing").
			WillReturnResult(pgxmock.NewResult("UPDATE", 1))
		mockPool.ExpectCommit()
		mockPool.ExpectRollback().WillReturnError(pgx.ErrTxClosed)

		require.NoError(t, s.CompleteScanWithFindings(ctx, scanID, schemas.RiskSafe, nil))
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})
}

func TestGetScan(t *testing.T) {
	ctx := context.Background()

	t.Run("should map a completed scan row", func(t *testing.T) {
		s, mockPool := newTestStore(t)
		scanID := uuid.NewString()
		created := time.Now().UTC().Add(-time.Hour)
		completed := time.Now().UTC()
		riskLevel := "warning"

		rows := pgxmock.NewRows([]string{
			"id", "source_version", "target_version", "status",
			"risk_level", "failure_reason", "created_at", "completed_at",
		}).AddRow(scanID, "6.3", "6.7", "completed", &riskLevel, (*string)(nil), created, &completed)

		mockPool.ExpectQuery(flexibleSQLMatcher(`SELECT id, source_version, target_version, status, risk_level, failure_reason, created_at, completed_at FROM scans WHERE id = $1;`)).
			WithArgs(scanID).
			WillReturnRows(rows)

		scan, err := s.GetScan(ctx, scanID)
		require.NoError(t, err)
		assert.Equal(t, schemas.ScanCompleted, scan.Status)
		assert.Equal(t, schemas.RiskWarning, scan.RiskLevel)
		assert.Empty(t, scan.FailureReason)
		require.NotNil(t, scan.CompletedAt)
		assert.True(t, scan.Status.Terminal())
	})

	t.Run("should return ErrScanNotFound for an unknown id", func(t *testing.T) {
		s, mockPool := newTestStore(t)
		scanID := uuid.NewString()

		mockPool.ExpectQuery(flexibleSQLMatcher(`SELECT id, source_version, target_version, status, risk_level, failure_reason, created_at, completed_at FROM scans WHERE id = $1;`)).
			WithArgs(scanID).
			WillReturnError(pgx.ErrNoRows)

		_, err := s.GetScan(ctx, scanID)
		assert.ErrorIs(t, err, ErrScanNotFound)
	})
}

func TestFindingRefQueries(t *testing.T) {
	ctx := context.Background()

	t.Run("should list refs for one scan", func(t *testing.T) {
		s, mockPool := newTestStore(t)
		scanID := uuid.NewString()

		rows := pgxmock.NewRows([]string{"id", "cve_id"}).
			AddRow("f-1", "CVE-2021-44228").
			AddRow("f-2", "CVE-2024-1234")

		mockPool.ExpectQuery(flexibleSQLMatcher(`SELECT id, cve_id FROM findings WHERE scan_id = $1 AND cve_id IS NOT NULL;`)).
			WithArgs(scanID).
			WillReturnRows(rows)

		refs, err := s.ListFindingRefsByScan(ctx, scanID)
		require.NoError(t, err)
		require.Len(t, refs, 2)
		assert.Equal(t, "CVE-2021-44228", refs[0].CVEID)
	})

	t.Run("should pass the cutoff to the staleness query", func(t *testing.T) {
		s, mockPool := newTestStore(t)
		cutoff := time.Now().Add(-24 * time.Hour)

		rows := pgxmock.NewRows([]string{"id", "cve_id"}).
			AddRow("f-3", "CVE-2019-0001")

		mockPool.ExpectQuery(flexibleSQLMatcher(`SELECT id, cve_id FROM findings WHERE cve_id IS NOT NULL AND (score_fetched_at IS NULL OR score_fetched_at < $1);`)).
			WithArgs(cutoff.UTC()).
			WillReturnRows(rows)

		refs, err := s.ListRefsNeedingRefresh(ctx, cutoff)
		require.NoError(t, err)
		require.Len(t, refs, 1)
		assert.Equal(t, "f-3", refs[0].FindingID)
	})
}

func TestUpdateFindingScores(t *testing.T) {
	ctx := context.Background()

	t.Run("should apply all updates in one batch", func(t *testing.T) {
		s, mockPool := newTestStore(t)
		fetchedAt := time.Now()
		updates := []schemas.ScoreUpdate{
			{FindingID: "f-1", Score: 0.944, Percentile: 0.999, FetchedAt: fetchedAt},
			{FindingID: "f-2", Score: 0.944, Percentile: 0.999, FetchedAt: fetchedAt},
		}

		batchExp := mockPool.ExpectBatch()
		for _, u := range updates {
			batchExp.ExpectExec(flexibleSQLMatcher(sqlUpdateScore)).
				WithArgs(u.Score, u.Percentile, u.FetchedAt.UTC(), u.FindingID).
				WillReturnResult(pgxmock.NewResult("UPDATE", 1))
		}

		require.NoError(t, s.UpdateFindingScores(ctx, updates))
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})

	t.Run("should be a no-op for an empty update set", func(t *testing.T) {
		s, mockPool := newTestStore(t)
		require.NoError(t, s.UpdateFindingScores(ctx, nil))
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})

	t.Run("should surface the first failed update", func(t *testing.T) {
		s, mockPool := newTestStore(t)
		updates := []schemas.ScoreUpdate{
			{FindingID: "f-1", Score: 0.1, Percentile: 0.5, FetchedAt: time.Now()},
		}

		batchExp := mockPool.ExpectBatch()
		batchExp.ExpectExec(flexibleSQLMatcher(sqlUpdateScore)).
			WithArgs(updates[0].Score, updates[0].Percentile, updates[0].FetchedAt.UTC(), updates[0].FindingID).
			WillReturnError(errors.New("deadlock detected"))

		err := s.UpdateFindingScores(ctx, updates)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "f-1")
	})
}
