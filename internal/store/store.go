// File: internal/store/store.go
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"

	"github.com/coderenew/scan-engine/api/schemas"
)

// Errors returned on lifecycle violations.
var (
	ErrScanNotFound = errors.New("store: scan not found")
	// ErrInvalidTransition means the scan was not in the state the
	// requested transition starts from. Terminal states never leave.
	ErrInvalidTransition = errors.New("store: invalid scan state transition")
)

// DBPool abstracts pgxpool.Pool so tests can substitute pgxmock.
type DBPool interface {
	Ping(ctx context.Context) error
	Begin(ctx context.Context) (pgx.Tx, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
	CopyFrom(ctx context.Context, tableName pgx.Identifier, columnNames []string, rowSrc pgx.CopyFromSource) (int64, error)
}

// Store provides the PostgreSQL persistence layer for scans and findings.
type Store struct {
	pool DBPool
	log  *zap.Logger
}

// New creates a store instance and verifies the connection.
func New(ctx context.Context, pool DBPool, logger *zap.Logger) (*Store, error) {
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return &Store{
		pool: pool,
		log:  logger.Named("store"),
	}, nil
}

// CreateScan inserts a new scan row in PENDING state.
func (s *Store) CreateScan(ctx context.Context, scan *schemas.Scan) error {
	_, err := s.pool.Exec(ctx, `
        INSERT INTO scans (id, source_version, target_version, status, created_at)
        VALUES ($1, $2, $3, $4, $5);
    `, scan.ID, scan.SourceVersion, scan.TargetVersion, string(scan.Status), scan.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to insert scan: %w", err)
	}
	return nil
}

// GetScan fetches one scan by id.
func (s *Store) GetScan(ctx context.Context, scanID string) (*schemas.Scan, error) {
	var (
		scan          schemas.Scan
		status        string
		riskLevel     *string
		failureReason *string
	)
	err := s.pool.QueryRow(ctx, `
        SELECT id, source_version, target_version, status, risk_level, failure_reason, created_at, completed_at
        FROM scans
        WHERE id = $1;
    `, scanID).Scan(
		&scan.ID, &scan.SourceVersion, &scan.TargetVersion,
		&status, &riskLevel, &failureReason,
		&scan.CreatedAt, &scan.CompletedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrScanNotFound
		}
		return nil, fmt.Errorf("failed to query scan: %w", err)
	}
	scan.Status = schemas.ScanStatus(status)
	if riskLevel != nil {
		scan.RiskLevel = schemas.RiskLevel(*riskLevel)
	}
	if failureReason != nil {
		scan.FailureReason = *failureReason
	}
	return &scan, nil
}

// MarkScanProcessing performs the PENDING -> PROCESSING transition. The
// WHERE clause enforces the state machine at the row level, so a scan
// already picked up (or already terminal) is never re-submitted.
func (s *Store) MarkScanProcessing(ctx context.Context, scanID string) error {
	tag, err := s.pool.Exec(ctx, `
        UPDATE scans SET status = $1 WHERE id = $2 AND status = $3;
    `, string(schemas.ScanProcessing), scanID, string(schemas.ScanPending))
	if err != nil {
		return fmt.Errorf("failed to mark scan processing: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: scan %s is not pending", ErrInvalidTransition, scanID)
	}
	return nil
}

// CompleteScanWithFindings performs the PROCESSING -> COMPLETED
// transition and persists the findings in the same transaction: either
// both succeed or neither does.
func (s *Store) CompleteScanWithFindings(ctx context.Context, scanID string, riskLevel schemas.RiskLevel, findings []schemas.Finding) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if rollbackErr := tx.Rollback(ctx); rollbackErr != nil && !errors.Is(rollbackErr, pgx.ErrTxClosed) {
			s.log.Error("Failed to rollback transaction", zap.Error(rollbackErr))
		}
	}()

	tag, err := tx.Exec(ctx, `
        UPDATE scans SET status = $1, risk_level = $2, completed_at = $3
        WHERE id = $4 AND status = $5;
    `, string(schemas.ScanCompleted), string(riskLevel), time.Now().UTC(), scanID, string(schemas.ScanProcessing))
	if err != nil {
		return fmt.Errorf("failed to complete scan: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: scan %s is not processing", ErrInvalidTransition, scanID)
	}

	if len(findings) > 0 {
		if err := s.copyFindings(ctx, tx, scanID, findings); err != nil {
			return err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func (s *Store) copyFindings(ctx context.Context, tx pgx.Tx, scanID string, findings []schemas.Finding) error {
	rows := make([][]any, len(findings))
	for i, f := range findings {
		rows[i] = []any{
			f.ID, scanID,
			string(f.IssueType), string(f.Severity),
			f.FilePath, f.LineNumber,
			f.Description, f.Recommendation, f.Evidence,
			nullIfEmpty(f.CVEID),
			f.RiskScore, f.RiskPercentile, f.ScoreFetchedAt,
			f.ObservedAt.UTC(),
		}
	}

	copyCount, err := tx.CopyFrom(
		ctx,
		pgx.Identifier{"findings"},
		[]string{"id", "scan_id", "issue_type", "severity", "file_path", "line_number", "description", "recommendation", "evidence", "cve_id", "risk_score", "risk_percentile", "score_fetched_at", "observed_at"},
		pgx.CopyFromRows(rows),
	)
	if err != nil {
		return fmt.Errorf("failed to copy findings: %w", err)
	}
	if int(copyCount) != len(findings) {
		return fmt.Errorf("mismatch in copied findings count: expected %d, got %d", len(findings), copyCount)
	}
	return nil
}

// FailScan performs the PROCESSING -> FAILED transition and records a
// human-readable failure reason.
func (s *Store) FailScan(ctx context.Context, scanID, reason string) error {
	tag, err := s.pool.Exec(ctx, `
        UPDATE scans SET status = $1, failure_reason = $2, completed_at = $3
        WHERE id = $4 AND status = $5;
    `, string(schemas.ScanFailed), reason, time.Now().UTC(), scanID, string(schemas.ScanProcessing))
	if err != nil {
		return fmt.Errorf("failed to fail scan: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: scan %s is not processing", ErrInvalidTransition, scanID)
	}
	return nil
}

// GetFindingsByScanID returns a scan's findings in discovery order.
func (s *Store) GetFindingsByScanID(ctx context.Context, scanID string) ([]schemas.Finding, error) {
	rows, err := s.pool.Query(ctx, `
        SELECT id, issue_type, severity, file_path, line_number, description,
               recommendation, evidence, cve_id, risk_score, risk_percentile,
               score_fetched_at, observed_at
        FROM findings
        WHERE scan_id = $1
        ORDER BY observed_at ASC, id ASC;
    `, scanID)
	if err != nil {
		return nil, fmt.Errorf("failed to query findings: %w", err)
	}
	defer rows.Close()

	var findings []schemas.Finding
	for rows.Next() {
		var (
			f                   schemas.Finding
			issueType, severity string
			cveID               *string
		)
		err := rows.Scan(
			&f.ID, &issueType, &severity, &f.FilePath, &f.LineNumber,
			&f.Description, &f.Recommendation, &f.Evidence,
			&cveID, &f.RiskScore, &f.RiskPercentile, &f.ScoreFetchedAt,
			&f.ObservedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan finding row: %w", err)
		}
		f.ScanID = scanID
		f.IssueType = schemas.IssueType(issueType)
		f.Severity = schemas.Severity(severity)
		if cveID != nil {
			f.CVEID = *cveID
		}
		findings = append(findings, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return findings, nil
}

// ListFindingRefsByScan returns (finding id, CVE id) pairs for one scan's
// findings that reference a vulnerability identifier.
func (s *Store) ListFindingRefsByScan(ctx context.Context, scanID string) ([]schemas.FindingRef, error) {
	rows, err := s.pool.Query(ctx, `
        SELECT id, cve_id FROM findings
        WHERE scan_id = $1 AND cve_id IS NOT NULL;
    `, scanID)
	if err != nil {
		return nil, fmt.Errorf("failed to query finding refs: %w", err)
	}
	defer rows.Close()
	return scanRefs(rows)
}

// ListRefsNeedingRefresh returns refs across all scans whose score is
// missing or was fetched before the cutoff. This feeds the daily sweep.
func (s *Store) ListRefsNeedingRefresh(ctx context.Context, cutoff time.Time) ([]schemas.FindingRef, error) {
	rows, err := s.pool.Query(ctx, `
        SELECT id, cve_id FROM findings
        WHERE cve_id IS NOT NULL
          AND (score_fetched_at IS NULL OR score_fetched_at < $1);
    `, cutoff.UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to query stale finding refs: %w", err)
	}
	defer rows.Close()
	return scanRefs(rows)
}

// UpdateFindingScores writes score, percentile and fetch timestamp onto
// findings in a single batch. Writes are idempotent overwrites.
func (s *Store) UpdateFindingScores(ctx context.Context, updates []schemas.ScoreUpdate) error {
	if len(updates) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	sql := `
        UPDATE findings SET risk_score = $1, risk_percentile = $2, score_fetched_at = $3
        WHERE id = $4;
    `
	for _, u := range updates {
		batch.Queue(sql, u.Score, u.Percentile, u.FetchedAt.UTC(), u.FindingID)
	}

	br := s.pool.SendBatch(ctx, batch)
	defer func() {
		_ = br.Close()
	}()

	for i := range updates {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("failed to update score for finding %s: %w", updates[i].FindingID, err)
		}
	}
	return nil
}

func scanRefs(rows pgx.Rows) ([]schemas.FindingRef, error) {
	var refs []schemas.FindingRef
	for rows.Next() {
		var ref schemas.FindingRef
		if err := rows.Scan(&ref.FindingID, &ref.CVEID); err != nil {
			return nil, fmt.Errorf("failed to scan finding ref: %w", err)
		}
		refs = append(refs, ref)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return refs, nil
}

func nullIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
