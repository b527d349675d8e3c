package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/valros/skinarb/internal/persistence"
)

// runsRepo implements RunsRepo for PostgreSQL
type runsRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewRunsRepo creates a new PostgreSQL analysis-run repository
func NewRunsRepo(db *sqlx.DB, timeout time.Duration) persistence.RunsRepo {
	return &runsRepo{
		db:      db,
		timeout: timeout,
	}
}

// Insert archives a completed analysis run
func (r *runsRepo) Insert(ctx context.Context, run *persistence.AnalysisRun) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	filterJSON, err := json.Marshal(run.Filter)
	if err != nil {
		return fmt.Errorf("failed to marshal filter config: %w", err)
	}

	opportunitiesJSON, err := json.Marshal(run.Opportunities)
	if err != nil {
		return fmt.Errorf("failed to marshal opportunities: %w", err)
	}

	query := `
		INSERT INTO analysis_runs (run_id, kind, started_at, finished_at, duration_ms, result, total_found, total_processed, filter, opportunities)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING id, created_at`

	err = r.db.QueryRowxContext(ctx, query,
		run.RunID, run.Kind, run.StartedAt, run.FinishedAt, run.DurationMS,
		run.Result, run.TotalFound, run.TotalProcessed, filterJSON, opportunitiesJSON).
		Scan(&run.ID, &run.CreatedAt)

	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			return fmt.Errorf("duplicate run %s: %w", run.RunID, err)
		}
		return fmt.Errorf("failed to insert analysis run: %w", err)
	}

	return nil
}

// ListRecent retrieves the most recent runs, newest first
func (r *runsRepo) ListRecent(ctx context.Context, limit int) ([]persistence.AnalysisRun, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		SELECT id, run_id, kind, started_at, finished_at, duration_ms, result, total_found, total_processed, filter, opportunities, created_at
		FROM analysis_runs
		ORDER BY started_at DESC
		LIMIT $1`

	rows, err := r.db.QueryxContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query recent runs: %w", err)
	}
	defer rows.Close()

	return r.scanRuns(rows)
}

// ListByKind retrieves runs of one kind within a time range, newest first
func (r *runsRepo) ListByKind(ctx context.Context, kind string, tr persistence.TimeRange, limit int) ([]persistence.AnalysisRun, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		SELECT id, run_id, kind, started_at, finished_at, duration_ms, result, total_found, total_processed, filter, opportunities, created_at
		FROM analysis_runs
		WHERE kind = $1 AND started_at >= $2 AND started_at <= $3
		ORDER BY started_at DESC
		LIMIT $4`

	rows, err := r.db.QueryxContext(ctx, query, kind, tr.From, tr.To, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs by kind: %w", err)
	}
	defer rows.Close()

	return r.scanRuns(rows)
}

// CountByKind returns run counts grouped by kind within a time range
func (r *runsRepo) CountByKind(ctx context.Context, tr persistence.TimeRange) (map[string]int64, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		SELECT kind, COUNT(*)
		FROM analysis_runs
		WHERE started_at >= $1 AND started_at <= $2
		GROUP BY kind
		ORDER BY kind`

	rows, err := r.db.QueryxContext(ctx, query, tr.From, tr.To)
	if err != nil {
		return nil, fmt.Errorf("failed to count runs by kind: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int64)
	for rows.Next() {
		var kind string
		var count int64
		if err := rows.Scan(&kind, &count); err != nil {
			return nil, fmt.Errorf("failed to scan kind count: %w", err)
		}
		counts[kind] = count
	}

	return counts, nil
}

// Helper methods

func (r *runsRepo) scanRuns(rows *sqlx.Rows) ([]persistence.AnalysisRun, error) {
	var runs []persistence.AnalysisRun

	for rows.Next() {
		run, err := r.scanRunFromRows(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *run)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}

	return runs, nil
}

func (r *runsRepo) scanRunFromRows(rows *sqlx.Rows) (*persistence.AnalysisRun, error) {
	var run persistence.AnalysisRun
	var filterJSON, opportunitiesJSON []byte

	err := rows.Scan(
		&run.ID, &run.RunID, &run.Kind, &run.StartedAt, &run.FinishedAt,
		&run.DurationMS, &run.Result, &run.TotalFound, &run.TotalProcessed,
		&filterJSON, &opportunitiesJSON, &run.CreatedAt)

	if err != nil {
		return nil, err
	}

	if len(filterJSON) > 0 {
		if err := json.Unmarshal(filterJSON, &run.Filter); err != nil {
			return nil, fmt.Errorf("failed to unmarshal filter config: %w", err)
		}
	}

	if len(opportunitiesJSON) > 0 {
		if err := json.Unmarshal(opportunitiesJSON, &run.Opportunities); err != nil {
			return nil, fmt.Errorf("failed to unmarshal opportunities: %w", err)
		}
	}

	return &run, nil
}
