package persistence

import (
	"context"
	"time"

	"github.com/valros/skinarb/internal/domain"
)

// TimeRange represents a time window for history queries.
type TimeRange struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}

// AnalysisRun is one completed analysis archived for later review. The
// opportunity list and the filter settings that produced it are stored as
// JSONB so the schema survives settings-tuple evolution.
type AnalysisRun struct {
	ID             int64                `json:"id" db:"id"`
	RunID          string               `json:"run_id" db:"run_id"`
	Kind           string               `json:"kind" db:"kind"`
	StartedAt      time.Time            `json:"started_at" db:"started_at"`
	FinishedAt     time.Time            `json:"finished_at" db:"finished_at"`
	DurationMS     int64                `json:"duration_ms" db:"duration_ms"`
	Result         string               `json:"result" db:"result"`
	TotalFound     int                  `json:"total_found" db:"total_found"`
	TotalProcessed int                  `json:"total_processed" db:"total_processed"`
	Filter         domain.FilterConfig  `json:"filter" db:"filter"`
	Opportunities  []domain.Opportunity `json:"opportunities" db:"opportunities"`
	CreatedAt      time.Time            `json:"created_at" db:"created_at"`
}

// RunsRepo provides archived-analysis persistence.
type RunsRepo interface {
	// Insert archives a completed run and fills ID/CreatedAt.
	Insert(ctx context.Context, run *AnalysisRun) error

	// ListRecent retrieves the most recent runs, newest first.
	ListRecent(ctx context.Context, limit int) ([]AnalysisRun, error)

	// ListByKind retrieves runs of one kind within a time range, newest first.
	ListByKind(ctx context.Context, kind string, tr TimeRange, limit int) ([]AnalysisRun, error)

	// CountByKind returns run counts grouped by kind within a time range.
	CountByKind(ctx context.Context, tr TimeRange) (map[string]int64, error)
}

// Repository aggregates all persistence interfaces.
type Repository struct {
	Runs RunsRepo
}

// HealthCheck represents repository health status.
type HealthCheck struct {
	Healthy        bool           `json:"healthy"`
	Errors         []string       `json:"errors,omitempty"`
	ConnectionPool map[string]int `json:"connection_pool,omitempty"`
	LastCheck      time.Time      `json:"last_check"`
	ResponseTimeMS int64          `json:"response_time_ms"`
}

// RepositoryHealth reports persistence-layer health for the API surface.
type RepositoryHealth interface {
	// Health pings the database and snapshots connection-pool usage.
	Health(ctx context.Context) HealthCheck
}
