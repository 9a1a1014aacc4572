package ops

import (
	"context"
	"database/sql"
	"time"

	"github.com/bcfeed/bcfeed/internal/db"
	"github.com/bcfeed/bcfeed/internal/errors"
	"github.com/bcfeed/bcfeed/internal/preload"
	"github.com/bcfeed/bcfeed/internal/release"
)

// StatusInput optionally restricts the counts to a range.
type StatusInput struct {
	After  string
	Before string
}

// StatusOutput contains the result of the Status operation.
type StatusOutput struct {
	Counts    map[release.CacheStatus]int `json:"counts"`
	Total     int                         `json:"total"`
	Epoch     int64                       `json:"epoch"`
	Scheduler *preload.Stats              `json:"scheduler,omitempty"`
}

// Status reports how many releases are in each cache state.
func Status(ctx context.Context, database *sql.DB, p Preloader, input StatusInput) (*StatusOutput, error) {
	var rng *release.DateRange
	if input.After != "" || input.Before != "" {
		r, err := ParseRange(input.After, input.Before)
		if err != nil {
			return nil, err
		}
		rng = &r
	}

	counts, err := db.CountByStatus(ctx, database, rng)
	if err != nil {
		return nil, err
	}
	epoch, err := db.CurrentEpoch(ctx, database)
	if err != nil {
		return nil, err
	}

	out := &StatusOutput{Counts: counts, Epoch: epoch}
	for _, n := range counts {
		out.Total += n
	}
	if p != nil {
		stats := p.Stats()
		out.Scheduler = &stats
	}
	return out, nil
}

// IngestRunsInput contains parameters for the IngestRuns operation.
type IngestRunsInput struct {
	Limit int // default: 20, max: 200
}

// RunView is the projection of one ingestion run.
type RunView struct {
	ID         string  `json:"id"`
	After      string  `json:"after"`
	Before     string  `json:"before"`
	Inserted   int     `json:"inserted"`
	Skipped    int     `json:"skipped"`
	Rejected   int     `json:"rejected"`
	Partial    bool    `json:"partial"`
	Error      *string `json:"error,omitempty"`
	StartedAt  string  `json:"started_at"`
	DurationMs int64   `json:"duration_ms"`
}

// IngestRunsOutput contains the result of the IngestRuns operation.
type IngestRunsOutput struct {
	Runs []RunView `json:"runs"`
}

// IngestRuns lists recent ingestion runs, newest first.
func IngestRuns(ctx context.Context, database *sql.DB, input IngestRunsInput) (*IngestRunsOutput, error) {
	if input.Limit < 0 {
		return nil, errors.NewInvalidRequest("limit must not be negative")
	}
	limit := input.Limit
	if limit == 0 {
		limit = DefaultRunsLimit
	}
	limit = min(limit, MaxRunsLimit)

	runs, err := db.ListIngestRuns(ctx, database, limit)
	if err != nil {
		return nil, err
	}

	out := &IngestRunsOutput{Runs: make([]RunView, len(runs))}
	for i, r := range runs {
		out.Runs[i] = RunView{
			ID:         r.ID,
			After:      r.RangeStart.Format(time.RFC3339),
			Before:     r.RangeEnd.Format(time.RFC3339),
			Inserted:   r.Inserted,
			Skipped:    r.Skipped,
			Rejected:   r.Rejected,
			Partial:    r.Partial,
			Error:      r.Error,
			StartedAt:  r.StartedAt.Format(time.RFC3339),
			DurationMs: r.FinishedAt.Sub(r.StartedAt).Milliseconds(),
		}
	}
	return out, nil
}
