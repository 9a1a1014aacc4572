package db

import (
	"context"
	"database/sql"
	"time"

	"github.com/bcfeed/bcfeed/internal/errors"
)

// IngestRun records one ingestion pass over a date range.
type IngestRun struct {
	ID         string
	RangeStart time.Time
	RangeEnd   time.Time
	Inserted   int
	Skipped    int
	Rejected   int
	Partial    bool
	Error      *string
	StartedAt  time.Time
	FinishedAt time.Time
}

// InsertIngestRun stores a finished run.
func InsertIngestRun(ctx context.Context, db *sql.DB, run *IngestRun) error {
	var errText sql.NullString
	if run.Error != nil {
		errText = sql.NullString{String: *run.Error, Valid: true}
	}

	query := `
		INSERT INTO ingest_runs (
			id, range_start, range_end, inserted, skipped, rejected, partial, error,
			started_at, finished_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := execWithRetry(ctx, db, query,
		run.ID, run.RangeStart.UnixMilli(), run.RangeEnd.UnixMilli(),
		run.Inserted, run.Skipped, run.Rejected, run.Partial, errText,
		run.StartedAt.UnixMilli(), run.FinishedAt.UnixMilli(),
	)
	if err != nil {
		return errors.NewInternal(err)
	}
	return nil
}

// ListIngestRuns returns the most recent runs first.
func ListIngestRuns(ctx context.Context, db *sql.DB, limit int) ([]IngestRun, error) {
	if limit <= 0 {
		limit = 20
	}
	query := `
		SELECT id, range_start, range_end, inserted, skipped, rejected, partial, error,
			started_at, finished_at
		FROM ingest_runs
		ORDER BY started_at DESC, id DESC
		LIMIT ?
	`
	rows, err := db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, errors.NewInternal(err)
	}
	defer rows.Close()

	var runs []IngestRun
	for rows.Next() {
		var (
			run                   IngestRun
			start, end            int64
			errText               sql.NullString
			startedAt, finishedAt int64
		)
		if err := rows.Scan(&run.ID, &start, &end, &run.Inserted, &run.Skipped, &run.Rejected,
			&run.Partial, &errText, &startedAt, &finishedAt); err != nil {
			return nil, errors.NewInternal(err)
		}
		run.RangeStart = time.UnixMilli(start).UTC()
		run.RangeEnd = time.UnixMilli(end).UTC()
		run.Error = fromNullString(errText)
		run.StartedAt = time.UnixMilli(startedAt).UTC()
		run.FinishedAt = time.UnixMilli(finishedAt).UTC()
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.NewInternal(err)
	}
	return runs, nil
}
