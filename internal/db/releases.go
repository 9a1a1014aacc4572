package db

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/bcfeed/bcfeed/internal/errors"
	"github.com/bcfeed/bcfeed/internal/release"
)

// Page limits a range query. Limit 0 means no limit.
type Page struct {
	Limit  int
	Offset int
}

const releaseColumns = `
	id, message_id, artist, title, source_url, page_name, is_track,
	received_at, seen, starred, cache_status, cached_payload, payload_type,
	cached_at, last_error, retry_count, created_at, updated_at
`

// summaryColumns selects everything except the payload blob.
const summaryColumns = `
	id, message_id, artist, title, source_url, page_name, is_track,
	received_at, seen, starred, cache_status, NULL, payload_type,
	cached_at, last_error, retry_count, created_at, updated_at
`

// InsertIfAbsent stores r unless a release with the same id or the same
// source URL exists. An existing row is never modified. Returns true if a
// row was inserted.
func InsertIfAbsent(ctx context.Context, db *sql.DB, r *release.Release) (bool, error) {
	now := time.Now().Unix()

	query := `
		INSERT INTO releases (
			id, message_id, artist, title, source_url, page_name, is_track,
			received_at, seen, starred, cache_status, retry_count,
			created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0, 0, 'EMPTY', 0, ?, ?)
		ON CONFLICT DO NOTHING
	`

	res, err := execWithRetry(ctx, db, query,
		r.ID, r.MessageID, r.Artist, r.Title, r.SourceURL, r.PageName, r.IsTrack,
		r.ReceivedAt.UnixMilli(), now, now,
	)
	if err != nil {
		return false, errors.NewInternal(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, errors.NewInternal(err)
	}
	return n == 1, nil
}

// GetByID retrieves a release including its cached payload.
func GetByID(ctx context.Context, db *sql.DB, id string) (*release.Release, error) {
	query := `SELECT ` + releaseColumns + ` FROM releases WHERE id = ?`

	r, err := scanRelease(db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, errors.NewNotFound(id)
	}
	if err != nil {
		return nil, errors.NewInternal(err)
	}
	return r, nil
}

// rangeWhere builds the WHERE clause shared by range queries and counts.
func rangeWhere(rng release.DateRange, f release.Filters) (string, []any) {
	clauses := []string{"received_at >= ?", "received_at < ?"}
	args := []any{rng.Start.UnixMilli(), rng.End.UnixMilli()}

	if f.StarredOnly {
		clauses = append(clauses, "starred = 1")
	}
	if f.UnseenOnly {
		clauses = append(clauses, "seen = 0")
	}
	if f.Status != "" {
		clauses = append(clauses, "cache_status = ?")
		args = append(args, string(f.Status))
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

// QueryRange returns releases with receivedAt in [start, end) ordered newest first.
// Payloads are loaded only when withPayload is set.
func QueryRange(ctx context.Context, db *sql.DB, rng release.DateRange, f release.Filters, page Page, withPayload bool) ([]release.Release, error) {
	cols := summaryColumns
	if withPayload {
		cols = releaseColumns
	}
	where, args := rangeWhere(rng, f)
	query := `SELECT ` + cols + ` FROM releases` + where + ` ORDER BY received_at DESC, id ASC`
	if page.Limit > 0 {
		query += ` LIMIT ? OFFSET ?`
		args = append(args, page.Limit, page.Offset)
	} else if page.Offset > 0 {
		query += ` LIMIT -1 OFFSET ?`
		args = append(args, page.Offset)
	}

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.NewInternal(err)
	}
	defer rows.Close()

	var out []release.Release
	for rows.Next() {
		r, err := scanRelease(rows)
		if err != nil {
			return nil, errors.NewInternal(err)
		}
		out = append(out, *r)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.NewInternal(err)
	}
	return out, nil
}

// CountRange counts releases matching the same predicate as QueryRange.
func CountRange(ctx context.Context, db *sql.DB, rng release.DateRange, f release.Filters) (int, error) {
	where, args := rangeWhere(rng, f)
	var n int
	if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM releases`+where, args...).Scan(&n); err != nil {
		return 0, errors.NewInternal(err)
	}
	return n, nil
}

// CountByStatus counts releases per cache state. A nil range counts everything.
func CountByStatus(ctx context.Context, db *sql.DB, rng *release.DateRange) (map[release.CacheStatus]int, error) {
	query := `SELECT cache_status, COUNT(*) FROM releases`
	var args []any
	if rng != nil {
		query += ` WHERE received_at >= ? AND received_at < ?`
		args = append(args, rng.Start.UnixMilli(), rng.End.UnixMilli())
	}
	query += ` GROUP BY cache_status`

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.NewInternal(err)
	}
	defer rows.Close()

	counts := map[release.CacheStatus]int{
		release.StatusEmpty:      0,
		release.StatusPreloading: 0,
		release.StatusCached:     0,
		release.StatusError:      0,
	}
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, errors.NewInternal(err)
		}
		counts[release.CacheStatus(status)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, errors.NewInternal(err)
	}
	return counts, nil
}

// IDsForPreload lists releases in range whose status is not CACHED, newest first.
func IDsForPreload(ctx context.Context, db *sql.DB, rng release.DateRange) ([]string, error) {
	query := `
		SELECT id FROM releases
		WHERE received_at >= ? AND received_at < ? AND cache_status != 'CACHED'
		ORDER BY received_at DESC, id ASC
	`
	return queryIDs(ctx, db, query, rng.Start.UnixMilli(), rng.End.UnixMilli())
}

// StarredAwaitingPreload lists starred releases that have never been fetched.
func StarredAwaitingPreload(ctx context.Context, db *sql.DB) ([]string, error) {
	query := `
		SELECT id FROM releases
		WHERE starred = 1 AND cache_status = 'EMPTY'
		ORDER BY received_at DESC, id ASC
	`
	return queryIDs(ctx, db, query)
}

func queryIDs(ctx context.Context, db *sql.DB, query string, args ...any) ([]string, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.NewInternal(err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, errors.NewInternal(err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.NewInternal(err)
	}
	return ids, nil
}

// CacheStatuses returns the cache state of each id that exists.
// Unknown ids are absent from the result.
func CacheStatuses(ctx context.Context, db *sql.DB, ids []string) (map[string]release.CacheStatus, error) {
	out := make(map[string]release.CacheStatus, len(ids))
	if len(ids) == 0 {
		return out, nil
	}

	placeholders, args := inClause(ids)
	query := `SELECT id, cache_status FROM releases WHERE id IN (` + placeholders + `)`

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.NewInternal(err)
	}
	defer rows.Close()

	for rows.Next() {
		var id, status string
		if err := rows.Scan(&id, &status); err != nil {
			return nil, errors.NewInternal(err)
		}
		out[id] = release.CacheStatus(status)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.NewInternal(err)
	}
	return out, nil
}

// SetSeen sets the seen flag on every listed release. Returns the number updated.
func SetSeen(ctx context.Context, db *sql.DB, ids []string, seen bool) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	placeholders, idArgs := inClause(ids)
	args := append([]any{seen, time.Now().Unix()}, idArgs...)

	query := `UPDATE releases SET seen = ?, updated_at = ? WHERE id IN (` + placeholders + `)`
	res, err := execWithRetry(ctx, db, query, args...)
	if err != nil {
		return 0, errors.NewInternal(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, errors.NewInternal(err)
	}
	return int(n), nil
}

// SetStarred sets the starred flag on one release.
func SetStarred(ctx context.Context, db *sql.DB, id string, starred bool) error {
	query := `UPDATE releases SET starred = ?, updated_at = ? WHERE id = ?`
	res, err := execWithRetry(ctx, db, query, starred, time.Now().Unix(), id)
	if err != nil {
		return errors.NewInternal(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errors.NewInternal(err)
	}
	if n == 0 {
		return errors.NewNotFound(id)
	}
	return nil
}

func inClause(ids []string) (string, []any) {
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	return strings.TrimSuffix(strings.Repeat("?,", len(ids)), ","), args
}

type scanner interface {
	Scan(dest ...any) error
}

// scanRelease scans a single row into a Release struct.
func scanRelease(row scanner) (*release.Release, error) {
	var (
		r           release.Release
		receivedAt  int64
		status      string
		payload     []byte
		payloadType sql.NullString
		cachedAt    sql.NullInt64
		lastError   sql.NullString
		createdAt   int64
		updatedAt   int64
	)

	err := row.Scan(
		&r.ID, &r.MessageID, &r.Artist, &r.Title, &r.SourceURL, &r.PageName, &r.IsTrack,
		&receivedAt, &r.Seen, &r.Starred, &status, &payload, &payloadType,
		&cachedAt, &lastError, &r.RetryCount, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	r.ReceivedAt = time.UnixMilli(receivedAt).UTC()
	r.CacheStatus = release.CacheStatus(status)
	r.CachedPayload = payload
	r.PayloadType = payloadType.String
	if cachedAt.Valid {
		t := time.Unix(cachedAt.Int64, 0).UTC()
		r.CachedAt = &t
	}
	r.LastError = fromNullString(lastError)
	r.CreatedAt = time.Unix(createdAt, 0).UTC()
	r.UpdatedAt = time.Unix(updatedAt, 0).UTC()

	return &r, nil
}

// toNullString converts an optional string to sql.NullString.
func toNullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// fromNullString converts a sql.NullString to *string.
func fromNullString(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	return &ns.String
}
