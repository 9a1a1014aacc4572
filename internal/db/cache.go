package db

import (
	"context"
	"crypto/rand"
	"database/sql"
	stderrors "errors"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/bcfeed/bcfeed/internal/errors"
	"github.com/bcfeed/bcfeed/internal/release"
)

var (
	// ErrNotClaimable means the release is not EMPTY/ERROR or the epoch moved on.
	ErrNotClaimable = stderrors.New("release not claimable")

	// ErrStaleClaim means a write-back lost its claim, usually to a cache reset.
	ErrStaleClaim = stderrors.New("stale claim")
)

// Claim is a worker's exclusive right to fetch one release.
// Write-backs succeed only while the row still carries Token.
type Claim struct {
	ReleaseID string
	Token     string
	Epoch     int64
	SourceURL string
}

// Payload is a fetched detail body stored verbatim.
type Payload struct {
	Body        []byte
	ContentType string
}

// FailureOutcome reports the row state after a failed attempt.
type FailureOutcome struct {
	RetryCount int
	Terminal   bool
}

func newToken() string {
	return ulid.MustNew(ulid.Timestamp(time.Now()), ulid.Monotonic(rand.Reader, 0)).String()
}

// CurrentEpoch returns the cache epoch. Every reset increments it.
func CurrentEpoch(ctx context.Context, db *sql.DB) (int64, error) {
	var epoch int64
	err := db.QueryRowContext(ctx, `SELECT value FROM store_meta WHERE key = 'cache_epoch'`).Scan(&epoch)
	if err != nil {
		return 0, errors.NewInternal(err)
	}
	return epoch, nil
}

// ClaimRelease moves a release from EMPTY or ERROR to PRELOADING, provided the
// cache epoch still equals epoch. Returns ErrNotClaimable otherwise.
func ClaimRelease(ctx context.Context, db *sql.DB, id string, epoch int64) (*Claim, error) {
	return claim(ctx, db, id, epoch, `cache_status IN ('EMPTY', 'ERROR')`)
}

// ClaimForRetry is the manual retry path: only ERROR releases qualify.
// Returns NotFound or an invalid-state conflict when the release cannot be retried.
func ClaimForRetry(ctx context.Context, db *sql.DB, id string, epoch int64) (*Claim, error) {
	c, err := claim(ctx, db, id, epoch, `cache_status = 'ERROR'`)
	if err == nil || !stderrors.Is(err, ErrNotClaimable) {
		return c, err
	}

	r, gerr := GetByID(ctx, db, id)
	if gerr != nil {
		return nil, gerr
	}
	if r.CacheStatus != release.StatusError {
		return nil, errors.NewInvalidState(id, string(r.CacheStatus), string(release.StatusError))
	}
	return nil, errors.NewConflict("cache was reset while retrying; try again")
}

func claim(ctx context.Context, db *sql.DB, id string, epoch int64, statusPredicate string) (*Claim, error) {
	c := &Claim{ReleaseID: id, Token: newToken(), Epoch: epoch}

	query := `
		UPDATE releases
		SET cache_status = 'PRELOADING', claim_token = ?, claim_epoch = ?,
			retry_count = 0, last_error = NULL, updated_at = ?
		WHERE id = ? AND ` + statusPredicate + `
		  AND (SELECT value FROM store_meta WHERE key = 'cache_epoch') = ?
		RETURNING source_url
	`

	err := retryOnBusy(ctx, func() error {
		return db.QueryRowContext(ctx, query, c.Token, epoch, time.Now().Unix(), id, epoch).Scan(&c.SourceURL)
	})
	if err == sql.ErrNoRows {
		return nil, ErrNotClaimable
	}
	if err != nil {
		return nil, errors.NewInternal(err)
	}
	return c, nil
}

// CompleteFetch stores the payload and marks the release CACHED.
// Returns ErrStaleClaim if the claim was invalidated meanwhile.
func CompleteFetch(ctx context.Context, db *sql.DB, c *Claim, p Payload) error {
	body := p.Body
	if body == nil {
		body = []byte{}
	}
	now := time.Now().Unix()

	query := `
		UPDATE releases
		SET cache_status = 'CACHED', cached_payload = ?, payload_type = ?, cached_at = ?,
			last_error = NULL, retry_count = 0, claim_token = NULL, claim_epoch = NULL,
			updated_at = ?
		WHERE id = ? AND claim_token = ? AND cache_status = 'PRELOADING'
	`
	res, err := execWithRetry(ctx, db, query, body, toNullString(p.ContentType), now, now, c.ReleaseID, c.Token)
	if err != nil {
		return errors.NewInternal(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errors.NewInternal(err)
	}
	if n == 0 {
		return ErrStaleClaim
	}
	return nil
}

// RecordFetchFailure counts a failed attempt in one statement. When the
// attempt count reaches maxAttempts the release moves to ERROR with msg and
// the claim is released; otherwise it stays PRELOADING under the same claim.
func RecordFetchFailure(ctx context.Context, db *sql.DB, c *Claim, msg string, maxAttempts int) (*FailureOutcome, error) {
	if msg == "" {
		msg = "fetch failed"
	}
	query := `
		UPDATE releases
		SET retry_count = retry_count + 1,
			cache_status = CASE WHEN retry_count + 1 >= ? THEN 'ERROR' ELSE 'PRELOADING' END,
			last_error   = CASE WHEN retry_count + 1 >= ? THEN ? ELSE NULL END,
			claim_token  = CASE WHEN retry_count + 1 >= ? THEN NULL ELSE claim_token END,
			claim_epoch  = CASE WHEN retry_count + 1 >= ? THEN NULL ELSE claim_epoch END,
			updated_at = ?
		WHERE id = ? AND claim_token = ? AND cache_status = 'PRELOADING'
		RETURNING retry_count, cache_status
	`

	var (
		out    FailureOutcome
		status string
	)
	err := retryOnBusy(ctx, func() error {
		return db.QueryRowContext(ctx, query,
			maxAttempts, maxAttempts, msg, maxAttempts, maxAttempts,
			time.Now().Unix(), c.ReleaseID, c.Token,
		).Scan(&out.RetryCount, &status)
	})
	if err == sql.ErrNoRows {
		return nil, ErrStaleClaim
	}
	if err != nil {
		return nil, errors.NewInternal(err)
	}
	out.Terminal = status == string(release.StatusError)
	return &out, nil
}

// ReleaseClaim returns a claimed release to EMPTY, used when a worker
// shuts down before finishing. A stale claim is a no-op.
func ReleaseClaim(ctx context.Context, db *sql.DB, c *Claim) error {
	query := `
		UPDATE releases
		SET cache_status = 'EMPTY', retry_count = 0, claim_token = NULL, claim_epoch = NULL,
			updated_at = ?
		WHERE id = ? AND claim_token = ? AND cache_status = 'PRELOADING'
	`
	if _, err := execWithRetry(ctx, db, query, time.Now().Unix(), c.ReleaseID, c.Token); err != nil {
		return errors.NewInternal(err)
	}
	return nil
}

// RecoverOrphanedClaims resets every PRELOADING release to EMPTY and returns
// their ids. Only the process owning the worker pool may call this.
func RecoverOrphanedClaims(ctx context.Context, db *sql.DB) ([]string, error) {
	query := `
		UPDATE releases
		SET cache_status = 'EMPTY', retry_count = 0, claim_token = NULL, claim_epoch = NULL,
			updated_at = ?
		WHERE cache_status = 'PRELOADING'
		RETURNING id
	`
	var ids []string
	err := retryOnBusy(ctx, func() error {
		ids = ids[:0]
		rows, err := db.QueryContext(ctx, query, time.Now().Unix())
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				return err
			}
			ids = append(ids, id)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, errors.NewInternal(err)
	}
	return ids, nil
}

// ResetCache clears cached state on every release and bumps the epoch in the
// same transaction. Metadata and seen/starred flags are kept. Returns the new epoch.
func ResetCache(ctx context.Context, db *sql.DB) (int64, error) {
	var epoch int64
	err := withTx(ctx, db, func(tx *sql.Tx) error {
		var err error
		if epoch, err = bumpEpoch(ctx, tx); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE releases
			SET cache_status = 'EMPTY', cached_payload = NULL, payload_type = NULL, cached_at = NULL,
				last_error = NULL, retry_count = 0, claim_token = NULL, claim_epoch = NULL,
				updated_at = ?
			WHERE cache_status != 'EMPTY' OR retry_count != 0
		`, time.Now().Unix())
		return err
	})
	if err != nil {
		return 0, errors.NewInternal(err)
	}
	return epoch, nil
}

// ResetAll deletes every release and bumps the epoch. Ingestion history is kept.
// Returns the new epoch and the number of releases removed.
func ResetAll(ctx context.Context, db *sql.DB) (int64, int, error) {
	var (
		epoch   int64
		deleted int64
	)
	err := withTx(ctx, db, func(tx *sql.Tx) error {
		var err error
		if epoch, err = bumpEpoch(ctx, tx); err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, `DELETE FROM releases`)
		if err != nil {
			return err
		}
		deleted, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return 0, 0, errors.NewInternal(err)
	}
	return epoch, int(deleted), nil
}

// bumpEpoch is the first statement of a reset so the transaction takes the
// write lock up front.
func bumpEpoch(ctx context.Context, tx *sql.Tx) (int64, error) {
	var epoch int64
	err := tx.QueryRowContext(ctx,
		`UPDATE store_meta SET value = value + 1 WHERE key = 'cache_epoch' RETURNING value`,
	).Scan(&epoch)
	return epoch, err
}
