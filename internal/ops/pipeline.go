package ops

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/bcfeed/bcfeed/internal/db"
	"github.com/bcfeed/bcfeed/internal/errors"
	"github.com/bcfeed/bcfeed/internal/ingest"
	"github.com/bcfeed/bcfeed/internal/preload"
	"github.com/bcfeed/bcfeed/internal/release"
)

// IngestInput contains parameters for the Ingest operation.
type IngestInput struct {
	After  string
	Before string
}

// Ingest pulls notifications for a range from the mail source.
func Ingest(ctx context.Context, ing Ingester, input IngestInput) (*ingest.Result, error) {
	rng, err := ParseRange(input.After, input.Before)
	if err != nil {
		return nil, err
	}
	return ing.Ingest(ctx, rng)
}

// PreloadInput selects releases to preload: either IDs or a range.
type PreloadInput struct {
	IDs    []string
	After  string
	Before string
}

// PreloadOutput contains the result of the Preload operation.
type PreloadOutput struct {
	preload.RequestResult
	Requested int `json:"requested"`
}

// Preload asks the scheduler to fetch the selected releases.
func Preload(ctx context.Context, p Preloader, input PreloadInput) (*PreloadOutput, error) {
	ids := cleanIDs(input.IDs)
	hasRange := input.After != "" || input.Before != ""
	switch {
	case len(ids) > 0 && hasRange:
		return nil, errors.NewInvalidRequest("specify either ids or a date range, not both")
	case len(ids) == 0 && !hasRange:
		return nil, errors.NewInvalidRequest("specify ids or a date range")
	case len(ids) > MaxPreloadBatchSize:
		return nil, errors.NewInvalidRequest(fmt.Sprintf("at most %d ids per request", MaxPreloadBatchSize))
	}
	if p == nil {
		return nil, errors.NewConflict("preload scheduler is not running")
	}

	var (
		res *preload.RequestResult
		err error
	)
	if hasRange {
		var rng release.DateRange
		rng, err = ParseRange(input.After, input.Before)
		if err != nil {
			return nil, err
		}
		res, err = p.RequestPreloadRange(ctx, rng)
	} else {
		res, err = p.RequestPreload(ctx, ids)
	}
	if err != nil {
		return nil, err
	}

	return &PreloadOutput{
		RequestResult: *res,
		Requested:     res.Queued + res.Coalesced + res.AlreadyCached + res.NotFound,
	}, nil
}

// ResetInput guards the destructive reset operations.
type ResetInput struct {
	Confirm bool
}

// ResetOutput contains the result of a reset.
type ResetOutput struct {
	Epoch   int64  `json:"epoch"`
	Deleted int    `json:"deleted,omitempty"`
	Message string `json:"message"`
}

// ResetCache clears every cached payload and error, keeping releases and flags.
// Without a scheduler the store is reset directly.
func ResetCache(ctx context.Context, database *sql.DB, p Preloader, input ResetInput) (*ResetOutput, error) {
	if !input.Confirm {
		return nil, errors.NewInvalidRequest("reset_cache requires confirm")
	}

	var (
		epoch int64
		err   error
	)
	if p != nil {
		epoch, err = p.ResetCache(ctx)
	} else {
		epoch, err = db.ResetCache(ctx, database)
	}
	if err != nil {
		return nil, err
	}
	return &ResetOutput{Epoch: epoch, Message: "Cache cleared; all releases are EMPTY"}, nil
}

// ResetAll deletes every release.
func ResetAll(ctx context.Context, database *sql.DB, p Preloader, input ResetInput) (*ResetOutput, error) {
	if !input.Confirm {
		return nil, errors.NewInvalidRequest("reset_all requires confirm")
	}

	var (
		epoch   int64
		deleted int
		err     error
	)
	if p != nil {
		epoch, deleted, err = p.ResetAll(ctx)
	} else {
		epoch, deleted, err = db.ResetAll(ctx, database)
	}
	if err != nil {
		return nil, err
	}
	return &ResetOutput{
		Epoch:   epoch,
		Deleted: deleted,
		Message: fmt.Sprintf("Deleted %d %s", deleted, plural(deleted, "release")),
	}, nil
}
