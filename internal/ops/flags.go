package ops

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/bcfeed/bcfeed/internal/db"
	"github.com/bcfeed/bcfeed/internal/errors"
	"github.com/bcfeed/bcfeed/internal/preload"
)

// SetStarredInput contains parameters for the SetStarred operation.
type SetStarredInput struct {
	ID      string
	Starred bool
}

// SetStarredOutput contains the result of the SetStarred operation.
type SetStarredOutput struct {
	ID      string                 `json:"id"`
	Starred bool                   `json:"starred"`
	Preload *preload.RequestResult `json:"preload,omitempty"`

	// PreloadDeferred is set when no scheduler runs in this process; the
	// owning process's rescan, or the next scheduler start, picks it up.
	PreloadDeferred bool `json:"preload_deferred,omitempty"`
}

// SetStarred flags or unflags a release. Starring requests a preload.
// p may be nil when no scheduler runs in this process; the process owning
// the workers then picks the star up on its next rescan.
func SetStarred(ctx context.Context, database *sql.DB, p Preloader, input SetStarredInput) (*SetStarredOutput, error) {
	id := strings.TrimSpace(input.ID)
	if id == "" {
		return nil, errors.NewInvalidRequest("id is required")
	}
	if err := db.SetStarred(ctx, database, id, input.Starred); err != nil {
		return nil, err
	}

	out := &SetStarredOutput{ID: id, Starred: input.Starred}
	if !input.Starred {
		return out, nil
	}
	if p == nil {
		out.PreloadDeferred = true
		return out, nil
	}
	res, err := p.RequestPreload(ctx, []string{id})
	if err != nil {
		return nil, err
	}
	out.Preload = res
	return out, nil
}

// SetSeenInput contains parameters for the SetSeen operation.
type SetSeenInput struct {
	IDs  []string
	Seen bool
}

// SetSeenOutput contains the result of the SetSeen operation.
type SetSeenOutput struct {
	Updated int    `json:"updated"`
	Message string `json:"message"`
}

// SetSeen marks releases as seen or unseen. Unknown ids are ignored.
func SetSeen(ctx context.Context, database *sql.DB, input SetSeenInput) (*SetSeenOutput, error) {
	ids := cleanIDs(input.IDs)
	if len(ids) == 0 {
		return nil, errors.NewInvalidRequest("ids must not be empty")
	}
	if len(ids) > MaxSeenBatch {
		return nil, errors.NewInvalidRequest(fmt.Sprintf("at most %d ids per request", MaxSeenBatch))
	}

	n, err := db.SetSeen(ctx, database, ids, input.Seen)
	if err != nil {
		return nil, err
	}

	state := "seen"
	if !input.Seen {
		state = "unseen"
	}
	return &SetSeenOutput{
		Updated: n,
		Message: fmt.Sprintf("Marked %d %s as %s", n, plural(n, "release"), state),
	}, nil
}

// RetryOutput contains the result of the Retry operation.
type RetryOutput struct {
	ID          string `json:"id"`
	CacheStatus string `json:"cache_status"`
}

// Retry re-attempts a release stuck in ERROR.
func Retry(ctx context.Context, p Preloader, id string) (*RetryOutput, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, errors.NewInvalidRequest("id is required")
	}
	if p == nil {
		return nil, errors.NewConflict("preload scheduler is not running")
	}
	if err := p.Retry(ctx, id); err != nil {
		return nil, err
	}
	return &RetryOutput{ID: id, CacheStatus: "PRELOADING"}, nil
}
