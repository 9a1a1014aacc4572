package ops

import (
	"context"
	"database/sql"
	"strings"

	"github.com/bcfeed/bcfeed/internal/db"
	"github.com/bcfeed/bcfeed/internal/errors"
	"github.com/bcfeed/bcfeed/internal/release"
)

// QueryInput contains parameters for the Query operation.
type QueryInput struct {
	After          string // required
	Before         string // required, exclusive
	StarredOnly    bool
	UnseenOnly     bool
	Status         string // optional cache status filter
	IncludePayload bool
	Limit          int // 0 returns the whole range, max 500 otherwise
	Offset         int
}

// QueryOutput contains the result of the Query operation.
type QueryOutput struct {
	Items      []ReleaseView `json:"items"`
	Pagination Pagination    `json:"pagination"`
	Sort       string        `json:"sort"`
}

// Query lists releases received in a range, newest first.
func Query(ctx context.Context, database *sql.DB, input QueryInput) (*QueryOutput, error) {
	rng, err := ParseRange(input.After, input.Before)
	if err != nil {
		return nil, err
	}

	filters := release.Filters{StarredOnly: input.StarredOnly, UnseenOnly: input.UnseenOnly}
	if strings.TrimSpace(input.Status) != "" {
		status, ok := release.ParseStatus(input.Status)
		if !ok {
			return nil, errors.NewInvalidRequest("status must be one of EMPTY, PRELOADING, CACHED, ERROR")
		}
		filters.Status = status
	}

	if input.Limit < 0 {
		return nil, errors.NewInvalidRequest("limit must not be negative")
	}
	limit := min(input.Limit, MaxQueryLimit)
	offset := max(input.Offset, 0)

	total, err := db.CountRange(ctx, database, rng, filters)
	if err != nil {
		return nil, err
	}
	rows, err := db.QueryRange(ctx, database, rng, filters, db.Page{Limit: limit, Offset: offset}, input.IncludePayload)
	if err != nil {
		return nil, err
	}

	items := make([]ReleaseView, len(rows))
	for i := range rows {
		items[i] = NewReleaseView(&rows[i], input.IncludePayload)
	}

	return &QueryOutput{
		Items: items,
		Pagination: Pagination{
			Limit:   limit,
			Offset:  offset,
			HasMore: offset+len(items) < total,
			Total:   total,
		},
		Sort: "received_at_desc",
	}, nil
}

// GetInput contains parameters for the Get operation.
type GetInput struct {
	ID             string
	IncludePayload bool
}

// Get retrieves a single release.
func Get(ctx context.Context, database *sql.DB, input GetInput) (*ReleaseView, error) {
	id := strings.TrimSpace(input.ID)
	if id == "" {
		return nil, errors.NewInvalidRequest("id is required")
	}
	r, err := db.GetByID(ctx, database, id)
	if err != nil {
		return nil, err
	}
	v := NewReleaseView(r, input.IncludePayload)
	return &v, nil
}

// PayloadOutput is a cached detail page, exactly as fetched.
type PayloadOutput struct {
	ID          string
	ContentType string
	Body        []byte
}

// Payload returns the cached payload of a CACHED release.
func Payload(ctx context.Context, database *sql.DB, id string) (*PayloadOutput, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, errors.NewInvalidRequest("id is required")
	}
	r, err := db.GetByID(ctx, database, id)
	if err != nil {
		return nil, err
	}
	if r.CacheStatus != release.StatusCached {
		return nil, errors.NewInvalidState(id, string(r.CacheStatus), string(release.StatusCached))
	}
	return &PayloadOutput{ID: id, ContentType: r.PayloadType, Body: r.CachedPayload}, nil
}
