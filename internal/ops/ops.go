package ops

import (
	"context"
	"strings"
	"time"

	"github.com/bcfeed/bcfeed/internal/errors"
	"github.com/bcfeed/bcfeed/internal/ingest"
	"github.com/bcfeed/bcfeed/internal/preload"
	"github.com/bcfeed/bcfeed/internal/release"
)

// Pagination limits
const (
	MaxQueryLimit       = 500
	DefaultRunsLimit    = 20
	MaxRunsLimit        = 200
	MaxSeenBatch        = 1000
	MaxPreloadBatchSize = 1000
)

// Pagination contains pagination metadata for query operations.
type Pagination struct {
	Limit   int  `json:"limit"`
	Offset  int  `json:"offset"`
	HasMore bool `json:"has_more"`
	Total   int  `json:"total"`
}

// Preloader is the part of the preload scheduler the operations drive.
type Preloader interface {
	RequestPreload(ctx context.Context, ids []string) (*preload.RequestResult, error)
	RequestPreloadRange(ctx context.Context, rng release.DateRange) (*preload.RequestResult, error)
	Retry(ctx context.Context, id string) error
	ResetCache(ctx context.Context) (int64, error)
	ResetAll(ctx context.Context) (int64, int, error)
	Stats() preload.Stats
}

// Ingester runs ingestion for a date range.
type Ingester interface {
	Ingest(ctx context.Context, rng release.DateRange) (*ingest.Result, error)
}

// ParseRange validates "after"/"before" bounds (YYYY-MM-DD or RFC3339).
func ParseRange(after, before string) (release.DateRange, error) {
	if strings.TrimSpace(after) == "" || strings.TrimSpace(before) == "" {
		return release.DateRange{}, errors.NewInvalidRequest("after and before are required")
	}
	rng, err := release.ParseRange(after, before)
	if err != nil {
		return release.DateRange{}, errors.NewInvalidRequest(err.Error())
	}
	return rng, nil
}

// ReleaseView is the dashboard projection of a release.
type ReleaseView struct {
	ID          string              `json:"id"`
	MessageID   string              `json:"message_id"`
	Artist      string              `json:"artist"`
	Title       string              `json:"title"`
	SourceURL   string              `json:"source_url"`
	PageName    string              `json:"page_name,omitempty"`
	IsTrack     bool                `json:"is_track"`
	ReceivedAt  string              `json:"received_at"`
	Seen        bool                `json:"seen"`
	Starred     bool                `json:"starred"`
	CacheStatus release.CacheStatus `json:"cache_status"`
	PayloadType string              `json:"payload_type,omitempty"`
	CachedAt    *string             `json:"cached_at,omitempty"`
	LastError   *string             `json:"last_error,omitempty"`
	RetryCount  int                 `json:"retry_count"`

	// Payload is only filled when explicitly requested
	Payload []byte `json:"payload,omitempty"`
}

// NewReleaseView projects r. The payload is copied only when withPayload is set.
func NewReleaseView(r *release.Release, withPayload bool) ReleaseView {
	v := ReleaseView{
		ID:          r.ID,
		MessageID:   r.MessageID,
		Artist:      r.Artist,
		Title:       r.Title,
		SourceURL:   r.SourceURL,
		PageName:    r.PageName,
		IsTrack:     r.IsTrack,
		ReceivedAt:  r.ReceivedAt.UTC().Format(time.RFC3339),
		Seen:        r.Seen,
		Starred:     r.Starred,
		CacheStatus: r.CacheStatus,
		PayloadType: r.PayloadType,
		LastError:   r.LastError,
		RetryCount:  r.RetryCount,
	}
	if r.CachedAt != nil {
		s := r.CachedAt.UTC().Format(time.RFC3339)
		v.CachedAt = &s
	}
	if withPayload {
		v.Payload = r.CachedPayload
	}
	return v
}

func cleanIDs(ids []string) []string {
	out := make([]string, 0, len(ids))
	seen := make(map[string]bool, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}

func plural(n int, word string) string {
	if n == 1 {
		return word
	}
	return word + "s"
}
