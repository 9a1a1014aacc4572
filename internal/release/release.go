package release

import (
	"crypto/sha1"
	"encoding/hex"
	"strings"
	"time"
)

// CacheStatus is the enrichment state of a release's detail payload.
type CacheStatus string

const (
	StatusEmpty      CacheStatus = "EMPTY"
	StatusPreloading CacheStatus = "PRELOADING"
	StatusCached     CacheStatus = "CACHED"
	StatusError      CacheStatus = "ERROR"
)

// Valid reports whether s is one of the four known states.
func (s CacheStatus) Valid() bool {
	switch s {
	case StatusEmpty, StatusPreloading, StatusCached, StatusError:
		return true
	}
	return false
}

// ParseStatus parses a status name case-insensitively.
func ParseStatus(s string) (CacheStatus, bool) {
	st := CacheStatus(strings.ToUpper(strings.TrimSpace(s)))
	return st, st.Valid()
}

// Release is one discovered album or track announcement.
type Release struct {
	// ID is derived from the source message identifier and is the dedup key
	ID string

	// MessageID is the notification's message identifier as received
	MessageID string

	Artist    string
	Title     string
	SourceURL string

	// PageName is the sending page (label or artist page), may differ from Artist
	PageName string

	// IsTrack is true when SourceURL points at a single track rather than an album
	IsTrack bool

	// ReceivedAt is the notification timestamp (millisecond precision)
	ReceivedAt time.Time

	Seen    bool
	Starred bool

	CacheStatus CacheStatus

	// CachedPayload is present iff CacheStatus is CACHED
	CachedPayload []byte

	// PayloadType is the Content-Type reported by the remote page
	PayloadType string

	CachedAt *time.Time

	// LastError is present iff CacheStatus is ERROR
	LastError *string

	RetryCount int

	CreatedAt time.Time
	UpdatedAt time.Time
}

// DeriveID returns the stable release id for a message identifier.
// Surrounding whitespace and angle brackets are ignored so that
// "<abc@mail>" and "abc@mail" map to the same release.
func DeriveID(messageID string) string {
	norm := strings.TrimSpace(messageID)
	norm = strings.TrimPrefix(norm, "<")
	norm = strings.TrimSuffix(norm, ">")
	sum := sha1.Sum([]byte(strings.TrimSpace(norm)))
	return hex.EncodeToString(sum[:])[:20]
}
