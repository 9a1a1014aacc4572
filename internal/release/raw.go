package release

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// RawRecord is one loosely typed record as produced by a mail source.
// Recognised keys: message_id, artist, title, source_url, received_at,
// page_name, is_track.
type RawRecord map[string]any

// RejectError explains why a raw record could not become a Release.
type RejectError struct {
	Field  string
	Reason string
}

func (e *RejectError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

func reject(field, format string, args ...any) *RejectError {
	return &RejectError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// ToRelease validates the record and builds an EMPTY Release candidate.
func (raw RawRecord) ToRelease() (*Release, error) {
	messageID, err := raw.requiredString("message_id")
	if err != nil {
		return nil, err
	}

	sourceURL, err := raw.requiredString("source_url")
	if err != nil {
		return nil, err
	}
	u, perr := url.Parse(sourceURL)
	if perr != nil || !u.IsAbs() || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, reject("source_url", "must be an absolute http(s) URL, got %q", sourceURL)
	}

	receivedAt, err := raw.receivedAt()
	if err != nil {
		return nil, err
	}

	artist, err := raw.optionalString("artist")
	if err != nil {
		return nil, err
	}
	title, err := raw.optionalString("title")
	if err != nil {
		return nil, err
	}
	pageName, err := raw.optionalString("page_name")
	if err != nil {
		return nil, err
	}
	if artist == "" {
		artist = pageName
	}

	isTrack := strings.Contains(u.Path, "/track/")
	if v, ok := raw["is_track"]; ok && v != nil {
		b, ok := v.(bool)
		if !ok {
			return nil, reject("is_track", "must be a boolean, got %T", v)
		}
		isTrack = b
	}

	return &Release{
		ID:          DeriveID(messageID),
		MessageID:   messageID,
		Artist:      artist,
		Title:       title,
		SourceURL:   sourceURL,
		PageName:    pageName,
		IsTrack:     isTrack,
		ReceivedAt:  receivedAt.UTC().Truncate(time.Millisecond),
		CacheStatus: StatusEmpty,
	}, nil
}

func (raw RawRecord) requiredString(key string) (string, error) {
	v, ok := raw[key]
	if !ok || v == nil {
		return "", reject(key, "missing")
	}
	s, ok := v.(string)
	if !ok {
		return "", reject(key, "must be a string, got %T", v)
	}
	s = strings.TrimSpace(s)
	if s == "" {
		return "", reject(key, "empty")
	}
	return s, nil
}

func (raw RawRecord) optionalString(key string) (string, error) {
	v, ok := raw[key]
	if !ok || v == nil {
		return "", nil
	}
	s, ok := v.(string)
	if !ok {
		return "", reject(key, "must be a string, got %T", v)
	}
	return strings.TrimSpace(s), nil
}

func (raw RawRecord) receivedAt() (time.Time, error) {
	v, ok := raw["received_at"]
	if !ok || v == nil {
		return time.Time{}, reject("received_at", "missing")
	}
	switch t := v.(type) {
	case time.Time:
		if t.IsZero() {
			return time.Time{}, reject("received_at", "zero time")
		}
		return t, nil
	case string:
		if secs, err := strconv.ParseInt(strings.TrimSpace(t), 10, 64); err == nil {
			return time.Unix(secs, 0), nil
		}
		parsed, err := ParseTime(t)
		if err != nil {
			return time.Time{}, reject("received_at", "%v", err)
		}
		return parsed, nil
	case int:
		return time.Unix(int64(t), 0), nil
	case int64:
		return time.Unix(t, 0), nil
	case float64:
		return time.Unix(int64(t), 0), nil
	default:
		return time.Time{}, reject("received_at", "unsupported type %T", v)
	}
}
