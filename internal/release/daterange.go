package release

import (
	"fmt"
	"strings"
	"time"
)

const dateLayout = "2006-01-02"

// DateRange is a half-open interval [Start, End) over ReceivedAt.
type DateRange struct {
	Start time.Time
	End   time.Time
}

// Contains reports whether t falls inside the range. Comparison is at
// millisecond precision, the precision releases are stored at.
func (r DateRange) Contains(t time.Time) bool {
	ms := t.UnixMilli()
	return ms >= r.Start.UnixMilli() && ms < r.End.UnixMilli()
}

// Validate checks that the range is non-empty and well ordered.
func (r DateRange) Validate() error {
	if r.Start.IsZero() || r.End.IsZero() {
		return fmt.Errorf("date range requires both start and end")
	}
	if !r.Start.Before(r.End) {
		return fmt.Errorf("date range start %s must be before end %s",
			r.Start.Format(time.RFC3339), r.End.Format(time.RFC3339))
	}
	return nil
}

// Key identifies the range for de-duplicating concurrent work on it.
func (r DateRange) Key() string {
	return fmt.Sprintf("%d-%d", r.Start.UnixMilli(), r.End.UnixMilli())
}

func (r DateRange) String() string {
	return fmt.Sprintf("[%s, %s)", r.Start.UTC().Format(time.RFC3339), r.End.UTC().Format(time.RFC3339))
}

// ParseTime accepts a calendar date (YYYY-MM-DD, midnight UTC) or an RFC3339 timestamp.
func ParseTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, fmt.Errorf("empty time")
	}
	if t, err := time.Parse(dateLayout, s); err == nil {
		return t.UTC(), nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid time %q: expected YYYY-MM-DD or RFC3339", s)
	}
	return t.UTC(), nil
}

// ParseRange builds a validated range from two textual bounds.
// A bare date for "before" is exclusive, so 2024-01-01..2024-02-01 covers January.
func ParseRange(after, before string) (DateRange, error) {
	start, err := ParseTime(after)
	if err != nil {
		return DateRange{}, fmt.Errorf("after: %w", err)
	}
	end, err := ParseTime(before)
	if err != nil {
		return DateRange{}, fmt.Errorf("before: %w", err)
	}
	r := DateRange{Start: start.Truncate(time.Millisecond), End: end.Truncate(time.Millisecond)}
	if err := r.Validate(); err != nil {
		return DateRange{}, err
	}
	return r, nil
}

// Filters narrow a range query.
type Filters struct {
	StarredOnly bool
	UnseenOnly  bool
	// Status restricts to one cache state when non-empty
	Status CacheStatus
}
