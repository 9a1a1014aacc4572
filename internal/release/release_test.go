package release

import (
	"errors"
	"testing"
	"time"
)

func TestDeriveID(t *testing.T) {
	a := DeriveID("<abc123@mail.example>")
	b := DeriveID("  abc123@mail.example ")
	if a != b {
		t.Errorf("DeriveID should ignore brackets and whitespace: %q != %q", a, b)
	}
	if len(a) != 20 {
		t.Errorf("len(DeriveID) = %d, want 20", len(a))
	}
	if DeriveID("one@mail") == DeriveID("two@mail") {
		t.Error("distinct message ids must not collide")
	}
}

func TestParseStatus(t *testing.T) {
	tests := []struct {
		in   string
		want CacheStatus
		ok   bool
	}{
		{"cached", StatusCached, true},
		{" ERROR ", StatusError, true},
		{"Preloading", StatusPreloading, true},
		{"empty", StatusEmpty, true},
		{"done", CacheStatus("DONE"), false},
	}
	for _, tt := range tests {
		got, ok := ParseStatus(tt.in)
		if got != tt.want || ok != tt.ok {
			t.Errorf("ParseStatus(%q) = %q, %v; want %q, %v", tt.in, got, ok, tt.want, tt.ok)
		}
	}
}

func TestDateRange(t *testing.T) {
	r, err := ParseRange("2024-01-01", "2024-02-01")
	if err != nil {
		t.Fatalf("ParseRange() error = %v", err)
	}

	jan1 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	feb1 := time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)

	if !r.Contains(jan1) {
		t.Error("range should include its start")
	}
	if r.Contains(feb1) {
		t.Error("range should exclude its end")
	}
	if !r.Contains(feb1.Add(-time.Second)) {
		t.Error("range should include the last second before end")
	}
}

func TestDateRange_FractionalSeconds(t *testing.T) {
	r, err := ParseRange("2024-01-01T00:00:00.5Z", "2024-01-01T00:00:01.5Z")
	if err != nil {
		t.Fatalf("ParseRange() error = %v", err)
	}
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	tests := []struct {
		offset time.Duration
		want   bool
	}{
		{400 * time.Millisecond, false},
		{500 * time.Millisecond, true},
		{700 * time.Millisecond, true},
		{1200 * time.Millisecond, true},
		{1499 * time.Millisecond, true},
		{1500 * time.Millisecond, false},
	}
	for _, tt := range tests {
		if got := r.Contains(base.Add(tt.offset)); got != tt.want {
			t.Errorf("Contains(+%v) = %v, want %v", tt.offset, got, tt.want)
		}
	}
}

func TestParseRange_Invalid(t *testing.T) {
	tests := []struct {
		name          string
		after, before string
	}{
		{"reversed", "2024-02-01", "2024-01-01"},
		{"empty interval", "2024-01-01", "2024-01-01"},
		{"bad after", "yesterday", "2024-01-01"},
		{"missing before", "2024-01-01", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ParseRange(tt.after, tt.before); err == nil {
				t.Error("ParseRange() expected error")
			}
		})
	}
}

func TestParseTime_RFC3339(t *testing.T) {
	got, err := ParseTime("2024-03-05T10:30:00+02:00")
	if err != nil {
		t.Fatalf("ParseTime() error = %v", err)
	}
	want := time.Date(2024, 3, 5, 8, 30, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Errorf("ParseTime() = %v, want %v", got, want)
	}
}

func validRaw() RawRecord {
	return RawRecord{
		"message_id":  "<m1@mail>",
		"artist":      "Artist",
		"title":       "Title",
		"source_url":  "https://artist.bandcamp.com/album/title",
		"received_at": "2024-01-15T12:00:00Z",
	}
}

func TestToRelease_Valid(t *testing.T) {
	rel, err := validRaw().ToRelease()
	if err != nil {
		t.Fatalf("ToRelease() error = %v", err)
	}
	if rel.ID != DeriveID("m1@mail") {
		t.Errorf("ID = %q, want derived from message id", rel.ID)
	}
	if rel.CacheStatus != StatusEmpty {
		t.Errorf("CacheStatus = %q, want EMPTY", rel.CacheStatus)
	}
	if rel.IsTrack {
		t.Error("album URL should not be a track")
	}
	if rel.Seen || rel.Starred {
		t.Error("flags should default to false")
	}
}

func TestToRelease_ReceivedAtForms(t *testing.T) {
	want := time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC)
	forms := []any{
		want,
		"2024-01-15",
		"2024-01-15T00:00:00Z",
		want.Unix(),
		int(want.Unix()),
		float64(want.Unix()),
		"1705276800",
	}
	for _, v := range forms {
		raw := validRaw()
		raw["received_at"] = v
		rel, err := raw.ToRelease()
		if err != nil {
			t.Errorf("received_at %v (%T): error = %v", v, v, err)
			continue
		}
		if !rel.ReceivedAt.Equal(want) {
			t.Errorf("received_at %v (%T): got %v, want %v", v, v, rel.ReceivedAt, want)
		}
	}
}

func TestToRelease_ArtistFallsBackToPageName(t *testing.T) {
	raw := validRaw()
	delete(raw, "artist")
	raw["page_name"] = "Some Label"
	raw["source_url"] = "https://label.bandcamp.com/track/song"

	rel, err := raw.ToRelease()
	if err != nil {
		t.Fatalf("ToRelease() error = %v", err)
	}
	if rel.Artist != "Some Label" {
		t.Errorf("Artist = %q, want page name", rel.Artist)
	}
	if !rel.IsTrack {
		t.Error("track URL should set IsTrack")
	}
}

func TestToRelease_Rejects(t *testing.T) {
	tests := []struct {
		name  string
		edit  func(RawRecord)
		field string
	}{
		{"missing message id", func(r RawRecord) { delete(r, "message_id") }, "message_id"},
		{"blank message id", func(r RawRecord) { r["message_id"] = "  " }, "message_id"},
		{"numeric message id", func(r RawRecord) { r["message_id"] = 42 }, "message_id"},
		{"missing url", func(r RawRecord) { delete(r, "source_url") }, "source_url"},
		{"relative url", func(r RawRecord) { r["source_url"] = "/album/x" }, "source_url"},
		{"ftp url", func(r RawRecord) { r["source_url"] = "ftp://host/album/x" }, "source_url"},
		{"missing received_at", func(r RawRecord) { delete(r, "received_at") }, "received_at"},
		{"garbage received_at", func(r RawRecord) { r["received_at"] = "last tuesday" }, "received_at"},
		{"bool received_at", func(r RawRecord) { r["received_at"] = true }, "received_at"},
		{"non-string artist", func(r RawRecord) { r["artist"] = []string{"a"} }, "artist"},
		{"non-bool is_track", func(r RawRecord) { r["is_track"] = "yes" }, "is_track"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw := validRaw()
			tt.edit(raw)
			_, err := raw.ToRelease()
			var rej *RejectError
			if !errors.As(err, &rej) {
				t.Fatalf("ToRelease() error = %v, want *RejectError", err)
			}
			if rej.Field != tt.field {
				t.Errorf("Field = %q, want %q", rej.Field, tt.field)
			}
		})
	}
}
