// Package mailsource adapts mailboxes into streams of raw release records.
package mailsource

import (
	"context"
	"fmt"
	"iter"
	"os"

	"github.com/bcfeed/bcfeed/internal/config"
	"github.com/bcfeed/bcfeed/internal/release"
)

// Source yields raw release records for notifications received in a range.
// A yielded error ends the stream; records yielded before it stand.
type Source interface {
	Messages(ctx context.Context, rng release.DateRange) iter.Seq2[release.RawRecord, error]
	Close() error
}

// Open selects the adapter named by cfg. The path must exist.
func Open(cfg config.MailSource) (Source, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("mail_source.path is not configured")
	}
	info, err := os.Stat(cfg.Path)
	if err != nil {
		return nil, err
	}

	switch cfg.Kind {
	case "file":
		if info.IsDir() {
			return nil, fmt.Errorf("%s is a directory, expected a YAML export file", cfg.Path)
		}
		return NewFileSource(cfg.Path), nil
	case "", "maildir":
		if !info.IsDir() {
			return nil, fmt.Errorf("%s is not a directory", cfg.Path)
		}
		return NewMaildirSource(cfg.Path), nil
	default:
		return nil, fmt.Errorf("unknown mail source kind %q", cfg.Kind)
	}
}

// MemorySource serves records from memory without range filtering. When Err
// is set, it is yielded after the first FailAfter records.
type MemorySource struct {
	Records   []release.RawRecord
	FailAfter int
	Err       error
}

func (m *MemorySource) Messages(ctx context.Context, rng release.DateRange) iter.Seq2[release.RawRecord, error] {
	return func(yield func(release.RawRecord, error) bool) {
		for i, rec := range m.Records {
			if m.Err != nil && i >= m.FailAfter {
				yield(nil, m.Err)
				return
			}
			if err := ctx.Err(); err != nil {
				yield(nil, err)
				return
			}
			if !yield(rec, nil) {
				return
			}
		}
		if m.Err != nil && m.FailAfter >= len(m.Records) {
			yield(nil, m.Err)
		}
	}
}

func (m *MemorySource) Close() error { return nil }

// inRange reports whether rec should be yielded for rng. Records whose
// timestamp cannot be read are passed through for the ingestor to reject.
func inRange(rec release.RawRecord, rng release.DateRange) bool {
	r, err := rec.ToRelease()
	if err != nil {
		return true
	}
	return rng.Contains(r.ReceivedAt)
}
