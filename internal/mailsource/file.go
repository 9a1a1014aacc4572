package mailsource

import (
	"context"
	"fmt"
	"iter"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/bcfeed/bcfeed/internal/release"
)

// FileSource reads a YAML mailbox export:
//
//	messages:
//	  - message_id: "<abc@mail>"
//	    artist: Some Artist
//	    title: Some Album
//	    source_url: https://someartist.bandcamp.com/album/some-album
//	    received_at: 2024-01-15T10:00:00Z
//
// Entries are loosely typed; validation is left to the ingestor.
type FileSource struct {
	path string
}

type exportFile struct {
	Messages []map[string]any `yaml:"messages"`
}

// NewFileSource creates a source over the export at path.
func NewFileSource(path string) *FileSource {
	return &FileSource{path: path}
}

func (s *FileSource) Messages(ctx context.Context, rng release.DateRange) iter.Seq2[release.RawRecord, error] {
	return func(yield func(release.RawRecord, error) bool) {
		f, err := os.Open(s.path)
		if err != nil {
			yield(nil, err)
			return
		}
		defer f.Close()

		var doc exportFile
		if err := yaml.NewDecoder(f).Decode(&doc); err != nil {
			yield(nil, fmt.Errorf("decode %s: %w", s.path, err))
			return
		}

		for _, m := range doc.Messages {
			if err := ctx.Err(); err != nil {
				yield(nil, err)
				return
			}
			rec := release.RawRecord(m)
			if !inRange(rec, rng) {
				continue
			}
			if !yield(rec, nil) {
				return
			}
		}
	}
}

func (s *FileSource) Close() error { return nil }
