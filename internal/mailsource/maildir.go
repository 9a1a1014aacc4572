package mailsource

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"io/fs"
	"iter"
	"mime"
	"mime/multipart"
	"mime/quotedprintable"
	"net/mail"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bcfeed/bcfeed/internal/release"
)

// MaildirSource reads notification emails stored as files: *.eml anywhere
// under the root, plus every file in maildir cur/ and new/ folders.
type MaildirSource struct {
	root string
}

// NewMaildirSource creates a source over the directory root.
func NewMaildirSource(root string) *MaildirSource {
	return &MaildirSource{root: root}
}

func (s *MaildirSource) Messages(ctx context.Context, rng release.DateRange) iter.Seq2[release.RawRecord, error] {
	return func(yield func(release.RawRecord, error) bool) {
		paths, err := s.messageFiles()
		if err != nil {
			yield(nil, err)
			return
		}

		for _, path := range paths {
			if err := ctx.Err(); err != nil {
				yield(nil, err)
				return
			}
			data, err := os.ReadFile(path)
			if err != nil {
				yield(nil, fmt.Errorf("read %s: %w", path, err))
				return
			}
			rec, ok := recordFromEmail(data, filepath.Base(path))
			if !ok || !inRange(rec, rng) {
				continue
			}
			if !yield(rec, nil) {
				return
			}
		}
	}
}

func (s *MaildirSource) Close() error { return nil }

func (s *MaildirSource) messageFiles() ([]string, error) {
	var paths []string
	err := filepath.WalkDir(s.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if strings.HasPrefix(d.Name(), ".") && path != s.root {
				return filepath.SkipDir
			}
			return nil
		}
		parent := filepath.Base(filepath.Dir(path))
		if strings.EqualFold(filepath.Ext(path), ".eml") || parent == "cur" || parent == "new" {
			paths = append(paths, path)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(paths)
	return paths, nil
}

// recordFromEmail converts one email into a raw record. Messages that are
// not release notifications report false. Notifications whose body cannot
// be parsed are returned without source_url so the ingestor rejects them.
func recordFromEmail(data []byte, fallbackID string) (release.RawRecord, bool) {
	msg, err := mail.ReadMessage(bytes.NewReader(data))
	if err != nil {
		return release.RawRecord{"message_id": fallbackID}, true
	}

	var dec mime.WordDecoder
	subject, err := dec.DecodeHeader(msg.Header.Get("Subject"))
	if err != nil {
		subject = msg.Header.Get("Subject")
	}
	if !strings.HasPrefix(strings.ToLower(strings.TrimSpace(subject)), ReleaseSubjectPrefix) {
		return nil, false
	}

	messageID := strings.TrimSpace(msg.Header.Get("Message-Id"))
	if messageID == "" {
		messageID = fallbackID
	}
	rec := release.RawRecord{"message_id": messageID}
	if date, err := msg.Header.Date(); err == nil {
		rec["received_at"] = date
	}

	body, err := htmlBody(msg)
	if err != nil {
		return rec, true
	}
	parsed, ok := ParseReleaseEmail(body, subject)
	if !ok {
		return rec, true
	}

	rec["source_url"] = parsed.SourceURL
	rec["is_track"] = parsed.IsTrack
	if parsed.Artist != "" {
		rec["artist"] = parsed.Artist
	}
	if parsed.Title != "" {
		rec["title"] = parsed.Title
	}
	if parsed.PageName != "" {
		rec["page_name"] = parsed.PageName
	}
	return rec, true
}

func htmlBody(msg *mail.Message) (string, error) {
	mediaType, params, err := mime.ParseMediaType(msg.Header.Get("Content-Type"))
	if err != nil {
		mediaType, params = "text/html", nil
	}
	return findHTML(mediaType, params, msg.Header.Get("Content-Transfer-Encoding"), msg.Body)
}

// findHTML returns the first text/html part, descending into multiparts.
func findHTML(mediaType string, params map[string]string, encoding string, r io.Reader) (string, error) {
	switch {
	case strings.HasPrefix(mediaType, "multipart/"):
		mr := multipart.NewReader(r, params["boundary"])
		for {
			part, err := mr.NextPart()
			if err == io.EOF {
				return "", nil
			}
			if err != nil {
				return "", err
			}
			mt, ps, err := mime.ParseMediaType(part.Header.Get("Content-Type"))
			if err != nil {
				continue
			}
			body, err := findHTML(mt, ps, part.Header.Get("Content-Transfer-Encoding"), part)
			if err == nil && body != "" {
				return body, nil
			}
		}
	case mediaType == "text/html":
		data, err := io.ReadAll(decodeTransfer(encoding, r))
		if err != nil {
			return "", err
		}
		return string(data), nil
	default:
		return "", nil
	}
}

func decodeTransfer(encoding string, r io.Reader) io.Reader {
	switch strings.ToLower(strings.TrimSpace(encoding)) {
	case "base64":
		return base64.NewDecoder(base64.StdEncoding, r)
	case "quoted-printable":
		return quotedprintable.NewReader(r)
	default:
		return r
	}
}
