// Package ingest turns mail-source records into stored releases.
package ingest

import (
	"context"
	"database/sql"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/bcfeed/bcfeed/internal/db"
	"github.com/bcfeed/bcfeed/internal/errors"
	"github.com/bcfeed/bcfeed/internal/mailsource"
	"github.com/bcfeed/bcfeed/internal/release"
)

// maxRejectSamples bounds the reject reasons kept on a Result.
const maxRejectSamples = 20

// Opener connects to the mail source for one run.
type Opener func() (mailsource.Source, error)

// Reject describes a record that failed validation.
type Reject struct {
	MessageID string `json:"message_id,omitempty"`
	Reason    string `json:"reason"`
}

// Result summarises one ingestion run.
type Result struct {
	RunID       string   `json:"run_id"`
	Inserted    int      `json:"inserted"`
	Skipped     int      `json:"skipped"`
	Rejected    int      `json:"rejected"`
	Partial     bool     `json:"partial"`
	SourceError string   `json:"source_error,omitempty"`
	Rejects     []Reject `json:"rejects,omitempty"`
}

// Ingestor stores EMPTY releases for every valid record in a range.
// Existing releases are left untouched, so re-running a range is safe.
type Ingestor struct {
	db    *sql.DB
	open  Opener
	log   logrus.FieldLogger
	group singleflight.Group
}

// New creates an Ingestor reading from sources produced by open.
func New(database *sql.DB, open Opener, log logrus.FieldLogger) *Ingestor {
	return &Ingestor{db: database, open: open, log: log}
}

// Ingest reads the range from the mail source and inserts unseen releases.
// Concurrent calls for the same range share a single run. A caller whose
// context ends stops waiting, but the run continues for the others.
//
// A source that fails mid-stream yields a Partial result that keeps the
// releases inserted so far. Only a source that cannot be opened, or a
// store failure, is returned as an error.
func (in *Ingestor) Ingest(ctx context.Context, rng release.DateRange) (*Result, error) {
	if err := rng.Validate(); err != nil {
		return nil, errors.NewInvalidRequest(err.Error())
	}

	// The shared run outlives any single caller's cancellation
	ch := in.group.DoChan(rng.Key(), func() (any, error) {
		return in.run(context.WithoutCancel(ctx), rng)
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-ch:
		if r.Err != nil {
			return nil, r.Err
		}
		if r.Shared {
			in.log.WithField("range", rng.String()).Debug("joined in-progress ingestion")
		}
		res := *r.Val.(*Result)
		return &res, nil
	}
}

func (in *Ingestor) run(ctx context.Context, rng release.DateRange) (*Result, error) {
	src, err := in.open()
	if err != nil {
		in.log.WithError(err).Warn("mail source unavailable")
		return nil, errors.NewSourceUnavailable(err)
	}
	defer src.Close()

	res := &Result{RunID: ulid.Make().String()}
	log := in.log.WithFields(logrus.Fields{"run_id": res.RunID, "range": rng.String()})
	started := time.Now()

	var storeErr error
	for raw, err := range src.Messages(ctx, rng) {
		if err != nil {
			res.Partial = true
			res.SourceError = err.Error()
			log.WithError(err).Warn("mail source failed mid-stream")
			break
		}

		r, verr := raw.ToRelease()
		if verr == nil && !rng.Contains(r.ReceivedAt) {
			verr = &release.RejectError{Field: "received_at", Reason: "outside requested range"}
		}
		if verr != nil {
			res.Rejected++
			if len(res.Rejects) < maxRejectSamples {
				mid, _ := raw["message_id"].(string)
				res.Rejects = append(res.Rejects, Reject{MessageID: mid, Reason: verr.Error()})
			}
			log.WithError(verr).Debug("rejected record")
			continue
		}

		inserted, err := db.InsertIfAbsent(ctx, in.db, r)
		if err != nil {
			storeErr = err
			break
		}
		// Already stored, by message id or by release URL
		if inserted {
			res.Inserted++
		} else {
			res.Skipped++
		}
	}

	run := &db.IngestRun{
		ID:         res.RunID,
		RangeStart: rng.Start,
		RangeEnd:   rng.End,
		Inserted:   res.Inserted,
		Skipped:    res.Skipped,
		Rejected:   res.Rejected,
		Partial:    res.Partial || storeErr != nil,
		StartedAt:  started,
		FinishedAt: time.Now(),
	}
	switch {
	case storeErr != nil:
		msg := storeErr.Error()
		run.Error = &msg
	case res.SourceError != "":
		run.Error = &res.SourceError
	}
	if err := db.InsertIngestRun(ctx, in.db, run); err != nil {
		log.WithError(err).Error("failed to record ingestion run")
	}

	if storeErr != nil {
		log.WithError(storeErr).Error("ingestion aborted")
		return nil, storeErr
	}

	log.WithFields(logrus.Fields{
		"inserted":    res.Inserted,
		"skipped":     res.Skipped,
		"rejected":    res.Rejected,
		"partial":     res.Partial,
		"duration_ms": time.Since(started).Milliseconds(),
	}).Info("ingestion finished")
	return res, nil
}
