package preload

import (
	"context"
	stderrors "errors"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/bcfeed/bcfeed/internal/db"
	"github.com/bcfeed/bcfeed/internal/fetcher"
)

func (s *Scheduler) worker(ctx context.Context) {
	for {
		j := s.next(ctx)
		if j == nil {
			return
		}
		s.process(ctx, j)
	}
}

// next pops a job, waiting for one if the queue is empty. Returns nil on shutdown.
func (s *Scheduler) next(ctx context.Context) *job {
	for {
		if ctx.Err() != nil {
			return nil
		}
		s.mu.Lock()
		if len(s.queue) > 0 {
			j := s.queue[0]
			s.queue[0] = nil
			s.queue = s.queue[1:]
			s.active++
			more := len(s.queue) > 0
			s.mu.Unlock()
			if more {
				s.signal()
			}
			return j
		}
		s.mu.Unlock()

		select {
		case <-s.wake:
		case <-ctx.Done():
			return nil
		}
	}
}

func (s *Scheduler) process(ctx context.Context, j *job) {
	log := s.log.WithFields(logrus.Fields{
		"release_id": j.id,
		"attempt":    j.attempt,
		"epoch":      j.epoch,
	})

	epoch, err := db.CurrentEpoch(ctx, s.db)
	if err != nil {
		log.WithError(err).Error("read cache epoch")
		s.finish(j)
		return
	}
	if epoch != j.epoch {
		s.discarded.Add(1)
		log.Debug("dropping job queued before cache reset")
		s.finish(j)
		return
	}

	if j.claim == nil {
		c, err := db.ClaimRelease(ctx, s.db, j.id, j.epoch)
		if stderrors.Is(err, db.ErrNotClaimable) {
			log.Debug("release not claimable, skipping")
			s.finish(j)
			return
		}
		if err != nil {
			log.WithError(err).Error("claim release")
			s.finish(j)
			return
		}
		j.claim = c
	}

	s.fetches.Add(1)
	start := time.Now()
	fctx, cancel := context.WithTimeout(ctx, s.opts.FetchTimeout)
	payload, ferr := s.fetcher.Fetch(fctx, j.claim.SourceURL)
	cancel()
	log = log.WithField("duration_ms", time.Since(start).Milliseconds())

	if ctx.Err() != nil {
		rctx, done := context.WithTimeout(context.Background(), 5*time.Second)
		if err := db.ReleaseClaim(rctx, s.db, j.claim); err != nil {
			log.WithError(err).Warn("release claim on shutdown")
		}
		done()
		s.finish(j)
		return
	}

	s.mu.Lock()
	pushed := s.recordLocked(ctx, j, payload, ferr, log)
	s.mu.Unlock()
	if pushed {
		s.signal()
	}
}

// recordLocked writes the outcome of a fetch. Holding mu keeps the write and
// the in-flight bookkeeping atomic with respect to Retry and resets.
func (s *Scheduler) recordLocked(ctx context.Context, j *job, payload *fetcher.Payload, ferr error, log logrus.FieldLogger) bool {
	if ferr == nil {
		err := db.CompleteFetch(ctx, s.db, j.claim, db.Payload{Body: payload.Body, ContentType: payload.ContentType})
		switch {
		case stderrors.Is(err, db.ErrStaleClaim):
			s.discarded.Add(1)
			log.Info("discarding fetch result made stale by cache reset")
		case err != nil:
			log.WithError(err).Error("store payload")
		default:
			s.cached.Add(1)
			log.WithField("bytes", len(payload.Body)).Info("release cached")
		}
		return s.finishLocked(j)
	}

	log = log.WithError(ferr)
	var fe *fetcher.FetchError
	if stderrors.As(ferr, &fe) {
		log = log.WithField("kind", fe.Kind)
	}

	out, err := db.RecordFetchFailure(ctx, s.db, j.claim, ferr.Error(), s.opts.MaxRetries)
	switch {
	case stderrors.Is(err, db.ErrStaleClaim):
		s.discarded.Add(1)
		log.Info("discarding failure made stale by cache reset")
		return s.finishLocked(j)
	case err != nil:
		log.WithField("store_error", err.Error()).Error("record fetch failure")
		return s.finishLocked(j)
	case out.Terminal:
		s.failed.Add(1)
		log.WithField("retry_count", out.RetryCount).Warn("preload failed, retry budget exhausted")
		return s.finishLocked(j)
	}

	delay := s.backoffDelay(out.RetryCount)
	s.retried.Add(1)
	log.WithFields(logrus.Fields{
		"retry_count": out.RetryCount,
		"backoff_ms":  delay.Milliseconds(),
	}).Info("preload failed, will retry")

	s.active--
	b := &backoff{job: &job{
		id:      j.id,
		epoch:   j.epoch,
		claim:   j.claim,
		attempt: j.attempt + 1,
		flight:  j.flight,
	}}
	s.backoffs[j.id] = b
	b.timer = time.AfterFunc(delay, func() { s.resume(b) })
	return false
}

// resume re-queues a job whose backoff elapsed, unless a reset or shutdown
// cancelled it meanwhile.
func (s *Scheduler) resume(b *backoff) {
	s.mu.Lock()
	if s.backoffs[b.job.id] != b {
		s.mu.Unlock()
		return
	}
	delete(s.backoffs, b.job.id)
	s.pushLocked(b.job)
	s.mu.Unlock()
	s.signal()
}

func (s *Scheduler) finish(j *job) {
	s.mu.Lock()
	pushed := s.finishLocked(j)
	s.mu.Unlock()
	if pushed {
		s.signal()
	}
}

// finishLocked ends a worker's job. If a request arrived for the release
// while this job was stale, a fresh job is queued. Reports whether it queued one.
func (s *Scheduler) finishLocked(j *job) bool {
	s.active--
	pushed := false
	if f := s.inflight[j.id]; f == j.flight {
		delete(s.inflight, j.id)
		if f.rerun {
			epoch, err := db.CurrentEpoch(context.Background(), s.db)
			if err != nil {
				s.log.WithError(err).WithField("release_id", j.id).Error("read cache epoch for re-run")
			} else {
				nf := &flight{epoch: epoch}
				s.inflight[j.id] = nf
				s.pushLocked(&job{id: j.id, epoch: epoch, attempt: 1, flight: nf})
				pushed = true
			}
		}
	}
	s.checkIdleLocked()
	return pushed
}
