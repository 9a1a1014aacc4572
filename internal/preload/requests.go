package preload

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/bcfeed/bcfeed/internal/db"
	"github.com/bcfeed/bcfeed/internal/errors"
	"github.com/bcfeed/bcfeed/internal/release"
)

// RequestResult counts what happened to each requested id.
type RequestResult struct {
	Queued        int `json:"queued"`
	Coalesced     int `json:"coalesced"`
	AlreadyCached int `json:"already_cached"`
	NotFound      int `json:"not_found"`
}

// RequestPreload queues every id that is neither CACHED nor already owned
// by a job. Ids in ERROR are queued with a fresh attempt budget.
func (s *Scheduler) RequestPreload(ctx context.Context, ids []string) (*RequestResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return nil, errNotRunning()
	}
	res := &RequestResult{}
	if len(ids) == 0 {
		return res, nil
	}

	statuses, err := db.CacheStatuses(ctx, s.db, ids)
	if err != nil {
		return nil, err
	}
	epoch, err := db.CurrentEpoch(ctx, s.db)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool, len(ids))
	for _, id := range ids {
		if seen[id] {
			continue
		}
		seen[id] = true

		status, ok := statuses[id]
		if !ok {
			res.NotFound++
			continue
		}
		if f := s.inflight[id]; f != nil {
			if f.epoch != epoch {
				f.rerun = true
			}
			res.Coalesced++
			continue
		}
		switch status {
		case release.StatusCached:
			res.AlreadyCached++
			continue
		case release.StatusPreloading:
			// Claimed outside this scheduler
			res.Coalesced++
			continue
		}

		f := &flight{epoch: epoch}
		s.inflight[id] = f
		s.pushLocked(&job{id: id, epoch: epoch, attempt: 1, flight: f})
		res.Queued++
	}

	if res.Queued > 0 {
		s.signal()
	}
	s.log.WithFields(logrus.Fields{
		"requested":      len(ids),
		"queued":         res.Queued,
		"coalesced":      res.Coalesced,
		"already_cached": res.AlreadyCached,
		"not_found":      res.NotFound,
	}).Debug("preload requested")
	return res, nil
}

// RequestPreloadRange requests every release in rng that is not CACHED.
func (s *Scheduler) RequestPreloadRange(ctx context.Context, rng release.DateRange) (*RequestResult, error) {
	if !s.Stats().Running {
		return nil, errNotRunning()
	}
	ids, err := db.IDsForPreload(ctx, s.db, rng)
	if err != nil {
		return nil, err
	}
	return s.RequestPreload(ctx, ids)
}

// Retry re-attempts a release stuck in ERROR, with a fresh attempt budget.
func (s *Scheduler) Retry(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return errNotRunning()
	}
	if s.inflight[id] != nil {
		return errors.NewConflict(fmt.Sprintf("preload already in progress for release %s", id))
	}
	epoch, err := db.CurrentEpoch(ctx, s.db)
	if err != nil {
		return err
	}
	claim, err := db.ClaimForRetry(ctx, s.db, id, epoch)
	if err != nil {
		return err
	}

	f := &flight{epoch: epoch}
	s.inflight[id] = f
	s.pushLocked(&job{id: id, epoch: epoch, claim: claim, attempt: 1, flight: f})
	s.signal()

	s.log.WithField("release_id", id).Info("manual retry queued")
	return nil
}

func errNotRunning() error {
	return errors.NewConflict("preload scheduler is not running")
}

// ResetCache clears every release's cached state and bumps the epoch.
// Queued and backing-off jobs are dropped; results of fetches still running
// are discarded when they return.
func (s *Scheduler) ResetCache(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	epoch, err := db.ResetCache(ctx, s.db)
	if err != nil {
		return 0, err
	}
	dropped := s.dropPendingLocked()
	s.log.WithFields(logrus.Fields{"epoch": epoch, "dropped": dropped}).Info("cache reset")
	return epoch, nil
}

// ResetAll deletes every release and bumps the epoch. Returns the new epoch
// and the number of releases removed.
func (s *Scheduler) ResetAll(ctx context.Context) (int64, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	epoch, deleted, err := db.ResetAll(ctx, s.db)
	if err != nil {
		return 0, 0, err
	}
	dropped := s.dropPendingLocked()
	s.log.WithFields(logrus.Fields{"epoch": epoch, "dropped": dropped, "deleted": deleted}).Info("store reset")
	return epoch, deleted, nil
}

// dropPendingLocked forgets every job not currently held by a worker.
func (s *Scheduler) dropPendingLocked() int {
	dropped := 0
	for _, j := range s.queue {
		if s.inflight[j.id] == j.flight {
			delete(s.inflight, j.id)
		}
		dropped++
	}
	s.queue = nil
	for id, b := range s.backoffs {
		b.timer.Stop()
		if s.inflight[id] == b.job.flight {
			delete(s.inflight, id)
		}
		delete(s.backoffs, id)
		dropped++
	}
	s.checkIdleLocked()
	return dropped
}
