// Package preload runs the background enrichment of releases.
//
// A Scheduler owns a fixed pool of workers draining a job queue. Each
// release has at most one job in the scheduler at a time (queued, fetching
// or waiting out a backoff); further requests for it coalesce. The store
// guards every transition with a claim token and a cache epoch, so results
// that arrive after a reset are discarded instead of resurrecting state.
package preload

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/bcfeed/bcfeed/internal/db"
	"github.com/bcfeed/bcfeed/internal/fetcher"
)

// Options configures a Scheduler.
type Options struct {
	// Concurrency is the worker pool size
	Concurrency int

	// MaxRetries is the automatic attempt budget; a release ends in ERROR
	// once this many attempts have failed
	MaxRetries int

	BackoffBase time.Duration
	BackoffMax  time.Duration

	// FetchTimeout bounds a single fetch
	FetchTimeout time.Duration

	// StarScanInterval is the period at which starred releases never
	// fetched are looked up again, catching stars set by other processes.
	// Zero disables the rescan.
	StarScanInterval time.Duration
}

// DefaultOptions returns 4 workers, 3 attempts, 1s base backoff capped at
// 30s and a starred-release rescan every 30s.
func DefaultOptions() Options {
	return Options{
		Concurrency:      4,
		MaxRetries:       3,
		BackoffBase:      time.Second,
		BackoffMax:       30 * time.Second,
		FetchTimeout:     20 * time.Second,
		StarScanInterval: 30 * time.Second,
	}
}

// flight is the scheduler's ownership of one release.
type flight struct {
	epoch int64
	// rerun is set when a request arrives for a flight made stale by a reset
	rerun bool
}

type job struct {
	id      string
	epoch   int64
	claim   *db.Claim
	attempt int
	flight  *flight
}

type backoff struct {
	timer *time.Timer
	job   *job
}

// Stats is a point-in-time view of the scheduler.
type Stats struct {
	Running   bool  `json:"running"`
	Workers   int   `json:"workers"`
	Queued    int   `json:"queued"`
	Active    int   `json:"active"`
	Backoff   int   `json:"backoff"`
	Fetches   int64 `json:"fetches"`
	Cached    int64 `json:"cached"`
	Failed    int64 `json:"failed"`
	Retried   int64 `json:"retried"`
	Discarded int64 `json:"discarded"`
}

// Scheduler is the preload worker pool. Create with New, then Start.
type Scheduler struct {
	db      *sql.DB
	fetcher fetcher.Fetcher
	opts    Options
	log     logrus.FieldLogger

	mu         sync.Mutex
	queue      []*job
	inflight   map[string]*flight
	backoffs   map[string]*backoff
	active     int
	running    bool
	idle       chan struct{}
	idleClosed bool
	cancel     context.CancelFunc
	group      *errgroup.Group

	wake chan struct{}

	fetches   atomic.Int64
	cached    atomic.Int64
	failed    atomic.Int64
	retried   atomic.Int64
	discarded atomic.Int64
}

// New creates a Scheduler. Zero option fields take their defaults.
func New(database *sql.DB, f fetcher.Fetcher, opts Options, log logrus.FieldLogger) *Scheduler {
	def := DefaultOptions()
	if opts.Concurrency <= 0 {
		opts.Concurrency = def.Concurrency
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 1
	}
	if opts.BackoffMax <= 0 {
		opts.BackoffMax = def.BackoffMax
	}
	if opts.BackoffBase < 0 {
		opts.BackoffBase = 0
	}
	if opts.FetchTimeout <= 0 {
		opts.FetchTimeout = def.FetchTimeout
	}
	if opts.StarScanInterval < 0 {
		opts.StarScanInterval = 0
	}
	if log == nil {
		l := logrus.New()
		l.SetLevel(logrus.PanicLevel)
		log = l
	}

	idle := make(chan struct{})
	close(idle)

	return &Scheduler{
		db:         database,
		fetcher:    f,
		opts:       opts,
		log:        log,
		inflight:   make(map[string]*flight),
		backoffs:   make(map[string]*backoff),
		idle:       idle,
		idleClosed: true,
		wake:       make(chan struct{}, 1),
	}
}

// Start recovers claims orphaned by a previous process, re-queues them
// together with starred releases never fetched, and starts the workers.
// The caller must hold the data-directory lock.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already running")
	}
	s.running = true
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.cancel = cancel
	g, gctx := errgroup.WithContext(runCtx)
	s.group = g
	s.mu.Unlock()

	orphans, err := db.RecoverOrphanedClaims(ctx, s.db)
	if err != nil {
		s.Stop()
		return err
	}
	starred, err := db.StarredAwaitingPreload(ctx, s.db)
	if err != nil {
		s.Stop()
		return err
	}
	if len(orphans) > 0 {
		s.log.WithField("count", len(orphans)).Info("recovered interrupted preloads")
	}
	if ids := append(orphans, starred...); len(ids) > 0 {
		if _, err := s.RequestPreload(ctx, ids); err != nil {
			s.Stop()
			return err
		}
	}

	for i := 0; i < s.opts.Concurrency; i++ {
		g.Go(func() error {
			s.worker(gctx)
			return nil
		})
	}
	if s.opts.StarScanInterval > 0 {
		g.Go(func() error {
			s.rescanStarred(gctx)
			return nil
		})
	}
	s.log.WithFields(logrus.Fields{
		"workers":     s.opts.Concurrency,
		"max_retries": s.opts.MaxRetries,
		"star_scan":   s.opts.StarScanInterval.String(),
	}).Info("preload scheduler started")
	return nil
}

// rescanStarred periodically requests starred releases that are still
// EMPTY. Stars recorded while another process owned the workers, or by a
// process that does not own them, are picked up here.
func (s *Scheduler) rescanStarred(ctx context.Context) {
	ticker := time.NewTicker(s.opts.StarScanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		ids, err := db.StarredAwaitingPreload(ctx, s.db)
		if err == nil && len(ids) > 0 {
			var res *RequestResult
			res, err = s.RequestPreload(ctx, ids)
			if err == nil && res.Queued > 0 {
				s.log.WithField("count", res.Queued).Info("queued starred releases")
			}
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.log.WithError(err).Warn("starred release rescan failed")
		}
	}
}

// Stop cancels in-progress fetches, waits for the workers and returns
// every claim the scheduler still holds to EMPTY. Queued work is dropped.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	cancel, g := s.cancel, s.group
	s.mu.Unlock()

	cancel()
	_ = g.Wait()

	s.mu.Lock()
	defer s.mu.Unlock()

	var claims []*db.Claim
	for id, b := range s.backoffs {
		b.timer.Stop()
		claims = append(claims, b.job.claim)
		delete(s.backoffs, id)
	}
	for _, j := range s.queue {
		if j.claim != nil {
			claims = append(claims, j.claim)
		}
	}
	s.queue = nil
	clear(s.inflight)

	ctx, done := context.WithTimeout(context.Background(), 5*time.Second)
	defer done()
	for _, c := range claims {
		if err := db.ReleaseClaim(ctx, s.db, c); err != nil {
			s.log.WithError(err).WithField("release_id", c.ReleaseID).Warn("release claim on shutdown")
		}
	}
	s.checkIdleLocked()
	s.log.Info("preload scheduler stopped")
}

// WaitIdle blocks until nothing is queued, fetching or backing off.
func (s *Scheduler) WaitIdle(ctx context.Context) error {
	s.mu.Lock()
	ch := s.idle
	s.mu.Unlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stats returns current gauges and lifetime counters.
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	st := Stats{
		Running: s.running,
		Workers: s.opts.Concurrency,
		Queued:  len(s.queue),
		Active:  s.active,
		Backoff: len(s.backoffs),
	}
	s.mu.Unlock()

	st.Fetches = s.fetches.Load()
	st.Cached = s.cached.Load()
	st.Failed = s.failed.Load()
	st.Retried = s.retried.Load()
	st.Discarded = s.discarded.Load()
	return st
}

// pushLocked queues j and marks the scheduler busy.
func (s *Scheduler) pushLocked(j *job) {
	s.queue = append(s.queue, j)
	s.markBusyLocked()
}

func (s *Scheduler) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Scheduler) markBusyLocked() {
	if s.idleClosed {
		s.idle = make(chan struct{})
		s.idleClosed = false
	}
}

func (s *Scheduler) checkIdleLocked() {
	if s.idleClosed {
		return
	}
	if len(s.queue) == 0 && s.active == 0 && len(s.inflight) == 0 && len(s.backoffs) == 0 {
		close(s.idle)
		s.idleClosed = true
	}
}

// backoffDelay is min(base * 2^(retryCount-1), max).
func (s *Scheduler) backoffDelay(retryCount int) time.Duration {
	if retryCount < 1 {
		retryCount = 1
	}
	d := s.opts.BackoffBase
	if d == 0 {
		return 0
	}
	for i := 1; i < retryCount; i++ {
		d *= 2
		if d >= s.opts.BackoffMax || d <= 0 {
			return s.opts.BackoffMax
		}
	}
	return min(d, s.opts.BackoffMax)
}
