package preload

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bcfeed/bcfeed/internal/db"
	"github.com/bcfeed/bcfeed/internal/errors"
	"github.com/bcfeed/bcfeed/internal/fetcher"
	"github.com/bcfeed/bcfeed/internal/release"
)

func fastOptions(concurrency int) Options {
	return Options{
		Concurrency:  concurrency,
		MaxRetries:   3,
		BackoffBase:  time.Millisecond,
		BackoffMax:   5 * time.Millisecond,
		FetchTimeout: 5 * time.Second,
	}
}

func TestRangePreload_OneFetchPerRelease(t *testing.T) {
	ctx := context.Background()
	database := openDB(t)
	ids := seed(t, database, 50)
	f := newFakeFetcher()
	s := startScheduler(t, database, f, fastOptions(5))

	res, err := s.RequestPreloadRange(ctx, testRange)
	require.NoError(t, err)
	assert.Equal(t, 50, res.Queued)

	waitIdle(t, s)

	for _, id := range ids {
		assert.Equal(t, 1, f.callsFor(urlFor(id)), "fetches for %s", id)
		r := mustGet(t, database, id)
		assert.Equal(t, release.StatusCached, r.CacheStatus)
		assert.Equal(t, "detail:"+urlFor(id), string(r.CachedPayload))
	}
	assert.LessOrEqual(t, f.maxActive, 5, "pool size bounds concurrent fetches")
	assert.Equal(t, 1, f.maxPerURL)
	assert.Equal(t, int64(50), s.Stats().Cached)

	// Everything is cached now
	res, err = s.RequestPreloadRange(ctx, testRange)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Queued)
	assert.Equal(t, 50, f.totalCalls())
}

func TestRequestPreload_CoalescesInFlight(t *testing.T) {
	ctx := context.Background()
	database := openDB(t)
	seed(t, database, 10)
	f := newFakeFetcher()
	gate := make(chan struct{})
	f.setGate(gate)
	s := startScheduler(t, database, f, fastOptions(4))

	_, err := s.RequestPreloadRange(ctx, testRange)
	require.NoError(t, err)
	// Newest first: r9 is fetching, r0 is still queued behind the pool
	waitStarted(t, f, urlFor("r9"))

	// Starring releases the bulk preload already owns must not fetch them again
	res, err := s.RequestPreload(ctx, []string{"r9", "r9", "r0"})
	require.NoError(t, err)
	assert.Equal(t, RequestResult{Coalesced: 2}, *res)

	close(gate)
	waitIdle(t, s)

	assert.Equal(t, 1, f.callsFor(urlFor("r9")))
	assert.Equal(t, 1, f.callsFor(urlFor("r0")))
	assert.Equal(t, release.StatusCached, mustGet(t, database, "r9").CacheStatus)
	assert.Equal(t, 10, f.totalCalls())
}

func TestRequestPreload_Counts(t *testing.T) {
	ctx := context.Background()
	database := openDB(t)
	seed(t, database, 2)
	f := newFakeFetcher()
	s := startScheduler(t, database, f, fastOptions(2))

	_, err := s.RequestPreload(ctx, []string{"r0"})
	require.NoError(t, err)
	waitIdle(t, s)

	res, err := s.RequestPreload(ctx, []string{"r0", "r1", "ghost"})
	require.NoError(t, err)
	assert.Equal(t, RequestResult{Queued: 1, AlreadyCached: 1, NotFound: 1}, *res)
	waitIdle(t, s)
	assert.Equal(t, 1, f.callsFor(urlFor("r0")))
}

func TestRetryBudget_ThenManualRetry(t *testing.T) {
	ctx := context.Background()
	database := openDB(t)
	seed(t, database, 1)
	f := newFakeFetcher()
	f.setFail(func(url string, call int) error {
		return &fetcher.FetchError{Kind: fetcher.KindRemoteError, Status: 503, URL: url}
	})
	s := startScheduler(t, database, f, fastOptions(2))

	_, err := s.RequestPreload(ctx, []string{"r0"})
	require.NoError(t, err)
	waitIdle(t, s)

	r := mustGet(t, database, "r0")
	assert.Equal(t, release.StatusError, r.CacheStatus)
	assert.Equal(t, 3, r.RetryCount)
	require.NotNil(t, r.LastError)
	assert.Equal(t, "http status 503", *r.LastError)
	assert.Nil(t, r.CachedPayload)
	assert.Equal(t, 3, f.callsFor(urlFor("r0")))
	assert.Equal(t, int64(1), s.Stats().Failed)
	assert.Equal(t, int64(2), s.Stats().Retried)

	// Manual retry with the remote back up
	f.setFail(nil)
	gate := make(chan struct{})
	f.setGate(gate)

	require.NoError(t, s.Retry(ctx, "r0"))
	r = mustGet(t, database, "r0")
	assert.Equal(t, release.StatusPreloading, r.CacheStatus)
	assert.Equal(t, 0, r.RetryCount)
	assert.Nil(t, r.LastError)

	// A second retry while the first is running conflicts
	err = s.Retry(ctx, "r0")
	assert.True(t, errors.Is(err, errors.ErrConflict), "got %v", err)

	close(gate)
	waitIdle(t, s)

	r = mustGet(t, database, "r0")
	assert.Equal(t, release.StatusCached, r.CacheStatus)
	assert.Equal(t, 0, r.RetryCount)
	assert.Equal(t, 4, f.callsFor(urlFor("r0")))
}

func TestRetry_RequiresError(t *testing.T) {
	ctx := context.Background()
	database := openDB(t)
	seed(t, database, 1)
	s := startScheduler(t, database, newFakeFetcher(), fastOptions(1))

	err := s.Retry(ctx, "r0")
	assert.True(t, errors.Is(err, errors.ErrConflict), "retry of EMPTY: %v", err)

	err = s.Retry(ctx, "ghost")
	assert.True(t, errors.Is(err, errors.ErrNotFound), "retry of unknown id: %v", err)
}

func TestFailureThenSuccess_Recovers(t *testing.T) {
	ctx := context.Background()
	database := openDB(t)
	seed(t, database, 1)
	f := newFakeFetcher()
	f.setFail(func(url string, call int) error {
		if call == 1 {
			return &fetcher.FetchError{Kind: fetcher.KindTimeout, URL: url}
		}
		return nil
	})
	s := startScheduler(t, database, f, fastOptions(1))

	_, err := s.RequestPreload(ctx, []string{"r0"})
	require.NoError(t, err)
	waitIdle(t, s)

	r := mustGet(t, database, "r0")
	assert.Equal(t, release.StatusCached, r.CacheStatus)
	assert.Equal(t, 0, r.RetryCount)
	assert.Equal(t, 2, f.callsFor(urlFor("r0")))
}

func TestResetCache_DiscardsInFlightFetch(t *testing.T) {
	ctx := context.Background()
	database := openDB(t)
	seed(t, database, 1)
	f := newFakeFetcher()
	gate := make(chan struct{})
	f.setGate(gate)
	s := startScheduler(t, database, f, fastOptions(1))

	_, err := s.RequestPreload(ctx, []string{"r0"})
	require.NoError(t, err)
	waitStarted(t, f, urlFor("r0"))

	epoch, err := s.ResetCache(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), epoch)

	close(gate)
	waitIdle(t, s)

	r := mustGet(t, database, "r0")
	assert.Equal(t, release.StatusEmpty, r.CacheStatus, "late result must not resurrect cache")
	assert.Nil(t, r.CachedPayload)
	assert.Equal(t, int64(1), s.Stats().Discarded)
}

func TestResetCache_RequestDuringStaleFetchRunsAgain(t *testing.T) {
	ctx := context.Background()
	database := openDB(t)
	seed(t, database, 1)
	f := newFakeFetcher()
	gate := make(chan struct{})
	f.setGate(gate)
	s := startScheduler(t, database, f, fastOptions(2))

	_, err := s.RequestPreload(ctx, []string{"r0"})
	require.NoError(t, err)
	waitStarted(t, f, urlFor("r0"))

	_, err = s.ResetCache(ctx)
	require.NoError(t, err)

	res, err := s.RequestPreload(ctx, []string{"r0"})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Coalesced)

	close(gate)
	waitIdle(t, s)

	r := mustGet(t, database, "r0")
	assert.Equal(t, release.StatusCached, r.CacheStatus)
	assert.Equal(t, 2, f.callsFor(urlFor("r0")))
	assert.Equal(t, 1, f.maxPerURL, "the re-run must wait for the stale fetch")
}

func TestResetCache_DropsBackoffs(t *testing.T) {
	ctx := context.Background()
	database := openDB(t)
	seed(t, database, 1)
	f := newFakeFetcher()
	f.setFail(func(url string, call int) error {
		return &fetcher.FetchError{Kind: fetcher.KindNetworkError, URL: url}
	})
	opts := fastOptions(1)
	opts.BackoffBase = time.Hour
	opts.BackoffMax = time.Hour
	s := startScheduler(t, database, f, opts)

	_, err := s.RequestPreload(ctx, []string{"r0"})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return s.Stats().Backoff == 1 }, 5*time.Second, 5*time.Millisecond)

	_, err = s.ResetCache(ctx)
	require.NoError(t, err)
	waitIdle(t, s)

	assert.Equal(t, 0, s.Stats().Backoff)
	assert.Equal(t, release.StatusEmpty, mustGet(t, database, "r0").CacheStatus)
	assert.Equal(t, 1, f.totalCalls())
}

func TestResetAll_EmptiesStore(t *testing.T) {
	ctx := context.Background()
	database := openDB(t)
	seed(t, database, 3)
	s := startScheduler(t, database, newFakeFetcher(), fastOptions(2))

	_, deleted, err := s.ResetAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, deleted)

	res, err := s.RequestPreload(ctx, []string{"r0"})
	require.NoError(t, err)
	assert.Equal(t, 1, res.NotFound)
}

func TestStart_RecoversOrphansAndStarred(t *testing.T) {
	ctx := context.Background()
	database := openDB(t)
	seed(t, database, 3)

	// r0 was claimed by a process that died; r1 is starred but never fetched
	_, err := db.ClaimRelease(ctx, database, "r0", 0)
	require.NoError(t, err)
	require.NoError(t, db.SetStarred(ctx, database, "r1", true))

	f := newFakeFetcher()
	s := startScheduler(t, database, f, fastOptions(2))
	waitIdle(t, s)

	assert.Equal(t, release.StatusCached, mustGet(t, database, "r0").CacheStatus)
	assert.Equal(t, release.StatusCached, mustGet(t, database, "r1").CacheStatus)
	assert.Equal(t, release.StatusEmpty, mustGet(t, database, "r2").CacheStatus)
	assert.Equal(t, 2, f.totalCalls())
}

func TestStop_ReleasesClaims(t *testing.T) {
	ctx := context.Background()
	database := openDB(t)
	seed(t, database, 2)
	f := newFakeFetcher()
	f.setFail(func(url string, call int) error {
		if url == urlFor("r0") {
			return &fetcher.FetchError{Kind: fetcher.KindNetworkError, URL: url}
		}
		return nil
	})
	opts := fastOptions(1)
	opts.BackoffBase = time.Hour
	opts.BackoffMax = time.Hour
	s := New(database, f, opts, nil)
	require.NoError(t, s.Start(ctx))

	_, err := s.RequestPreload(ctx, []string{"r0"})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return s.Stats().Backoff == 1 }, 5*time.Second, 5*time.Millisecond)

	gate := make(chan struct{})
	defer close(gate)
	f.setGate(gate)
	_, err = s.RequestPreload(ctx, []string{"r1"})
	require.NoError(t, err)
	waitStarted(t, f, urlFor("r1"))

	s.Stop()

	for _, id := range []string{"r0", "r1"} {
		r := mustGet(t, database, id)
		assert.Equal(t, release.StatusEmpty, r.CacheStatus, id)
	}
	assert.False(t, s.Stats().Running)
}

func TestEventualTermination(t *testing.T) {
	ctx := context.Background()
	database := openDB(t)
	ids := seed(t, database, 30)
	f := newFakeFetcher()
	f.setFail(func(url string, call int) error {
		var n int
		_, _ = fmt.Sscanf(url, "https://artist.bandcamp.com/album/r%d", &n)
		switch n % 3 {
		case 0:
			return nil
		case 1:
			if call < 2 {
				return &fetcher.FetchError{Kind: fetcher.KindTimeout, URL: url}
			}
			return nil
		default:
			return &fetcher.FetchError{Kind: fetcher.KindRemoteError, Status: 404, URL: url}
		}
	})
	s := startScheduler(t, database, f, fastOptions(4))

	_, err := s.RequestPreloadRange(ctx, testRange)
	require.NoError(t, err)
	waitIdle(t, s)

	for _, id := range ids {
		r := mustGet(t, database, id)
		assert.Contains(t, []release.CacheStatus{release.StatusCached, release.StatusError}, r.CacheStatus, id)
		assert.LessOrEqual(t, f.callsFor(urlFor(id)), 3, id)
	}
	counts, err := db.CountByStatus(ctx, database, &testRange)
	require.NoError(t, err)
	assert.Equal(t, 20, counts[release.StatusCached])
	assert.Equal(t, 10, counts[release.StatusError])
	assert.Equal(t, 0, counts[release.StatusPreloading])
}

func TestBackoffDelay(t *testing.T) {
	s := New(nil, nil, Options{BackoffBase: time.Second, BackoffMax: 30 * time.Second}, nil)

	tests := []struct {
		retryCount int
		want       time.Duration
	}{
		{0, time.Second},
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{5, 16 * time.Second},
		{6, 30 * time.Second},
		{60, 30 * time.Second},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, s.backoffDelay(tt.retryCount), "retryCount=%d", tt.retryCount)
	}
}

func TestWaitIdle_ContextCancelled(t *testing.T) {
	database := openDB(t)
	seed(t, database, 1)
	f := newFakeFetcher()
	gate := make(chan struct{})
	defer close(gate)
	f.setGate(gate)
	s := startScheduler(t, database, f, fastOptions(1))

	_, err := s.RequestPreload(context.Background(), []string{"r0"})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, s.WaitIdle(ctx), context.DeadlineExceeded)
}

func TestRescan_PicksUpStarsSetElsewhere(t *testing.T) {
	ctx := context.Background()
	database := openDB(t)
	seed(t, database, 2)
	f := newFakeFetcher()
	opts := fastOptions(1)
	opts.StarScanInterval = 10 * time.Millisecond
	startScheduler(t, database, f, opts)

	// Another process stars r1 without telling this scheduler
	require.NoError(t, db.SetStarred(ctx, database, "r1", true))

	require.Eventually(t, func() bool {
		r, err := db.GetByID(ctx, database, "r1")
		return err == nil && r.CacheStatus == release.StatusCached
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, release.StatusEmpty, mustGet(t, database, "r0").CacheStatus)
	assert.Equal(t, 1, f.totalCalls())
}

func TestStopped_RejectsRequests(t *testing.T) {
	ctx := context.Background()
	database := openDB(t)
	seed(t, database, 2)
	f := newFakeFetcher()
	f.setFail(func(url string, call int) error {
		return &fetcher.FetchError{Kind: fetcher.KindRemoteError, Status: 404, URL: url}
	})
	opts := fastOptions(1)
	opts.MaxRetries = 1
	s := startScheduler(t, database, f, opts)

	_, err := s.RequestPreload(ctx, []string{"r0"})
	require.NoError(t, err)
	waitIdle(t, s)
	require.Equal(t, release.StatusError, mustGet(t, database, "r0").CacheStatus)

	s.Stop()

	_, err = s.RequestPreload(ctx, []string{"r1"})
	assert.True(t, errors.Is(err, errors.ErrConflict), "RequestPreload after Stop: %v", err)
	_, err = s.RequestPreloadRange(ctx, testRange)
	assert.True(t, errors.Is(err, errors.ErrConflict), "RequestPreloadRange after Stop: %v", err)
	err = s.Retry(ctx, "r0")
	assert.True(t, errors.Is(err, errors.ErrConflict), "Retry after Stop: %v", err)

	assert.Equal(t, release.StatusError, mustGet(t, database, "r0").CacheStatus)
	assert.Equal(t, release.StatusEmpty, mustGet(t, database, "r1").CacheStatus)
	assert.Equal(t, 0, s.Stats().Queued)
	waitIdle(t, s)
}
