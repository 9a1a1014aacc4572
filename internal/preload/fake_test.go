package preload

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/bcfeed/bcfeed/internal/db"
	"github.com/bcfeed/bcfeed/internal/fetcher"
	"github.com/bcfeed/bcfeed/internal/logging"
	"github.com/bcfeed/bcfeed/internal/release"
)

// fakeFetcher scripts fetch outcomes and records concurrency.
type fakeFetcher struct {
	mu        sync.Mutex
	calls     map[string]int
	active    map[string]int
	maxActive int
	maxPerURL int
	current   int

	// fail returns the error for a call, nil for success
	fail func(url string, call int) error

	// gate, when set, holds every fetch until closed
	gate chan struct{}

	// started receives each URL as its fetch begins
	started chan string
}

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{
		calls:   make(map[string]int),
		active:  make(map[string]int),
		started: make(chan string, 1024),
	}
}

func (f *fakeFetcher) Fetch(ctx context.Context, url string) (*fetcher.Payload, error) {
	f.mu.Lock()
	f.calls[url]++
	call := f.calls[url]
	f.active[url]++
	f.current++
	f.maxActive = max(f.maxActive, f.current)
	f.maxPerURL = max(f.maxPerURL, f.active[url])
	gate, fail := f.gate, f.fail
	f.mu.Unlock()

	defer func() {
		f.mu.Lock()
		f.active[url]--
		f.current--
		f.mu.Unlock()
	}()

	f.started <- url

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, &fetcher.FetchError{Kind: fetcher.KindTimeout, URL: url, Err: ctx.Err()}
		}
	} else {
		time.Sleep(2 * time.Millisecond)
	}

	if fail != nil {
		if err := fail(url, call); err != nil {
			return nil, err
		}
	}
	return &fetcher.Payload{Body: []byte("detail:" + url), ContentType: "text/html"}, nil
}

func (f *fakeFetcher) setGate(g chan struct{}) {
	f.mu.Lock()
	f.gate = g
	f.mu.Unlock()
}

func (f *fakeFetcher) setFail(fn func(url string, call int) error) {
	f.mu.Lock()
	f.fail = fn
	f.mu.Unlock()
}

func (f *fakeFetcher) callsFor(url string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[url]
}

func (f *fakeFetcher) totalCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		n += c
	}
	return n
}

var testRange = release.DateRange{
	Start: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
	End:   time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC),
}

func urlFor(id string) string {
	return "https://artist.bandcamp.com/album/" + id
}

func openDB(t *testing.T) *sql.DB {
	t.Helper()
	database, err := db.Init(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })
	return database
}

// seed inserts n EMPTY releases r0..r(n-1) inside testRange.
func seed(t *testing.T, database *sql.DB, n int) []string {
	t.Helper()
	ids := make([]string, n)
	for i := 0; i < n; i++ {
		id := fmt.Sprintf("r%d", i)
		ids[i] = id
		_, err := db.InsertIfAbsent(context.Background(), database, &release.Release{
			ID:         id,
			MessageID:  id + "@mail",
			Artist:     "Artist",
			Title:      "Title " + id,
			SourceURL:  urlFor(id),
			ReceivedAt: testRange.Start.Add(time.Duration(i) * time.Minute),
		})
		require.NoError(t, err)
	}
	return ids
}

func startScheduler(t *testing.T, database *sql.DB, f fetcher.Fetcher, opts Options) *Scheduler {
	t.Helper()
	s := New(database, f, opts, logging.Discard())
	require.NoError(t, s.Start(context.Background()))
	t.Cleanup(s.Stop)
	return s
}

func waitIdle(t *testing.T, s *Scheduler) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, s.WaitIdle(ctx), "scheduler did not become idle")
}

func waitStarted(t *testing.T, f *fakeFetcher, url string) {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case got := <-f.started:
			if got == url {
				return
			}
		case <-timeout:
			t.Fatalf("fetch of %s never started", url)
		}
	}
}

func mustGet(t *testing.T, database *sql.DB, id string) *release.Release {
	t.Helper()
	r, err := db.GetByID(context.Background(), database, id)
	require.NoError(t, err)
	return r
}
