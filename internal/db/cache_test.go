package db

import (
	"context"
	stderrors "errors"
	"sync"
	"testing"

	"github.com/bcfeed/bcfeed/internal/errors"
	"github.com/bcfeed/bcfeed/internal/release"
)

func TestClaim_OnlyOnce(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	mustInsert(t, db, newTestRelease("r1", 1))

	c, err := ClaimRelease(ctx, db, "r1", 0)
	if err != nil {
		t.Fatalf("ClaimRelease failed: %v", err)
	}
	if c.SourceURL != "https://artist.bandcamp.com/album/r1" {
		t.Errorf("SourceURL = %q", c.SourceURL)
	}
	if c.Token == "" {
		t.Error("claim should carry a token")
	}

	if _, err := ClaimRelease(ctx, db, "r1", 0); !stderrors.Is(err, ErrNotClaimable) {
		t.Errorf("second ClaimRelease error = %v, want ErrNotClaimable", err)
	}
	if _, err := ClaimRelease(ctx, db, "missing", 0); !stderrors.Is(err, ErrNotClaimable) {
		t.Errorf("ClaimRelease(missing) error = %v, want ErrNotClaimable", err)
	}

	got, _ := GetByID(ctx, db, "r1")
	if got.CacheStatus != release.StatusPreloading {
		t.Errorf("CacheStatus = %q, want PRELOADING", got.CacheStatus)
	}
}

func TestClaim_Concurrent(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	mustInsert(t, db, newTestRelease("r1", 1))

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := ClaimRelease(ctx, db, "r1", 0); err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if wins != 1 {
		t.Errorf("%d claims succeeded, want exactly 1", wins)
	}
}

func TestClaim_StaleEpoch(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	mustInsert(t, db, newTestRelease("r1", 1))

	if _, err := ResetCache(ctx, db); err != nil {
		t.Fatalf("ResetCache failed: %v", err)
	}
	if _, err := ClaimRelease(ctx, db, "r1", 0); !stderrors.Is(err, ErrNotClaimable) {
		t.Errorf("ClaimRelease with old epoch error = %v, want ErrNotClaimable", err)
	}
	if _, err := ClaimRelease(ctx, db, "r1", 1); err != nil {
		t.Errorf("ClaimRelease with current epoch failed: %v", err)
	}
}

func TestCompleteFetch(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	mustInsert(t, db, newTestRelease("r1", 1))

	c, err := ClaimRelease(ctx, db, "r1", 0)
	if err != nil {
		t.Fatalf("ClaimRelease failed: %v", err)
	}
	if err := CompleteFetch(ctx, db, c, Payload{Body: []byte("page"), ContentType: "text/html"}); err != nil {
		t.Fatalf("CompleteFetch failed: %v", err)
	}

	got, _ := GetByID(ctx, db, "r1")
	if got.CacheStatus != release.StatusCached {
		t.Errorf("CacheStatus = %q, want CACHED", got.CacheStatus)
	}
	if string(got.CachedPayload) != "page" || got.PayloadType != "text/html" {
		t.Errorf("payload = %q (%s)", got.CachedPayload, got.PayloadType)
	}
	if got.CachedAt == nil {
		t.Error("CachedAt should be set")
	}

	// Same claim again is stale
	if err := CompleteFetch(ctx, db, c, Payload{Body: []byte("again")}); !stderrors.Is(err, ErrStaleClaim) {
		t.Errorf("second CompleteFetch error = %v, want ErrStaleClaim", err)
	}
}

func TestRecordFetchFailure_BudgetExhaustion(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	mustInsert(t, db, newTestRelease("r1", 1))

	c, err := ClaimRelease(ctx, db, "r1", 0)
	if err != nil {
		t.Fatalf("ClaimRelease failed: %v", err)
	}

	for attempt := 1; attempt <= 2; attempt++ {
		out, err := RecordFetchFailure(ctx, db, c, "timeout", 3)
		if err != nil {
			t.Fatalf("RecordFetchFailure #%d failed: %v", attempt, err)
		}
		if out.Terminal || out.RetryCount != attempt {
			t.Errorf("attempt %d: outcome = %+v", attempt, out)
		}
		got, _ := GetByID(ctx, db, "r1")
		if got.CacheStatus != release.StatusPreloading || got.LastError != nil {
			t.Errorf("attempt %d: status=%q lastError=%v, want PRELOADING with no error", attempt, got.CacheStatus, got.LastError)
		}
	}

	out, err := RecordFetchFailure(ctx, db, c, "http status 503", 3)
	if err != nil {
		t.Fatalf("RecordFetchFailure #3 failed: %v", err)
	}
	if !out.Terminal || out.RetryCount != 3 {
		t.Errorf("final outcome = %+v, want terminal with 3", out)
	}

	got, _ := GetByID(ctx, db, "r1")
	if got.CacheStatus != release.StatusError {
		t.Errorf("CacheStatus = %q, want ERROR", got.CacheStatus)
	}
	if got.LastError == nil || *got.LastError != "http status 503" {
		t.Errorf("LastError = %v", got.LastError)
	}
	if got.RetryCount != 3 {
		t.Errorf("RetryCount = %d, want 3", got.RetryCount)
	}

	// Claim released on terminal failure
	if _, err := RecordFetchFailure(ctx, db, c, "again", 3); !stderrors.Is(err, ErrStaleClaim) {
		t.Errorf("RecordFetchFailure after terminal error = %v, want ErrStaleClaim", err)
	}
}

func TestClaimForRetry(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	mustInsert(t, db, newTestRelease("r1", 1))
	mustInsert(t, db, newTestRelease("r2", 2))

	if _, err := ClaimForRetry(ctx, db, "r1", 0); !errors.Is(err, errors.ErrConflict) {
		t.Errorf("ClaimForRetry(EMPTY) error = %v, want CONFLICT", err)
	}
	if _, err := ClaimForRetry(ctx, db, "missing", 0); !errors.Is(err, errors.ErrNotFound) {
		t.Errorf("ClaimForRetry(missing) error = %v, want NOT_FOUND", err)
	}

	c, _ := ClaimRelease(ctx, db, "r1", 0)
	if _, err := RecordFetchFailure(ctx, db, c, "boom", 1); err != nil {
		t.Fatalf("RecordFetchFailure failed: %v", err)
	}

	rc, err := ClaimForRetry(ctx, db, "r1", 0)
	if err != nil {
		t.Fatalf("ClaimForRetry failed: %v", err)
	}
	if rc.Token == c.Token {
		t.Error("retry claim should carry a fresh token")
	}
	got, _ := GetByID(ctx, db, "r1")
	if got.CacheStatus != release.StatusPreloading || got.RetryCount != 0 || got.LastError != nil {
		t.Errorf("after retry claim: status=%q retry=%d lastError=%v", got.CacheStatus, got.RetryCount, got.LastError)
	}
}

func TestResetCache_DiscardsInFlightResult(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	mustInsert(t, db, newTestRelease("r1", 1))
	mustInsert(t, db, newTestRelease("r2", 2))
	mustInsert(t, db, newTestRelease("r3", 3))

	// r1 cached, r2 in error, r3 in flight
	c1, _ := ClaimRelease(ctx, db, "r1", 0)
	if err := CompleteFetch(ctx, db, c1, Payload{Body: []byte("x")}); err != nil {
		t.Fatalf("CompleteFetch failed: %v", err)
	}
	c2, _ := ClaimRelease(ctx, db, "r2", 0)
	if _, err := RecordFetchFailure(ctx, db, c2, "boom", 1); err != nil {
		t.Fatalf("RecordFetchFailure failed: %v", err)
	}
	if err := SetStarred(ctx, db, "r2", true); err != nil {
		t.Fatalf("SetStarred failed: %v", err)
	}
	c3, _ := ClaimRelease(ctx, db, "r3", 0)

	epoch, err := ResetCache(ctx, db)
	if err != nil {
		t.Fatalf("ResetCache failed: %v", err)
	}
	if epoch != 1 {
		t.Errorf("epoch = %d, want 1", epoch)
	}
	if cur, _ := CurrentEpoch(ctx, db); cur != 1 {
		t.Errorf("CurrentEpoch = %d, want 1", cur)
	}

	// The in-flight worker finishes after the reset
	if err := CompleteFetch(ctx, db, c3, Payload{Body: []byte("late")}); !stderrors.Is(err, ErrStaleClaim) {
		t.Errorf("late CompleteFetch error = %v, want ErrStaleClaim", err)
	}

	for _, id := range []string{"r1", "r2", "r3"} {
		got, _ := GetByID(ctx, db, id)
		if got.CacheStatus != release.StatusEmpty || got.CachedPayload != nil || got.LastError != nil || got.RetryCount != 0 {
			t.Errorf("%s not reset: %+v", id, got)
		}
	}
	got, _ := GetByID(ctx, db, "r2")
	if !got.Starred {
		t.Error("reset must keep starred flag")
	}
	if got.Title != "Title r2" {
		t.Error("reset must keep metadata")
	}
}

func TestResetAll(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	mustInsert(t, db, newTestRelease("r1", 1))
	mustInsert(t, db, newTestRelease("r2", 2))

	epoch, deleted, err := ResetAll(ctx, db)
	if err != nil {
		t.Fatalf("ResetAll failed: %v", err)
	}
	if epoch != 1 || deleted != 2 {
		t.Errorf("ResetAll = (%d, %d), want (1, 2)", epoch, deleted)
	}
	if n, _ := CountRange(ctx, db, jan, release.Filters{}); n != 0 {
		t.Errorf("CountRange after ResetAll = %d, want 0", n)
	}
}

func TestRecoverOrphanedClaims(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	mustInsert(t, db, newTestRelease("r1", 1))
	mustInsert(t, db, newTestRelease("r2", 2))

	c, _ := ClaimRelease(ctx, db, "r1", 0)
	if _, err := RecordFetchFailure(ctx, db, c, "timeout", 3); err != nil {
		t.Fatalf("RecordFetchFailure failed: %v", err)
	}

	ids, err := RecoverOrphanedClaims(ctx, db)
	if err != nil {
		t.Fatalf("RecoverOrphanedClaims failed: %v", err)
	}
	if len(ids) != 1 || ids[0] != "r1" {
		t.Errorf("recovered = %v, want [r1]", ids)
	}
	got, _ := GetByID(ctx, db, "r1")
	if got.CacheStatus != release.StatusEmpty || got.RetryCount != 0 {
		t.Errorf("after recovery: status=%q retry=%d", got.CacheStatus, got.RetryCount)
	}

	// Old claim cannot write back
	if err := CompleteFetch(ctx, db, c, Payload{Body: []byte("x")}); !stderrors.Is(err, ErrStaleClaim) {
		t.Errorf("CompleteFetch after recovery error = %v, want ErrStaleClaim", err)
	}
}

func TestReleaseClaim(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	mustInsert(t, db, newTestRelease("r1", 1))

	c, _ := ClaimRelease(ctx, db, "r1", 0)
	if err := ReleaseClaim(ctx, db, c); err != nil {
		t.Fatalf("ReleaseClaim failed: %v", err)
	}
	got, _ := GetByID(ctx, db, "r1")
	if got.CacheStatus != release.StatusEmpty {
		t.Errorf("CacheStatus = %q, want EMPTY", got.CacheStatus)
	}
	if _, err := ClaimRelease(ctx, db, "r1", 0); err != nil {
		t.Errorf("re-Claim after release failed: %v", err)
	}
}
