package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
	"github.com/sirupsen/logrus"

	"github.com/bcfeed/bcfeed/internal/config"
	"github.com/bcfeed/bcfeed/internal/db"
	"github.com/bcfeed/bcfeed/internal/errors"
	"github.com/bcfeed/bcfeed/internal/fetcher"
	"github.com/bcfeed/bcfeed/internal/ingest"
	"github.com/bcfeed/bcfeed/internal/logging"
	"github.com/bcfeed/bcfeed/internal/mailsource"
	"github.com/bcfeed/bcfeed/internal/preload"
)

// HomeEnv overrides the data directory.
const HomeEnv = "BCFEED_HOME"

const lockFileName = "bcfeed.lock"

// runtime holds what the commands share: the data directory, its database
// and config, and the collaborators built from them. Tests fill it directly.
type runtime struct {
	home    string
	db      *sql.DB
	cfg     *config.Config
	log     *logrus.Logger
	fetcher fetcher.Fetcher
	open    ingest.Opener
}

// defaultHome returns $BCFEED_HOME or ~/.bcfeed.
func defaultHome() (string, error) {
	if home := os.Getenv(HomeEnv); home != "" {
		return home, nil
	}
	userHome, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("could not determine home directory: %w", err)
	}
	return filepath.Join(userHome, ".bcfeed"), nil
}

// openRuntime loads config and opens the database under home.
func openRuntime(home string) (*runtime, error) {
	cwd, _ := os.Getwd()
	cfg, err := config.LoadWithRepo(home, cwd)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	database, err := db.Init(home)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}
	db.ConfigurePool(database, cfg)

	return &runtime{
		home: home,
		db:   database,
		cfg:  cfg,
		log:  logging.New(logging.Options{Level: cfg.LogLevel, Format: cfg.LogFormat}),
	}, nil
}

func (rt *runtime) Close() error {
	if rt.db == nil {
		return nil
	}
	return rt.db.Close()
}

func (rt *runtime) ingestor() *ingest.Ingestor {
	open := rt.open
	if open == nil {
		src := rt.cfg.MailSource
		open = func() (mailsource.Source, error) { return mailsource.Open(src) }
	}
	return ingest.New(rt.db, open, rt.log)
}

func (rt *runtime) detailFetcher() fetcher.Fetcher {
	if rt.fetcher != nil {
		return rt.fetcher
	}
	return fetcher.New(fetcher.Options{
		Timeout:      rt.cfg.FetchTimeout(),
		UserAgent:    rt.cfg.FetchUserAgent,
		MaxBodyBytes: rt.cfg.FetchMaxBodyBytes,
	})
}

// owner is a running scheduler together with the data-directory lock that
// entitles it to run.
type owner struct {
	lock  *flock.Flock
	sched *preload.Scheduler
}

// acquireScheduler takes the data-directory lock and starts the preload
// workers. Only one process may own them; a held lock is a CONFLICT.
func (rt *runtime) acquireScheduler(ctx context.Context) (*owner, error) {
	lock := flock.New(filepath.Join(rt.home, lockFileName))
	ok, err := lock.TryLock()
	if err != nil {
		return nil, errors.NewInternal(fmt.Errorf("acquire lock: %w", err))
	}
	if !ok {
		return nil, errors.NewConflict("another bcfeed process owns the preload workers for " + rt.home)
	}

	sched := preload.New(rt.db, rt.detailFetcher(), preload.Options{
		Concurrency:      rt.cfg.PreloadConcurrency,
		MaxRetries:       rt.cfg.PreloadMaxRetries,
		BackoffBase:      rt.cfg.BackoffBase(),
		BackoffMax:       rt.cfg.BackoffMax(),
		FetchTimeout:     rt.cfg.FetchTimeout(),
		StarScanInterval: rt.cfg.StarScanInterval(),
	}, rt.log)
	if err := sched.Start(ctx); err != nil {
		_ = lock.Unlock()
		return nil, errors.NewInternal(err)
	}
	return &owner{lock: lock, sched: sched}, nil
}

// release stops the workers and frees the lock.
func (o *owner) release(log logrus.FieldLogger) {
	o.sched.Stop()
	if err := o.lock.Unlock(); err != nil {
		log.WithError(err).Warn("failed to release data-directory lock")
	}
}
