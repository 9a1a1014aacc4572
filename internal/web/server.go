package web

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/bcfeed/bcfeed/internal/config"
	"github.com/bcfeed/bcfeed/internal/logging"
	"github.com/bcfeed/bcfeed/internal/ops"
)

// maxBodyBytes caps JSON request bodies.
const maxBodyBytes = 1 << 20

// Deps are the collaborators the API serves.
type Deps struct {
	DB        *sql.DB
	Preloader ops.Preloader
	Ingester  ops.Ingester
	Log       logrus.FieldLogger
}

// NewHandler builds the API routes wrapped in the middleware chain.
func NewHandler(deps Deps) http.Handler {
	if deps.Log == nil {
		deps.Log = logging.Discard()
	}
	h := &Handlers{
		db:        deps.DB,
		preloader: deps.Preloader,
		ingester:  deps.Ingester,
		log:       deps.Log,
	}

	mux := http.NewServeMux()

	// Routes using Go 1.22+ pattern syntax
	mux.HandleFunc("POST /api/ingest", h.HandleIngest)
	mux.HandleFunc("GET /api/ingest-runs", h.HandleIngestRuns)
	mux.HandleFunc("POST /api/preload", h.HandlePreload)
	mux.HandleFunc("GET /api/releases", h.HandleQuery)
	mux.HandleFunc("POST /api/releases/seen", h.HandleSeen)
	mux.HandleFunc("GET /api/releases/{id}", h.HandleGet)
	mux.HandleFunc("GET /api/releases/{id}/payload", h.HandlePayload)
	mux.HandleFunc("PUT /api/releases/{id}/star", h.HandleStar)
	mux.HandleFunc("POST /api/releases/{id}/retry", h.HandleRetry)
	mux.HandleFunc("GET /api/status", h.HandleStatus)
	mux.HandleFunc("POST /api/reset-cache", h.HandleResetCache)
	mux.HandleFunc("POST /api/reset-all", h.HandleResetAll)

	var handler http.Handler = mux
	handler = bodyLimit(maxBodyBytes)(handler)
	handler = securityHeaders(handler)
	handler = recovery(deps.Log)(handler)
	handler = requestLogging(deps.Log)(handler)
	return handler
}

// NewServer creates the HTTP server for the dashboard API.
func NewServer(deps Deps, cfg *config.Config) *http.Server {
	return &http.Server{
		Addr:              cfg.WebAddr(),
		Handler:           NewHandler(deps),
		ReadHeaderTimeout: 10 * time.Second,
	}
}

// Run starts the HTTP server and shuts it down gracefully on SIGINT/SIGTERM
// or when ctx is cancelled.
func Run(ctx context.Context, srv *http.Server, log logrus.FieldLogger) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	log.WithField("addr", srv.Addr).Info("dashboard API listening")
	if strings.HasPrefix(srv.Addr, "0.0.0.0") || strings.HasPrefix(srv.Addr, "[::]") || strings.HasPrefix(srv.Addr, ":") {
		log.Warn("server is binding to all interfaces and may be accessible from the network")
	}

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		log.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
