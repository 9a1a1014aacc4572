package web

import (
	"database/sql"
	"net/http"
	"strconv"

	"github.com/sirupsen/logrus"

	"github.com/bcfeed/bcfeed/internal/errors"
	"github.com/bcfeed/bcfeed/internal/ops"
)

// Handlers contains the HTTP route handlers of the dashboard API.
type Handlers struct {
	db        *sql.DB
	preloader ops.Preloader
	ingester  ops.Ingester
	log       logrus.FieldLogger
}

type rangeRequest struct {
	After  string `json:"after"`
	Before string `json:"before"`
}

// HandleIngest handles POST /api/ingest.
func (h *Handlers) HandleIngest(w http.ResponseWriter, r *http.Request) {
	var req rangeRequest
	if err := decodeBody(r, &req); err != nil {
		renderError(w, err)
		return
	}
	if h.ingester == nil {
		renderError(w, errors.NewSourceUnavailable(nil))
		return
	}

	result, err := ops.Ingest(r.Context(), h.ingester, ops.IngestInput{After: req.After, Before: req.Before})
	if err != nil {
		renderError(w, err)
		return
	}
	renderJSON(w, http.StatusOK, result)
}

// HandleIngestRuns handles GET /api/ingest-runs.
func (h *Handlers) HandleIngestRuns(w http.ResponseWriter, r *http.Request) {
	limit, err := parseIntParam(r, "limit", 0)
	if err != nil {
		renderError(w, err)
		return
	}
	result, err := ops.IngestRuns(r.Context(), h.db, ops.IngestRunsInput{Limit: limit})
	if err != nil {
		renderError(w, err)
		return
	}
	renderJSON(w, http.StatusOK, result)
}

// HandlePreload handles POST /api/preload with either ids or a range.
func (h *Handlers) HandlePreload(w http.ResponseWriter, r *http.Request) {
	var req struct {
		IDs    []string `json:"ids"`
		After  string   `json:"after"`
		Before string   `json:"before"`
	}
	if err := decodeBody(r, &req); err != nil {
		renderError(w, err)
		return
	}

	result, err := ops.Preload(r.Context(), h.preloader, ops.PreloadInput{
		IDs:    req.IDs,
		After:  req.After,
		Before: req.Before,
	})
	if err != nil {
		renderError(w, err)
		return
	}
	renderJSON(w, http.StatusAccepted, result)
}

// HandleQuery handles GET /api/releases.
func (h *Handlers) HandleQuery(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, err := parseIntParam(r, "limit", 0)
	if err != nil {
		renderError(w, err)
		return
	}
	offset, err := parseIntParam(r, "offset", 0)
	if err != nil {
		renderError(w, err)
		return
	}

	result, err := ops.Query(r.Context(), h.db, ops.QueryInput{
		After:          q.Get("after"),
		Before:         q.Get("before"),
		StarredOnly:    parseBoolParam(r, "starred_only"),
		UnseenOnly:     parseBoolParam(r, "unseen_only"),
		Status:         q.Get("status"),
		IncludePayload: parseBoolParam(r, "include_payload"),
		Limit:          limit,
		Offset:         offset,
	})
	if err != nil {
		renderError(w, err)
		return
	}
	renderJSON(w, http.StatusOK, result)
}

// HandleGet handles GET /api/releases/{id}.
func (h *Handlers) HandleGet(w http.ResponseWriter, r *http.Request) {
	result, err := ops.Get(r.Context(), h.db, ops.GetInput{
		ID:             r.PathValue("id"),
		IncludePayload: parseBoolParam(r, "include_payload"),
	})
	if err != nil {
		renderError(w, err)
		return
	}
	renderJSON(w, http.StatusOK, result)
}

// HandlePayload handles GET /api/releases/{id}/payload and returns the
// cached page verbatim.
func (h *Handlers) HandlePayload(w http.ResponseWriter, r *http.Request) {
	result, err := ops.Payload(r.Context(), h.db, r.PathValue("id"))
	if err != nil {
		renderError(w, err)
		return
	}

	contentType := result.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Length", strconv.Itoa(len(result.Body)))
	w.Header().Set("Content-Security-Policy", "sandbox")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(result.Body)
}

// HandleStar handles PUT /api/releases/{id}/star.
func (h *Handlers) HandleStar(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Starred *bool `json:"starred"`
	}
	if err := decodeBody(r, &req); err != nil {
		renderError(w, err)
		return
	}
	if req.Starred == nil {
		renderError(w, errors.NewInvalidRequest("starred is required"))
		return
	}

	result, err := ops.SetStarred(r.Context(), h.db, h.preloader, ops.SetStarredInput{
		ID:      r.PathValue("id"),
		Starred: *req.Starred,
	})
	if err != nil {
		renderError(w, err)
		return
	}
	renderJSON(w, http.StatusOK, result)
}

// HandleSeen handles POST /api/releases/seen. seen defaults to true.
func (h *Handlers) HandleSeen(w http.ResponseWriter, r *http.Request) {
	var req struct {
		IDs  []string `json:"ids"`
		Seen *bool    `json:"seen"`
	}
	if err := decodeBody(r, &req); err != nil {
		renderError(w, err)
		return
	}
	seen := true
	if req.Seen != nil {
		seen = *req.Seen
	}

	result, err := ops.SetSeen(r.Context(), h.db, ops.SetSeenInput{IDs: req.IDs, Seen: seen})
	if err != nil {
		renderError(w, err)
		return
	}
	renderJSON(w, http.StatusOK, result)
}

// HandleRetry handles POST /api/releases/{id}/retry.
func (h *Handlers) HandleRetry(w http.ResponseWriter, r *http.Request) {
	result, err := ops.Retry(r.Context(), h.preloader, r.PathValue("id"))
	if err != nil {
		renderError(w, err)
		return
	}
	renderJSON(w, http.StatusAccepted, result)
}

// HandleStatus handles GET /api/status.
func (h *Handlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	result, err := ops.Status(r.Context(), h.db, h.preloader, ops.StatusInput{
		After:  q.Get("after"),
		Before: q.Get("before"),
	})
	if err != nil {
		renderError(w, err)
		return
	}
	renderJSON(w, http.StatusOK, result)
}

type confirmRequest struct {
	Confirm bool `json:"confirm"`
}

// HandleResetCache handles POST /api/reset-cache.
func (h *Handlers) HandleResetCache(w http.ResponseWriter, r *http.Request) {
	var req confirmRequest
	if err := decodeBody(r, &req); err != nil {
		renderError(w, err)
		return
	}
	result, err := ops.ResetCache(r.Context(), h.db, h.preloader, ops.ResetInput{Confirm: req.Confirm})
	if err != nil {
		renderError(w, err)
		return
	}
	h.log.WithField("epoch", result.Epoch).Info("cache reset via API")
	renderJSON(w, http.StatusOK, result)
}

// HandleResetAll handles POST /api/reset-all.
func (h *Handlers) HandleResetAll(w http.ResponseWriter, r *http.Request) {
	var req confirmRequest
	if err := decodeBody(r, &req); err != nil {
		renderError(w, err)
		return
	}
	result, err := ops.ResetAll(r.Context(), h.db, h.preloader, ops.ResetInput{Confirm: req.Confirm})
	if err != nil {
		renderError(w, err)
		return
	}
	h.log.WithFields(logrus.Fields{"epoch": result.Epoch, "deleted": result.Deleted}).Info("store reset via API")
	renderJSON(w, http.StatusOK, result)
}
