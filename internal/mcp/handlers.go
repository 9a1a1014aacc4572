package mcp

import (
	"context"
	"database/sql"
	"encoding/json"
	stderrors "errors"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/bcfeed/bcfeed/internal/errors"
	"github.com/bcfeed/bcfeed/internal/ops"
)

// Handlers holds dependencies for MCP tool handlers.
type Handlers struct {
	db        *sql.DB
	preloader ops.Preloader
	ingester  ops.Ingester
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(deps Deps) *Handlers {
	return &Handlers{db: deps.DB, preloader: deps.Preloader, ingester: deps.Ingester}
}

// Request types for each tool

// RangeRequest represents the arguments for release_ingest and release_status.
type RangeRequest struct {
	After  string `json:"after"`
	Before string `json:"before"`
}

// PreloadRequest represents the arguments for release_preload.
type PreloadRequest struct {
	IDs    []string `json:"ids,omitempty"`
	After  string   `json:"after,omitempty"`
	Before string   `json:"before,omitempty"`
}

// QueryRequest represents the arguments for release_query.
type QueryRequest struct {
	After          string `json:"after"`
	Before         string `json:"before"`
	StarredOnly    bool   `json:"starred_only,omitempty"`
	UnseenOnly     bool   `json:"unseen_only,omitempty"`
	Status         string `json:"status,omitempty"`
	IncludePayload bool   `json:"include_payload,omitempty"`
	Limit          int    `json:"limit,omitempty"`
	Offset         int    `json:"offset,omitempty"`
}

// GetRequest represents the arguments for release_get.
type GetRequest struct {
	ID             string `json:"id"`
	IncludePayload bool   `json:"include_payload,omitempty"`
}

// StarRequest represents the arguments for release_star.
type StarRequest struct {
	ID      string `json:"id"`
	Starred *bool  `json:"starred,omitempty"`
}

// SeenRequest represents the arguments for release_seen.
type SeenRequest struct {
	IDs  []string `json:"ids"`
	Seen *bool    `json:"seen,omitempty"`
}

// RetryRequest represents the arguments for release_retry.
type RetryRequest struct {
	ID string `json:"id"`
}

// ConfirmRequest represents the arguments for the reset tools.
type ConfirmRequest struct {
	Confirm bool `json:"confirm"`
}

// HandleIngest handles the release_ingest tool.
func (h *Handlers) HandleIngest(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	input, err := decode[RangeRequest](req)
	if err != nil {
		return errorResult(errors.NewInvalidRequest(err.Error())), nil
	}
	if h.ingester == nil {
		return errorResult(errors.NewSourceUnavailable(nil)), nil
	}

	result, err := ops.Ingest(ctx, h.ingester, ops.IngestInput{After: input.After, Before: input.Before})
	if err != nil {
		return errorResult(err), nil
	}
	return successResult(result)
}

// HandlePreload handles the release_preload tool.
func (h *Handlers) HandlePreload(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	input, err := decode[PreloadRequest](req)
	if err != nil {
		return errorResult(errors.NewInvalidRequest(err.Error())), nil
	}

	result, err := ops.Preload(ctx, h.preloader, ops.PreloadInput{
		IDs:    input.IDs,
		After:  input.After,
		Before: input.Before,
	})
	if err != nil {
		return errorResult(err), nil
	}
	return successResult(result)
}

// HandleQuery handles the release_query tool.
func (h *Handlers) HandleQuery(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	input, err := decode[QueryRequest](req)
	if err != nil {
		return errorResult(errors.NewInvalidRequest(err.Error())), nil
	}

	result, err := ops.Query(ctx, h.db, ops.QueryInput{
		After:          input.After,
		Before:         input.Before,
		StarredOnly:    input.StarredOnly,
		UnseenOnly:     input.UnseenOnly,
		Status:         input.Status,
		IncludePayload: input.IncludePayload,
		Limit:          input.Limit,
		Offset:         input.Offset,
	})
	if err != nil {
		return errorResult(err), nil
	}
	return successResult(result)
}

// HandleGet handles the release_get tool.
func (h *Handlers) HandleGet(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	input, err := decode[GetRequest](req)
	if err != nil {
		return errorResult(errors.NewInvalidRequest(err.Error())), nil
	}

	result, err := ops.Get(ctx, h.db, ops.GetInput{ID: input.ID, IncludePayload: input.IncludePayload})
	if err != nil {
		return errorResult(err), nil
	}
	return successResult(result)
}

// HandleStar handles the release_star tool. starred defaults to true.
func (h *Handlers) HandleStar(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	input, err := decode[StarRequest](req)
	if err != nil {
		return errorResult(errors.NewInvalidRequest(err.Error())), nil
	}
	starred := true
	if input.Starred != nil {
		starred = *input.Starred
	}

	result, err := ops.SetStarred(ctx, h.db, h.preloader, ops.SetStarredInput{ID: input.ID, Starred: starred})
	if err != nil {
		return errorResult(err), nil
	}
	return successResult(result)
}

// HandleSeen handles the release_seen tool. seen defaults to true.
func (h *Handlers) HandleSeen(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	input, err := decode[SeenRequest](req)
	if err != nil {
		return errorResult(errors.NewInvalidRequest(err.Error())), nil
	}
	seen := true
	if input.Seen != nil {
		seen = *input.Seen
	}

	result, err := ops.SetSeen(ctx, h.db, ops.SetSeenInput{IDs: input.IDs, Seen: seen})
	if err != nil {
		return errorResult(err), nil
	}
	return successResult(result)
}

// HandleRetry handles the release_retry tool.
func (h *Handlers) HandleRetry(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	input, err := decode[RetryRequest](req)
	if err != nil {
		return errorResult(errors.NewInvalidRequest(err.Error())), nil
	}

	result, err := ops.Retry(ctx, h.preloader, input.ID)
	if err != nil {
		return errorResult(err), nil
	}
	return successResult(result)
}

// HandleStatus handles the release_status tool.
func (h *Handlers) HandleStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	input, err := decode[RangeRequest](req)
	if err != nil {
		return errorResult(errors.NewInvalidRequest(err.Error())), nil
	}

	result, err := ops.Status(ctx, h.db, h.preloader, ops.StatusInput{After: input.After, Before: input.Before})
	if err != nil {
		return errorResult(err), nil
	}
	return successResult(result)
}

// HandleResetCache handles the release_reset_cache tool.
func (h *Handlers) HandleResetCache(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	input, err := decode[ConfirmRequest](req)
	if err != nil {
		return errorResult(errors.NewInvalidRequest(err.Error())), nil
	}

	result, err := ops.ResetCache(ctx, h.db, h.preloader, ops.ResetInput{Confirm: input.Confirm})
	if err != nil {
		return errorResult(err), nil
	}
	return successResult(result)
}

// HandleResetAll handles the release_reset_all tool.
func (h *Handlers) HandleResetAll(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	input, err := decode[ConfirmRequest](req)
	if err != nil {
		return errorResult(errors.NewInvalidRequest(err.Error())), nil
	}

	result, err := ops.ResetAll(ctx, h.db, h.preloader, ops.ResetInput{Confirm: input.Confirm})
	if err != nil {
		return errorResult(err), nil
	}
	return successResult(result)
}

// errorResult converts an error to an MCP error result.
func errorResult(err error) *mcp.CallToolResult {
	var payload map[string]any

	var feedErr *errors.FeedError
	if stderrors.As(err, &feedErr) {
		errorObj := map[string]any{
			"code":    feedErr.Code,
			"message": feedErr.Message,
			"status":  feedErr.Status,
		}
		// Internal details may carry paths or SQL text.
		if feedErr.Code != errors.ErrInternal && feedErr.Details != nil {
			errorObj["details"] = feedErr.Details
		}
		payload = map[string]any{"error": errorObj}
	} else {
		payload = map[string]any{
			"error": map[string]any{
				"code":    "INTERNAL",
				"message": "an internal error occurred",
				"status":  500,
			},
		}
	}

	content, _ := json.Marshal(payload)
	return &mcp.CallToolResult{
		Content: []mcp.Content{mcp.TextContent{Type: "text", Text: string(content)}},
		IsError: true,
	}
}

// successResult creates an MCP success result from any data.
func successResult(data any) (*mcp.CallToolResult, error) {
	return mcp.NewToolResultJSON(data)
}
