package mcp

import (
	"database/sql"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/bcfeed/bcfeed/internal/config"
	"github.com/bcfeed/bcfeed/internal/ops"
)

// toolEntry pairs a tool definition with a handler factory.
type toolEntry struct {
	def     mcp.Tool
	handler func(*Handlers) server.ToolHandlerFunc
}

// toolRegistry maps tool names to their definitions and handler factories.
var toolRegistry = map[string]toolEntry{
	"release_ingest": {
		def:     ingestToolDef,
		handler: func(h *Handlers) server.ToolHandlerFunc { return h.HandleIngest },
	},
	"release_preload": {
		def:     preloadToolDef,
		handler: func(h *Handlers) server.ToolHandlerFunc { return h.HandlePreload },
	},
	"release_query": {
		def:     queryToolDef,
		handler: func(h *Handlers) server.ToolHandlerFunc { return h.HandleQuery },
	},
	"release_get": {
		def:     getToolDef,
		handler: func(h *Handlers) server.ToolHandlerFunc { return h.HandleGet },
	},
	"release_star": {
		def:     starToolDef,
		handler: func(h *Handlers) server.ToolHandlerFunc { return h.HandleStar },
	},
	"release_seen": {
		def:     seenToolDef,
		handler: func(h *Handlers) server.ToolHandlerFunc { return h.HandleSeen },
	},
	"release_retry": {
		def:     retryToolDef,
		handler: func(h *Handlers) server.ToolHandlerFunc { return h.HandleRetry },
	},
	"release_status": {
		def:     statusToolDef,
		handler: func(h *Handlers) server.ToolHandlerFunc { return h.HandleStatus },
	},
	"release_reset_cache": {
		def:     resetCacheToolDef,
		handler: func(h *Handlers) server.ToolHandlerFunc { return h.HandleResetCache },
	},
	"release_reset_all": {
		def:     resetAllToolDef,
		handler: func(h *Handlers) server.ToolHandlerFunc { return h.HandleResetAll },
	},
}

// AllToolNames returns a list of all valid tool names.
func AllToolNames() []string {
	names := make([]string, 0, len(toolRegistry))
	for name := range toolRegistry {
		names = append(names, name)
	}
	return names
}

// ValidateDisabledTools returns a list of unknown tool names from the given list.
func ValidateDisabledTools(names []string) []string {
	unknown := make([]string, 0)
	for _, name := range names {
		if _, ok := toolRegistry[name]; !ok {
			unknown = append(unknown, name)
		}
	}
	return unknown
}

// Deps are the collaborators behind the tools. Preloader and Ingester may
// be nil; tools that need them then report an error.
type Deps struct {
	DB        *sql.DB
	Preloader ops.Preloader
	Ingester  ops.Ingester
}

// NewServer creates a new MCP server with the release tools registered.
// Tools listed in cfg.DisabledTools are excluded from registration.
func NewServer(deps Deps, cfg *config.Config, version string) *server.MCPServer {
	s := server.NewMCPServer(
		"bcfeed",
		version,
		server.WithToolCapabilities(true),
	)

	h := NewHandlers(deps)

	disabled := make(map[string]bool, len(cfg.DisabledTools))
	for _, name := range cfg.DisabledTools {
		disabled[name] = true
	}

	for name, entry := range toolRegistry {
		if disabled[name] {
			continue
		}
		s.AddTool(entry.def, entry.handler(h))
	}

	return s
}

// Run starts the MCP server using stdio transport.
func Run(deps Deps, cfg *config.Config, version string) error {
	return server.ServeStdio(NewServer(deps, cfg, version))
}
