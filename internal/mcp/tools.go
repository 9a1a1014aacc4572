package mcp

import "github.com/mark3labs/mcp-go/mcp"

var ingestToolDef = mcp.NewTool("release_ingest",
	mcp.WithDescription("Read release notifications received in [after, before) from the mail source and store new releases. Re-ingesting a range never duplicates releases or resets their flags."),
	mcp.WithString("after", mcp.Required(), mcp.Description("Inclusive start, YYYY-MM-DD or RFC3339")),
	mcp.WithString("before", mcp.Required(), mcp.Description("Exclusive end, YYYY-MM-DD or RFC3339")),
)

var preloadToolDef = mcp.NewTool("release_preload",
	mcp.WithDescription("Queue detail-page fetches for releases, by ids or by date range. Releases already cached or being fetched are not fetched again."),
	mcp.WithArray("ids", mcp.WithStringItems(), mcp.Description("Release ids; mutually exclusive with after/before")),
	mcp.WithString("after", mcp.Description("Inclusive range start")),
	mcp.WithString("before", mcp.Description("Exclusive range end")),
)

var queryToolDef = mcp.NewTool("release_query",
	mcp.WithDescription("List releases received in [after, before), newest first."),
	mcp.WithReadOnlyHintAnnotation(true),
	mcp.WithString("after", mcp.Required(), mcp.Description("Inclusive start, YYYY-MM-DD or RFC3339")),
	mcp.WithString("before", mcp.Required(), mcp.Description("Exclusive end, YYYY-MM-DD or RFC3339")),
	mcp.WithBoolean("starred_only", mcp.Description("Only starred releases")),
	mcp.WithBoolean("unseen_only", mcp.Description("Only releases not yet seen")),
	mcp.WithString("status", mcp.Description("Cache status filter"), mcp.Enum("EMPTY", "PRELOADING", "CACHED", "ERROR")),
	mcp.WithBoolean("include_payload", mcp.Description("Include cached payloads (base64)")),
	mcp.WithNumber("limit", mcp.Description("Page size (max 500); omit for the whole range")),
	mcp.WithNumber("offset", mcp.Description("Page offset")),
)

var getToolDef = mcp.NewTool("release_get",
	mcp.WithDescription("Get one release by id."),
	mcp.WithReadOnlyHintAnnotation(true),
	mcp.WithString("id", mcp.Required(), mcp.Description("Release id")),
	mcp.WithBoolean("include_payload", mcp.Description("Include the cached payload (base64)")),
)

var starToolDef = mcp.NewTool("release_star",
	mcp.WithDescription("Star or unstar a release. Starring requests a preload."),
	mcp.WithString("id", mcp.Required(), mcp.Description("Release id")),
	mcp.WithBoolean("starred", mcp.Description("Defaults to true")),
)

var seenToolDef = mcp.NewTool("release_seen",
	mcp.WithDescription("Mark releases as seen or unseen."),
	mcp.WithArray("ids", mcp.Required(), mcp.WithStringItems(), mcp.Description("Release ids")),
	mcp.WithBoolean("seen", mcp.Description("Defaults to true")),
)

var retryToolDef = mcp.NewTool("release_retry",
	mcp.WithDescription("Retry fetching a release whose preload ended in ERROR."),
	mcp.WithString("id", mcp.Required(), mcp.Description("Release id")),
)

var statusToolDef = mcp.NewTool("release_status",
	mcp.WithDescription("Count releases per cache status, optionally within a range, with scheduler statistics."),
	mcp.WithReadOnlyHintAnnotation(true),
	mcp.WithString("after", mcp.Description("Inclusive range start")),
	mcp.WithString("before", mcp.Description("Exclusive range end")),
)

var resetCacheToolDef = mcp.NewTool("release_reset_cache",
	mcp.WithDescription("Clear every cached payload and error. Releases, seen and starred flags are kept."),
	mcp.WithDestructiveHintAnnotation(true),
	mcp.WithBoolean("confirm", mcp.Required(), mcp.Description("Must be true")),
)

var resetAllToolDef = mcp.NewTool("release_reset_all",
	mcp.WithDescription("Delete every release."),
	mcp.WithDestructiveHintAnnotation(true),
	mcp.WithBoolean("confirm", mcp.Required(), mcp.Description("Must be true")),
)
