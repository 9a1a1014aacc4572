package main

import (
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"os"
	"os/signal"

	"github.com/urfave/cli/v2"

	"github.com/bcfeed/bcfeed/internal/errors"
	"github.com/bcfeed/bcfeed/internal/ops"
	"github.com/bcfeed/bcfeed/internal/web"
)

// newCLIApp creates the CLI application with all commands. When rt has no
// database yet, it is opened from --home before any command runs.
func newCLIApp(rt *runtime) *cli.App {
	opened := false
	app := &cli.App{
		Name:    "bcfeed",
		Usage:   "Release notification feed with detail-page preloading",
		Version: Version,
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "home", Usage: "Data directory (default: $" + HomeEnv + " or ~/.bcfeed)"},
		},
		Before: func(c *cli.Context) error {
			if rt.db != nil {
				return nil
			}
			home := c.String("home")
			if home == "" {
				var err error
				if home, err = defaultHome(); err != nil {
					return err
				}
			}
			loaded, err := openRuntime(home)
			if err != nil {
				return err
			}
			*rt = *loaded
			opened = true
			return nil
		},
		After: func(c *cli.Context) error {
			if opened {
				return rt.Close()
			}
			return nil
		},
		Commands: []*cli.Command{
			ingestCmd(rt),
			preloadCmd(rt),
			starCmd(rt, true),
			starCmd(rt, false),
			seenCmd(rt, true),
			seenCmd(rt, false),
			listCmd(rt),
			showCmd(rt),
			retryCmd(rt),
			statusCmd(rt),
			runsCmd(rt),
			resetCacheCmd(rt),
			resetAllCmd(rt),
			serveCmd(rt),
		},
	}
	// Disable default exit error handler to allow proper error return in tests
	app.ExitErrHandler = func(_ *cli.Context, _ error) {}
	return app
}

func rangeFlags(required bool) []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{Name: "after", Aliases: []string{"a"}, Required: required, Usage: "Inclusive start (YYYY-MM-DD or RFC3339)"},
		&cli.StringFlag{Name: "before", Aliases: []string{"b"}, Required: required, Usage: "Exclusive end (YYYY-MM-DD or RFC3339)"},
	}
}

// ingestCmd creates the ingest command.
func ingestCmd(rt *runtime) *cli.Command {
	return &cli.Command{
		Name:  "ingest",
		Usage: "Read release notifications for a date range from the mail source",
		Flags: rangeFlags(true),
		Action: func(c *cli.Context) error {
			output, err := ops.Ingest(c.Context, rt.ingestor(), ops.IngestInput{
				After:  c.String("after"),
				Before: c.String("before"),
			})
			if err != nil {
				return outputError(err)
			}
			return outputJSON(c.App.Writer, output)
		},
	}
}

// preloadReport is what preload prints once the workers are idle.
type preloadReport struct {
	Request *ops.PreloadOutput `json:"request"`
	Status  *ops.StatusOutput  `json:"status"`
}

// preloadCmd creates the preload command.
func preloadCmd(rt *runtime) *cli.Command {
	return &cli.Command{
		Name:      "preload",
		Usage:     "Fetch detail pages by id or date range and wait until done",
		ArgsUsage: "[id...]",
		Flags:     rangeFlags(false),
		Action: func(c *cli.Context) error {
			ctx, stop := signal.NotifyContext(c.Context, os.Interrupt)
			defer stop()

			o, err := rt.acquireScheduler(ctx)
			if err != nil {
				return outputError(err)
			}
			defer o.release(rt.log)

			in := ops.PreloadInput{
				IDs:    c.Args().Slice(),
				After:  c.String("after"),
				Before: c.String("before"),
			}
			req, err := ops.Preload(ctx, o.sched, in)
			if err != nil {
				return outputError(err)
			}
			if err := o.sched.WaitIdle(ctx); err != nil {
				return outputError(errors.NewInternal(err))
			}

			status, err := ops.Status(ctx, rt.db, o.sched, ops.StatusInput{After: in.After, Before: in.Before})
			if err != nil {
				return outputError(err)
			}
			return outputJSON(c.App.Writer, preloadReport{Request: req, Status: status})
		},
	}
}

// starCmd creates the star and unstar commands. Starring fetches the page
// when no other process owns the workers; otherwise the owner picks the
// release up on its next start.
func starCmd(rt *runtime, starred bool) *cli.Command {
	name, usage := "star", "Star a release and preload its page"
	if !starred {
		name, usage = "unstar", "Remove the star from a release"
	}
	return &cli.Command{
		Name:      name,
		Usage:     usage,
		ArgsUsage: "<id>",
		Action: func(c *cli.Context) error {
			ctx := c.Context
			in := ops.SetStarredInput{ID: c.Args().First(), Starred: starred}

			if !starred {
				output, err := ops.SetStarred(ctx, rt.db, nil, in)
				if err != nil {
					return outputError(err)
				}
				return outputJSON(c.App.Writer, output)
			}

			// A running owner picks the star up on its next rescan
			o, err := rt.acquireScheduler(ctx)
			if errors.Is(err, errors.ErrConflict) {
				output, err := ops.SetStarred(ctx, rt.db, nil, in)
				if err != nil {
					return outputError(err)
				}
				return outputJSON(c.App.Writer, output)
			}
			if err != nil {
				return outputError(err)
			}
			defer o.release(rt.log)

			output, err := ops.SetStarred(ctx, rt.db, o.sched, in)
			if err != nil {
				return outputError(err)
			}
			if err := o.sched.WaitIdle(ctx); err != nil {
				return outputError(errors.NewInternal(err))
			}
			return outputJSON(c.App.Writer, output)
		},
	}
}

// seenCmd creates the seen and unseen commands.
func seenCmd(rt *runtime, seen bool) *cli.Command {
	name, usage := "seen", "Mark releases as seen"
	if !seen {
		name, usage = "unseen", "Mark releases as not seen"
	}
	return &cli.Command{
		Name:      name,
		Usage:     usage,
		ArgsUsage: "<id...>",
		Action: func(c *cli.Context) error {
			output, err := ops.SetSeen(c.Context, rt.db, ops.SetSeenInput{IDs: c.Args().Slice(), Seen: seen})
			if err != nil {
				return outputError(err)
			}
			return outputJSON(c.App.Writer, output)
		},
	}
}

// listCmd creates the list command.
func listCmd(rt *runtime) *cli.Command {
	return &cli.Command{
		Name:  "list",
		Usage: "List releases received in a date range, newest first",
		Flags: append(rangeFlags(true),
			&cli.BoolFlag{Name: "starred", Usage: "Only starred releases"},
			&cli.BoolFlag{Name: "unseen", Usage: "Only releases not yet seen"},
			&cli.StringFlag{Name: "status", Aliases: []string{"s"}, Usage: "Cache status: EMPTY|PRELOADING|CACHED|ERROR"},
			&cli.IntFlag{Name: "limit", Aliases: []string{"l"}, Value: 0, Usage: "Maximum items to return (0: whole range)"},
			&cli.IntFlag{Name: "offset", Aliases: []string{"o"}, Value: 0, Usage: "Items to skip"},
			&cli.StringFlag{Name: "format", Aliases: []string{"f"}, Value: "json", Usage: "Output format: json|table"},
		),
		Action: func(c *cli.Context) error {
			format := c.String("format")
			if format != "json" && format != "table" {
				return outputError(errors.NewInvalidRequest("format must be json or table"))
			}

			output, err := ops.Query(c.Context, rt.db, ops.QueryInput{
				After:       c.String("after"),
				Before:      c.String("before"),
				StarredOnly: c.Bool("starred"),
				UnseenOnly:  c.Bool("unseen"),
				Status:      c.String("status"),
				Limit:       c.Int("limit"),
				Offset:      c.Int("offset"),
			})
			if err != nil {
				return outputError(err)
			}

			if format == "table" {
				_, err := fmt.Fprintln(c.App.Writer, releaseTable(output.Items))
				return err
			}
			return outputJSON(c.App.Writer, output)
		},
	}
}

// showCmd creates the show command.
func showCmd(rt *runtime) *cli.Command {
	return &cli.Command{
		Name:      "show",
		Usage:     "Show one release",
		ArgsUsage: "<id>",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "payload", Aliases: []string{"p"}, Usage: "Write the cached page instead of the release"},
		},
		Action: func(c *cli.Context) error {
			id := c.Args().First()
			if c.Bool("payload") {
				output, err := ops.Payload(c.Context, rt.db, id)
				if err != nil {
					return outputError(err)
				}
				_, err = c.App.Writer.Write(output.Body)
				return err
			}

			output, err := ops.Get(c.Context, rt.db, ops.GetInput{ID: id})
			if err != nil {
				return outputError(err)
			}
			return outputJSON(c.App.Writer, output)
		},
	}
}

// retryCmd creates the retry command.
func retryCmd(rt *runtime) *cli.Command {
	return &cli.Command{
		Name:      "retry",
		Usage:     "Fetch a release whose preload failed again and wait for the result",
		ArgsUsage: "<id>",
		Action: func(c *cli.Context) error {
			ctx := c.Context
			o, err := rt.acquireScheduler(ctx)
			if err != nil {
				return outputError(err)
			}
			defer o.release(rt.log)

			id := c.Args().First()
			if _, err := ops.Retry(ctx, o.sched, id); err != nil {
				return outputError(err)
			}
			if err := o.sched.WaitIdle(ctx); err != nil {
				return outputError(errors.NewInternal(err))
			}

			output, err := ops.Get(ctx, rt.db, ops.GetInput{ID: id})
			if err != nil {
				return outputError(err)
			}
			return outputJSON(c.App.Writer, output)
		},
	}
}

// statusCmd creates the status command.
func statusCmd(rt *runtime) *cli.Command {
	return &cli.Command{
		Name:  "status",
		Usage: "Count releases per cache status",
		Flags: rangeFlags(false),
		Action: func(c *cli.Context) error {
			output, err := ops.Status(c.Context, rt.db, nil, ops.StatusInput{
				After:  c.String("after"),
				Before: c.String("before"),
			})
			if err != nil {
				return outputError(err)
			}
			return outputJSON(c.App.Writer, output)
		},
	}
}

// runsCmd creates the runs command.
func runsCmd(rt *runtime) *cli.Command {
	return &cli.Command{
		Name:  "runs",
		Usage: "List recent ingestion runs",
		Flags: []cli.Flag{
			&cli.IntFlag{Name: "limit", Aliases: []string{"l"}, Value: ops.DefaultRunsLimit, Usage: "Maximum runs to return"},
			&cli.StringFlag{Name: "format", Aliases: []string{"f"}, Value: "json", Usage: "Output format: json|table"},
		},
		Action: func(c *cli.Context) error {
			format := c.String("format")
			if format != "json" && format != "table" {
				return outputError(errors.NewInvalidRequest("format must be json or table"))
			}

			output, err := ops.IngestRuns(c.Context, rt.db, ops.IngestRunsInput{Limit: c.Int("limit")})
			if err != nil {
				return outputError(err)
			}
			if format == "table" {
				_, err := fmt.Fprintln(c.App.Writer, runsTable(output.Runs))
				return err
			}
			return outputJSON(c.App.Writer, output)
		},
	}
}

// resetCacheCmd creates the reset-cache command.
func resetCacheCmd(rt *runtime) *cli.Command {
	return &cli.Command{
		Name:  "reset-cache",
		Usage: "Drop every cached page and error; releases and flags are kept",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "yes", Aliases: []string{"y"}, Usage: "Confirm the reset"},
		},
		Action: func(c *cli.Context) error {
			output, err := ops.ResetCache(c.Context, rt.db, nil, ops.ResetInput{Confirm: c.Bool("yes")})
			if err != nil {
				return outputError(err)
			}
			return outputJSON(c.App.Writer, output)
		},
	}
}

// resetAllCmd creates the reset-all command.
func resetAllCmd(rt *runtime) *cli.Command {
	return &cli.Command{
		Name:  "reset-all",
		Usage: "Delete every release",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "yes", Aliases: []string{"y"}, Usage: "Confirm the reset"},
		},
		Action: func(c *cli.Context) error {
			output, err := ops.ResetAll(c.Context, rt.db, nil, ops.ResetInput{Confirm: c.Bool("yes")})
			if err != nil {
				return outputError(err)
			}
			return outputJSON(c.App.Writer, output)
		},
	}
}

// serveCmd creates the serve command.
func serveCmd(rt *runtime) *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Run the dashboard API and the preload workers",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "bind", Usage: "Listen address (overrides web_bind)"},
			&cli.IntFlag{Name: "port", Usage: "Listen port (overrides web_port)"},
		},
		Action: func(c *cli.Context) error {
			if c.IsSet("bind") {
				rt.cfg.WebBind = c.String("bind")
			}
			if c.IsSet("port") {
				rt.cfg.WebPort = c.Int("port")
			}

			o, err := rt.acquireScheduler(c.Context)
			if err != nil {
				return outputError(err)
			}
			defer o.release(rt.log)

			srv := web.NewServer(web.Deps{
				DB:        rt.db,
				Preloader: o.sched,
				Ingester:  rt.ingestor(),
				Log:       rt.log,
			}, rt.cfg)
			return web.Run(c.Context, srv, rt.log)
		},
	}
}

// Helper functions

// outputJSON marshals result to w as JSON.
func outputJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// outputError formats error for CLI.
func outputError(err error) error {
	var feedErr *errors.FeedError
	if stderrors.As(err, &feedErr) {
		return cli.Exit(fmt.Sprintf("[%s] %s", feedErr.Code, feedErr.Message), 1)
	}
	return cli.Exit(err.Error(), 1)
}

