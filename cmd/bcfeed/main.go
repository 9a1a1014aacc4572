package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/bcfeed/bcfeed/internal/errors"
	"github.com/bcfeed/bcfeed/internal/mcp"
)

// Version is set via -ldflags at build time.
var Version = "dev"

// cliCommands contains known CLI subcommands.
var cliCommands = map[string]bool{
	"ingest": true, "preload": true, "star": true, "unstar": true,
	"seen": true, "unseen": true, "list": true, "show": true,
	"retry": true, "status": true, "runs": true,
	"reset-cache": true, "reset-all": true, "serve": true,
	"help": true,
}

// commandArg returns the first argument that is not the global --home flag.
func commandArg(args []string) string {
	cmd, _ := splitHomeFlag(args)
	return cmd
}

// splitHomeFlag finds the command and the --home value among leading args.
func splitHomeFlag(args []string) (cmd, home string) {
	for i := 0; i < len(args); i++ {
		switch arg := args[i]; {
		case arg == "--home" || arg == "-home":
			if i+1 < len(args) {
				home = args[i+1]
			}
			i++
		case strings.HasPrefix(arg, "--home="):
			home = strings.TrimPrefix(arg, "--home=")
		case strings.HasPrefix(arg, "-home="):
			home = strings.TrimPrefix(arg, "-home=")
		default:
			return arg, home
		}
	}
	return "", home
}

// isCLIMode determines if we should run CLI vs MCP server.
func isCLIMode() bool {
	arg := commandArg(os.Args[1:])
	if arg == "" {
		return false // No command → MCP server
	}
	if cliCommands[arg] {
		return true
	}
	return arg == "--help" || arg == "-h" || arg == "--version" || arg == "-v"
}

// isHelpOrVersion returns true if the user is requesting help or version info.
func isHelpOrVersion() bool {
	arg := commandArg(os.Args[1:])
	return arg == "--help" || arg == "-h" || arg == "--version" || arg == "-v" || arg == "help"
}

// isTerminal returns true if stdin is a terminal (not piped).
func isTerminal() bool {
	stat, _ := os.Stdin.Stat()
	return (stat.Mode() & os.ModeCharDevice) != 0
}

// printBanner displays a friendly banner when run interactively without args.
func printBanner() {
	fmt.Println(`
   _            __               _
  | |__   ___  / _| ___  ___  __| |
  | '_ \ / __|| |_ / _ \/ _ \/ _' |
  | |_) | (__ |  _|  __/  __/ (_| |
  |_.__/ \___||_|  \___|\___|\__,_|

  Release notification feed

  Usage: bcfeed <command> [options]
         bcfeed --help

  MCP server mode requires piped input.`)
}

func main() {
	// No args + interactive terminal → show banner and exit
	if len(os.Args) < 2 && isTerminal() {
		printBanner()
		return
	}

	// CLI mode: the database is opened by the app once flags are parsed
	if isHelpOrVersion() || isCLIMode() {
		app := newCLIApp(&runtime{})
		if err := app.Run(os.Args); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
		return
	}

	// Unknown argument + terminal → show error (don't start MCP server)
	if arg := commandArg(os.Args[1:]); arg != "" && isTerminal() {
		fmt.Fprintf(os.Stderr, "error: unknown command %q\n", arg)
		fmt.Fprintf(os.Stderr, "Run 'bcfeed --help' for usage.\n")
		os.Exit(1)
	}

	// MCP server mode (default)
	if err := runMCP(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// runMCP serves the MCP tools over stdio. The preload workers run in this
// process unless another process already owns them, in which case the
// preload tools report CONFLICT and stars are picked up by that owner.
func runMCP() error {
	_, home := splitHomeFlag(os.Args[1:])
	if home == "" {
		var err error
		if home, err = defaultHome(); err != nil {
			return err
		}
	}
	rt, err := openRuntime(home)
	if err != nil {
		return err
	}
	defer rt.Close()

	if unknown := mcp.ValidateDisabledTools(rt.cfg.DisabledTools); len(unknown) > 0 {
		rt.log.WithField("tools", unknown).Warn("unknown tools in disabled_tools")
	}

	deps := mcp.Deps{DB: rt.db, Ingester: rt.ingestor()}
	o, err := rt.acquireScheduler(context.Background())
	switch {
	case err == nil:
		defer o.release(rt.log)
		deps.Preloader = o.sched
	case errors.Is(err, errors.ErrConflict):
		rt.log.Info("preload workers are owned by another process; preload tools disabled")
	default:
		return err
	}

	return mcp.Run(deps, rt.cfg, Version)
}
