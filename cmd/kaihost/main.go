package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/basket/kaihost/internal/shared"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.1-dev"

const (
	exitOK    = 0
	exitFail  = 1
	exitUsage = 2
)

func printUsage(w io.Writer) {
	fmt.Fprint(w, `Usage: kaihost [--home DIR] [--quiet] <command> [args]

EXTENSIONS:
  list                            List installed extensions
  install <file>                  Install a .lua or .wasm extension file
  install --marketplace <id>      Download and install a marketplace extension
  enable <id>                     Enable and activate an extension
  disable <id>                    Deactivate an extension, keeping its data
  remove <id>                     Remove an extension and destroy its data
  reload <id>                     Re-read an extension's source from disk

GENERATION:
  generate [--name N] [--fix ID] <prompt...>
                                  Generate (or fix) an extension from a request
  provider show                   Show the LLM provider and model in use
  provider set <provider> [model] Select the LLM provider (google, anthropic,
                                  openai, openai_compatible)

DEPENDENCIES:
  deps classify <pkg...>          Show whether packages may be auto-installed
  deps resolve <pkg...>           Install allow-listed packages
  deps check <file>               Show the imports of an extension file
  deps list                       Show dependency records

DATA:
  data show <id>                  Print an extension's saved document
  data clear <id>                 Delete an extension's saved document

HOST:
  serve                           Run the host until interrupted
  doctor [--json]                 Run diagnostic checks

ENVIRONMENT VARIABLES:
  KAIHOST_HOME                    Data directory (default: ~/.kaihost)
  GEMINI_API_KEY, ANTHROPIC_API_KEY, OPENAI_API_KEY
                                  Provider credentials
`)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

type globalFlags struct {
	home  string
	quiet bool
}

// run is main without the process: it parses global flags, dispatches the
// command and returns the exit code.
func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("kaihost", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.Usage = func() { printUsage(stderr) }
	var g globalFlags
	fs.StringVar(&g.home, "home", "", "data directory (overrides KAIHOST_HOME)")
	fs.BoolVar(&g.quiet, "quiet", false, "log to file only")
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return exitOK
		}
		return exitUsage
	}
	rest := fs.Args()
	if len(rest) == 0 {
		printUsage(stderr)
		return exitUsage
	}

	cmd, cmdArgs := strings.ToLower(strings.TrimSpace(rest[0])), rest[1:]
	ctx = shared.WithTraceID(ctx, shared.NewTraceID())
	out := newPrinter(stdout)
	switch cmd {
	case "help", "-h", "--help":
		printUsage(stdout)
		return exitOK
	case "version":
		fmt.Fprintln(stdout, Version)
		return exitOK
	case "list":
		return runList(ctx, g, cmdArgs, out, stderr)
	case "install":
		return runInstall(ctx, g, cmdArgs, out, stderr)
	case "enable", "disable", "remove", "reload":
		return runLifecycle(ctx, g, cmd, cmdArgs, out, stderr)
	case "generate":
		return runGenerate(ctx, g, cmdArgs, out, stderr)
	case "provider":
		return runProvider(ctx, g, cmdArgs, out, stderr)
	case "deps":
		return runDeps(ctx, g, cmdArgs, out, stderr)
	case "data":
		return runData(ctx, g, cmdArgs, out, stderr)
	case "serve":
		return runServe(ctx, g, cmdArgs, out, stderr)
	case "doctor":
		return runDoctor(ctx, g, cmdArgs, out, stderr)
	default:
		fmt.Fprintf(stderr, "unknown command %q\n\n", cmd)
		printUsage(stderr)
		return exitUsage
	}
}

// session opens a quiet host session for one-shot commands.
func session(ctx context.Context, g globalFlags, stderr io.Writer) (*app, int) {
	a, err := openApp(ctx, appOptions{home: g.home, quiet: true, load: true})
	if err != nil {
		return nil, printErr(stderr, "startup", err)
	}
	return a, exitOK
}
