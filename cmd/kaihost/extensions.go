package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/basket/kaihost/internal/extension"
	"github.com/basket/kaihost/internal/marketplace"
	"github.com/basket/kaihost/internal/registry"
)

func runList(ctx context.Context, g globalFlags, args []string, out *printer, stderr io.Writer) int {
	if len(args) != 0 {
		fmt.Fprintln(stderr, "usage: kaihost list")
		return exitUsage
	}
	a, code := session(ctx, g, stderr)
	if a == nil {
		return code
	}
	defer a.close()

	recs := a.registry.List()
	if len(recs) == 0 {
		out.Println("no extensions installed")
		return exitOK
	}
	rows := make([][]string, 0, len(recs))
	for _, rec := range recs {
		state := "disabled"
		if rec.Enabled {
			state = "enabled"
		}
		if rec.Enabled && !a.registry.Active(rec.ID) {
			state = "faulted"
		}
		rows = append(rows, []string{
			rec.ID,
			strconv.Itoa(rec.Version),
			out.status(state),
			string(rec.Origin),
			string(rec.Kind),
			truncate(rec.LastError, 60),
		})
	}
	out.Table([]string{"NAME", "VERSION", "STATE", "ORIGIN", "KIND", "LAST ERROR"}, rows)
	return exitOK
}

func truncate(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}

func runInstall(ctx context.Context, g globalFlags, args []string, out *printer, stderr io.Writer) int {
	fs := flag.NewFlagSet("kaihost install", flag.ContinueOnError)
	fs.SetOutput(stderr)
	marketID := fs.String("marketplace", "", "marketplace extension id")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}
	rest := fs.Args()
	valid := (*marketID != "" && len(rest) == 0) || (*marketID == "" && len(rest) == 1)
	if !valid {
		fmt.Fprintln(stderr, "usage: kaihost install <file> | --marketplace <id>")
		return exitUsage
	}

	a, code := session(ctx, g, stderr)
	if a == nil {
		return code
	}
	defer a.close()

	var (
		unit   extension.SourceUnit
		origin = extension.OriginManual
		client *marketplace.Client
	)
	if *marketID != "" {
		var err error
		client, err = marketplace.NewClient(marketplace.Config{
			BaseURL: a.cfg.Marketplace.BaseURL,
			Token:   a.cfg.Marketplace.Token,
			Logger:  a.logger,
		})
		if err != nil {
			return printErr(stderr, "marketplace", err)
		}
		var listing marketplace.Listing
		unit, listing, err = client.Download(ctx, *marketID)
		if err != nil {
			return printErr(stderr, "download", err)
		}
		origin = extension.OriginMarketplace
		a.logger.Info("marketplace listing downloaded", "listing", listing.ID, "version", listing.Version)
	} else {
		path := rest[0]
		code, err := os.ReadFile(path)
		if err != nil {
			return printErr(stderr, "read", err)
		}
		unit = extension.NewSourceUnit(filepath.Base(path), code)
	}

	id, err := a.registry.Install(ctx, unit, origin, registry.WithDependencyResolution(a.resolver.NewAttempt()))
	if err != nil {
		explain(stderr, err)
		return exitFail
	}
	rec, _ := a.registry.Get(id)
	out.Printf("installed %s (version %d)\n", id, rec.Version)

	if client != nil {
		if err := client.ReportInstalled(ctx, id, rec.Version); err != nil {
			a.logger.Warn("marketplace install report failed", "extension", id, "error", err)
		}
	}
	return exitOK
}

// explain prints err with the remediation an operator needs, if any.
func explain(w io.Writer, err error) {
	fmt.Fprintf(w, "error: %v\n", err)
	var depErr *extension.DependencyError
	if errors.As(err, &depErr) && depErr.Kind == extension.DependencySystemRequired {
		fmt.Fprintf(w, "remediation: %s\n", depErr.Remediation)
	}
	var valErr *extension.ValidationError
	if errors.As(err, &valErr) {
		fmt.Fprintf(w, "rule: %s\n", valErr.Rule)
	}
}

var pastTense = map[string]string{
	"enable":  "enabled",
	"disable": "disabled",
	"remove":  "removed",
	"reload":  "reloaded",
}

func runLifecycle(ctx context.Context, g globalFlags, cmd string, args []string, out *printer, stderr io.Writer) int {
	if len(args) != 1 {
		fmt.Fprintf(stderr, "usage: kaihost %s <id>\n", cmd)
		return exitUsage
	}
	id := strings.TrimSpace(args[0])
	a, code := session(ctx, g, stderr)
	if a == nil {
		return code
	}
	defer a.close()

	var err error
	switch cmd {
	case "enable":
		err = a.registry.Enable(ctx, id, registry.WithDependencyResolution(a.resolver.NewAttempt()))
	case "disable":
		err = a.registry.Disable(ctx, id)
	case "remove":
		err = a.registry.Remove(ctx, id)
	case "reload":
		err = a.registry.Reload(ctx, id)
	}
	if err != nil {
		if errors.Is(err, extension.ErrNotFound) {
			fmt.Fprintf(stderr, "unknown extension %q\n", id)
			return exitFail
		}
		explain(stderr, err)
		return exitFail
	}
	out.Printf("%s %s\n", pastTense[cmd], id)
	return exitOK
}

func runData(ctx context.Context, g globalFlags, args []string, out *printer, stderr io.Writer) int {
	if len(args) != 2 || (args[0] != "show" && args[0] != "clear") {
		fmt.Fprintln(stderr, "usage: kaihost data show|clear <id>")
		return exitUsage
	}
	// Documents live on disk; no catalog activation is needed.
	a, err := openApp(ctx, appOptions{home: g.home, quiet: true})
	if err != nil {
		return printErr(stderr, "startup", err)
	}
	defer a.close()

	id := strings.TrimSpace(args[1])
	switch args[0] {
	case "show":
		if !a.data.Exists(id) {
			fmt.Fprintf(stderr, "no saved document for %q\n", id)
			return exitFail
		}
		raw, err := json.MarshalIndent(a.data.Load(id), "", "  ")
		if err != nil {
			return printErr(stderr, "encode", err)
		}
		out.Println(string(raw))
	case "clear":
		if err := a.data.Clear(id); err != nil {
			return printErr(stderr, "clear", err)
		}
		a.audit.Record(ctx, "data.clear", "allow", id, "cli")
		out.Printf("cleared data for %s\n", id)
	}
	return exitOK
}

func since(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return time.Since(t).Round(time.Second).String() + " ago"
}
