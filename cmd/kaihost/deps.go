package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"

	"github.com/basket/kaihost/internal/extension"
)

func runDeps(ctx context.Context, g globalFlags, args []string, out *printer, stderr io.Writer) int {
	if len(args) == 0 {
		fmt.Fprintln(stderr, "usage: kaihost deps classify|resolve <pkg...> | deps check <file> | deps list")
		return exitUsage
	}
	sub, pkgs := args[0], args[1:]
	switch sub {
	case "classify", "resolve":
		if len(pkgs) == 0 {
			fmt.Fprintf(stderr, "usage: kaihost deps %s <pkg...>\n", sub)
			return exitUsage
		}
	case "check":
		if len(pkgs) != 1 {
			fmt.Fprintln(stderr, "usage: kaihost deps check <file>")
			return exitUsage
		}
	case "list":
		if len(pkgs) != 0 {
			fmt.Fprintln(stderr, "usage: kaihost deps list")
			return exitUsage
		}
	default:
		fmt.Fprintf(stderr, "unknown deps action %q\n", sub)
		return exitUsage
	}

	a, err := openApp(ctx, appOptions{home: g.home, quiet: true})
	if err != nil {
		return printErr(stderr, "startup", err)
	}
	defer a.close()

	switch sub {
	case "classify":
		rows := make([][]string, 0, len(pkgs))
		for _, pkg := range pkgs {
			c := a.resolver.Classify(pkg)
			installed := "no"
			if a.resolver.Installed(c.Package) {
				installed = "yes"
			}
			rows = append(rows, []string{c.Package, out.status(string(c.Scope)), installed, c.Remediation})
		}
		out.Table([]string{"PACKAGE", "SCOPE", "INSTALLED", "REMEDIATION"}, rows)
		return exitOK

	case "check":
		code, err := os.ReadFile(pkgs[0])
		if err != nil {
			return printErr(stderr, "read", err)
		}
		ep, err := a.valid.Validate(extension.NewSourceUnit(filepath.Base(pkgs[0]), code))
		if err != nil {
			explain(stderr, err)
			return exitFail
		}
		if len(ep.Imports) == 0 {
			out.Printf("%s: no imports\n", ep.Name)
			return exitOK
		}
		rows := make([][]string, 0, len(ep.Imports))
		for _, mod := range ep.Imports {
			c := a.resolver.Classify(mod)
			installed := "no"
			if a.resolver.Installed(c.Package) {
				installed = "yes"
			}
			rows = append(rows, []string{mod, c.Package, out.status(string(c.Scope)), installed, c.Remediation})
		}
		out.Table([]string{"IMPORT", "PACKAGE", "SCOPE", "INSTALLED", "REMEDIATION"}, rows)
		return exitOK

	case "resolve":
		code := exitOK
		for _, pkg := range pkgs {
			if err := a.resolver.Reset(ctx, pkg); err != nil {
				a.logger.Warn("reset dependency budget failed", "package", pkg, "error", err)
			}
			if err := a.resolver.Resolve(ctx, pkg); err != nil {
				var depErr *extension.DependencyError
				if errors.As(err, &depErr) && depErr.Kind == extension.DependencySystemRequired {
					out.Printf("%s: system-required, run `%s`\n", depErr.Package, depErr.Remediation)
				} else {
					fmt.Fprintf(stderr, "%s: %v\n", pkg, err)
				}
				code = exitFail
				continue
			}
			out.Printf("%s: resolved\n", pkg)
		}
		return code

	default:
		recs, err := a.resolver.Records(ctx)
		if err != nil {
			return printErr(stderr, "list dependencies", err)
		}
		if len(recs) == 0 {
			out.Println("no dependency records")
			return exitOK
		}
		rows := make([][]string, 0, len(recs))
		for _, r := range recs {
			rows = append(rows, []string{
				r.Package, r.Scope, out.status(r.Status), strconv.Itoa(r.Attempts), since(r.UpdatedAt), truncate(r.LastError, 50),
			})
		}
		out.Table([]string{"PACKAGE", "SCOPE", "STATUS", "ATTEMPTS", "UPDATED", "LAST ERROR"}, rows)
		return exitOK
	}
}
