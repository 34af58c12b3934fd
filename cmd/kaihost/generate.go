package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/basket/kaihost/internal/pipeline"
	"github.com/basket/kaihost/internal/provider"
)

func runGenerate(ctx context.Context, g globalFlags, args []string, out *printer, stderr io.Writer) int {
	fs := flag.NewFlagSet("kaihost generate", flag.ContinueOnError)
	fs.SetOutput(stderr)
	name := fs.String("name", "", "extension name to generate")
	fix := fs.String("fix", "", "id of an installed extension to fix or improve")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}
	prompt := strings.TrimSpace(strings.Join(fs.Args(), " "))
	if prompt == "" && *fix == "" {
		fmt.Fprintln(stderr, "usage: kaihost generate [--name N] [--fix ID] <prompt...>")
		return exitUsage
	}

	a, code := session(ctx, g, stderr)
	if a == nil {
		return code
	}
	defer a.close()

	model, err := provider.FromConfig(ctx, a.cfg, a.metrics, a.otel.Tracer, a.logger)
	if err != nil {
		return printErr(stderr, "provider", err)
	}
	p, err := pipeline.New(pipeline.Config{
		Provider:        model,
		Validator:       a.valid,
		Registry:        a.registry,
		Resolver:        a.resolver,
		Store:           a.store,
		ProviderTimeout: time.Duration(a.cfg.Generation.ProviderTimeoutSeconds) * time.Second,
		Workers:         a.cfg.Generation.Workers,
		Bus:             a.bus,
		Audit:           a.audit,
		Metrics:         a.metrics,
		Tracer:          a.otel.Tracer,
		Logger:          a.logger,
	})
	if err != nil {
		return printErr(stderr, "pipeline", err)
	}

	out.Title(fmt.Sprintf("Generating with %s", model.Model()))
	res := p.Run(ctx, pipeline.Request{Prompt: prompt, Name: *name, FixTarget: *fix})
	printResult(out, res)
	printStats(out, p.Stats())
	if res.State != pipeline.Installed {
		if res.Err != nil {
			explain(stderr, res.Err)
		}
		return exitFail
	}
	return exitOK
}

func printResult(out *printer, res pipeline.Result) {
	states := make([]string, 0, len(res.States))
	for _, s := range res.States {
		states = append(states, string(s))
	}
	if res.Chat != "" {
		out.Println(res.Chat)
	}
	out.Printf("states:  %s\n", out.paint(out.dim, strings.Join(states, " > ")))
	out.Printf("repairs: %d\n", res.Repairs)
	if len(res.Packages) > 0 {
		out.Printf("packages: %s\n", strings.Join(res.Packages, ", "))
	}
	out.Printf("result:  %s", out.status(string(res.State)))
	if res.ExtensionID != "" && res.State == pipeline.Installed {
		out.Printf(" (%s)", res.ExtensionID)
	}
	out.Printf(" in %s\n", res.Duration.Round(time.Millisecond))
}

func printStats(out *printer, s pipeline.Stats) {
	out.Printf("session: %d requests, %d installed, %d abandoned, %d repairs, avg %s\n",
		s.Total, s.Installed, s.Abandoned, s.Repairs, s.Average().Round(time.Millisecond))
}
