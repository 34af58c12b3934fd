package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"time"

	"github.com/basket/kaihost/internal/doctor"
)

func runDoctor(ctx context.Context, g globalFlags, args []string, out *printer, stderr io.Writer) int {
	fs := flag.NewFlagSet("kaihost doctor", flag.ContinueOnError)
	fs.SetOutput(stderr)
	jsonOutput := fs.Bool("json", false, "print the report as JSON")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}

	cfg, err := loadConfig(g.home)
	if err != nil {
		// Keep going; the report says why.
		fmt.Fprintf(stderr, "Error loading config: %v\n", err)
	}
	diag := doctor.Run(ctx, &cfg, Version)

	if *jsonOutput {
		enc := json.NewEncoder(out.w)
		enc.SetIndent("", "  ")
		if err := enc.Encode(diag); err != nil {
			return printErr(stderr, "encode json", err)
		}
		return exitOK
	}

	out.Title(fmt.Sprintf("kaihost doctor (%s)", diag.Timestamp.Format(time.RFC3339)))
	out.Printf("System: %s/%s (%s) %s\n", diag.System.OS, diag.System.Arch, diag.System.Go, diag.System.Version)
	out.Println("---")
	for _, res := range diag.Results {
		out.Printf("%-4s %-20s %s\n", out.status(res.Status), res.Name, res.Message)
		if res.Detail != "" {
			out.Printf("     %s\n", out.paint(out.dim, res.Detail))
		}
	}
	if diag.Failed() {
		return exitFail
	}
	return exitOK
}
