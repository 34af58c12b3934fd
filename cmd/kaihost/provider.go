package main

import (
	"context"
	"fmt"
	"io"

	"github.com/basket/kaihost/internal/config"
)

func runProvider(_ context.Context, g globalFlags, args []string, out *printer, stderr io.Writer) int {
	switch {
	case len(args) == 1 && args[0] == "show":
	case (len(args) == 2 || len(args) == 3) && args[0] == "set":
	default:
		fmt.Fprintln(stderr, "usage: kaihost provider show | provider set <provider> [model]")
		return exitUsage
	}

	cfg, err := loadConfig(g.home)
	if err != nil {
		return printErr(stderr, "config", err)
	}
	if args[0] == "set" {
		model := ""
		if len(args) == 3 {
			model = args[2]
		}
		if err := config.SetLLM(cfg.HomeDir, args[1], model); err != nil {
			return printErr(stderr, "provider", err)
		}
		if cfg, err = config.LoadFrom(cfg.HomeDir); err != nil {
			return printErr(stderr, "config", err)
		}
	}

	provider, model, key := cfg.ResolveLLMConfig()
	credential := out.status("missing")
	if key != "" {
		credential = out.status("set")
	}
	out.Table([]string{"PROVIDER", "MODEL", "CREDENTIAL"}, [][]string{{provider, model, credential}})
	return exitOK
}
