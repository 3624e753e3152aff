package main

import (
	"fmt"
	"os"

	"github.com/alecthomas/kong"

	"github.com/OliverMidbrink/cwb/internal/cli"
	"github.com/OliverMidbrink/cwb/internal/config"
)

const quickStart = `cwb - browser console and tab control for AI agents

Quick start:
  cwb serve                             Start the command server
  cwb agent                             Connect a Chrome instance
  cwb tabs                              List open tabs
  cwb tail -t 3                         Stream console logs for tab 3
  cwb call open_tab --arg url=https://example.com

For help:
  cwb --help                            All commands and flags
  cwb schema --tools                    Machine-readable output docs (for AI agents)
`

func main() {
	// Show quick start if no args provided
	if len(os.Args) == 1 {
		fmt.Print(quickStart)
		return
	}

	// Load configuration from files/environment
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to load config: %v\n", err)
		cfg = config.Default()
	}

	var c cli.CLI

	// Apply config defaults before parsing
	// These will be overridden by CLI flags if specified
	vars := kong.Vars{
		"config_format": cfg.Format,
		"config_level":  cfg.Level,
	}

	ctx := kong.Parse(&c,
		kong.Name("cwb"),
		kong.Description("cwb: Drive a live Chrome and stream its console for AI agents\n\nAI agents: run 'cwb schema --tools' for machine-readable output documentation"),
		kong.UsageOnError(),
		kong.ConfigureHelp(kong.HelpOptions{
			Compact: true,
			Summary: true,
		}),
		vars,
	)

	// Create globals with config fallbacks
	globals := cli.NewGlobalsWithConfig(&c, cfg)
	err = ctx.Run(globals)
	if err != nil {
		os.Exit(1)
	}
}
