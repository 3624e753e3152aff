package cli

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/OliverMidbrink/cwb/internal/agent"
	"github.com/OliverMidbrink/cwb/internal/browser"
	"github.com/OliverMidbrink/cwb/internal/config"
	"github.com/OliverMidbrink/cwb/internal/output"
	"github.com/OliverMidbrink/cwb/internal/tabstate"
)

// AgentCmd runs the browser agent: drives Chrome over CDP and keeps a
// reconnecting link to the command server.
type AgentCmd struct {
	Addr     string `help:"Bridge address to connect to" default:""`
	CDPURL   string `help:"Attach to a running Chrome devtools endpoint instead of launching one" name:"cdp-url"`
	Headless bool   `help:"Launch Chrome headless (ignored with --cdp-url)"`
}

// Run executes the agent command
func (c *AgentCmd) Run(globals *Globals) error {
	cfg := globals.Config
	if cfg == nil {
		cfg = config.Default()
	}

	logger := newZapLogger(globals)
	defer func() { _ = logger.Sync() }()
	log := logger.Sugar()

	cdpURL := c.CDPURL
	if cdpURL == "" {
		cdpURL = cfg.Agent.CDPURL
	}
	headless := c.Headless || cfg.Agent.Headless

	b, err := browser.NewRod(browser.Options{CDPURL: cdpURL, Headless: headless}, log)
	if err != nil {
		return outputErrorCommon(globals, "BROWSER_FAILED", err.Error(),
			"check --cdp-url or that Chrome can be launched")
	}
	defer func() { _ = b.Close() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tabs := tabstate.NewStore(cfg.Bridge.BufferCap)
	exec := agent.NewExecutor(b, tabs, log)

	ua, err := b.UserAgent(ctx)
	if err != nil {
		log.Warnw("user agent lookup failed", "error", err)
		ua = "cwb-agent"
	}

	addr := bridgeAddr(globals, c.Addr)
	mgr := agent.NewManager(agent.Config{
		URL:          "ws://" + addr,
		PingInterval: parseDurationOr(cfg.Agent.PingInterval, 0),
		IdleTimeout:  parseDurationOr(cfg.Agent.IdleTimeout, 0),
		BackoffBase:  parseDurationOr(cfg.Agent.BackoffBase, 0),
		BackoffMax:   parseDurationOr(cfg.Agent.BackoffMax, 0),
	}, exec, ua, log, clock.New())

	if globals.Format == "ndjson" && !globals.Quiet {
		output.NewNDJSONWriter(globals.Stdout).WriteReady("agent", addr)
	}

	return mgr.Run(ctx)
}

// parseDurationOr parses config duration strings, falling back on bad input
// so the manager applies its own defaults.
func parseDurationOr(s string, fallback time.Duration) time.Duration {
	if d, err := time.ParseDuration(s); err == nil && d > 0 {
		return d
	}
	return fallback
}
