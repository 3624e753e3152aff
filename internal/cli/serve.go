package cli

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/benbjohnson/clock"

	"github.com/OliverMidbrink/cwb/internal/bridge"
	"github.com/OliverMidbrink/cwb/internal/output"
)

// ServeCmd runs the command server until interrupted
type ServeCmd struct {
	Addr string `help:"Listen address (loopback only)" default:""`
}

// Run executes the serve command
func (c *ServeCmd) Run(globals *Globals) error {
	addr := bridgeAddr(globals, c.Addr)

	logger := newZapLogger(globals)
	defer func() { _ = logger.Sync() }()
	log := logger.Sugar()

	srv := bridge.NewServer(log, clock.New(), callTimeout(globals))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if globals.Format == "ndjson" && !globals.Quiet {
		output.NewNDJSONWriter(globals.Stdout).WriteReady("server", addr)
	}

	if err := srv.Run(ctx, addr); err != nil && ctx.Err() == nil {
		return outputErrorCommon(globals, "SERVE_FAILED", err.Error(),
			"is another cwb serve already running on "+addr+"?")
	}
	return nil
}
