package cli

import (
	"os"

	"github.com/mattn/go-isatty"
)

// validateTailFlags centralizes common flag combinations to keep behavior
// consistent.
func validateTailFlags(globals *Globals, mirror bool, follow bool) error {
	// tmux mirroring only makes sense for a live stream
	if mirror && !follow {
		return outputErrorCommon(globals, "INVALID_FLAGS", "--tmux cannot be combined with --no-follow", "drop --no-follow or remove --tmux")
	}
	// quiet + text is confusing for agents; steer to ndjson
	if globals != nil && globals.Format == "text" && globals.Quiet {
		return outputErrorCommon(globals, "INVALID_FLAGS", "--quiet is only supported with ndjson output", "switch to --format ndjson or drop --quiet")
	}
	return nil
}

// requireTTY refuses to start full-screen UI against a pipe.
func requireTTY(globals *Globals) error {
	if isatty.IsTerminal(os.Stdout.Fd()) || isatty.IsCygwinTerminal(os.Stdout.Fd()) {
		return nil
	}
	return outputErrorCommon(globals, "NO_TTY", "ui needs an interactive terminal", "use 'cwb tail' for piped output")
}
