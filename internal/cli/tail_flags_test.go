package cli

import (
	"testing"

	"github.com/alecthomas/kong"
	"github.com/stretchr/testify/require"
)

// Ensure flag names/aliases keep working for agents.
func TestTailFlagsParse(t *testing.T) {
	var c CLI
	parser, err := kong.New(&c, kong.Vars{
		"config_format": "ndjson",
		"config_level":  "default",
	})
	require.NoError(t, err)

	_, err = parser.Parse([]string{
		"tail",
		"-t", "3",
		"--filter", "timeout",
		"--exclude", "heartbeat",
		"--where", "level=error",
		"--dedupe",
		"--dedupe-window", "30s",
		"--buffer", "50",
		"--no-follow",
		"--resume",
		"--output", "out.ndjson",
	})
	require.NoError(t, err)

	require.Equal(t, 3, c.Tail.Tab)
	require.Equal(t, "timeout", c.Tail.Pattern)
	require.Contains(t, c.Tail.Exclude, "heartbeat")
	require.Contains(t, c.Tail.Where, "level=error")
	require.True(t, c.Tail.Dedupe)
	require.Equal(t, "30s", c.Tail.DedupeWindow)
	require.Equal(t, 50, c.Tail.Buffer)
	require.False(t, c.Tail.Follow)
	require.True(t, c.Tail.Resume)
	require.Equal(t, "out.ndjson", c.Tail.Output)
}

func TestCallFlagsParse(t *testing.T) {
	var c CLI
	parser, err := kong.New(&c, kong.Vars{
		"config_format": "ndjson",
		"config_level":  "default",
	})
	require.NoError(t, err)

	_, err = parser.Parse([]string{
		"call", "open_tab",
		"-a", "url=https://example.com",
		"-a", "active=false",
	})
	require.NoError(t, err)

	require.Equal(t, "open_tab", c.Call.Tool)
	require.Equal(t, "https://example.com", c.Call.Arg["url"])
	require.Equal(t, "false", c.Call.Arg["active"])
}
