// Package cli defines the cwb command tree. Every command emits either
// NDJSON (for AI agents) or text (for humans), selected by --format.
package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/OliverMidbrink/cwb/internal/config"
)

// Build-time identity, injected via -ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// Globals carries cross-command state into every Run method.
type Globals struct {
	Format  string
	Level   string
	Quiet   bool
	Verbose bool
	Stdout  io.Writer
	Stderr  io.Writer
	Config  *config.Config
}

// Debug prints verbose diagnostics to stderr when --verbose is set.
func (g *Globals) Debug(format string, args ...interface{}) {
	if g != nil && g.Verbose {
		fmt.Fprintf(g.Stderr, "[debug] "+format+"\n", args...)
	}
}

// CLI is the kong command model.
type CLI struct {
	Format  string `help:"Output format: ndjson (machine-readable) or text" enum:"ndjson,text" default:"${config_format}" short:"f"`
	Level   string `help:"Minimum console level to emit (log, info, warn, error, exception)" default:"${config_level}" short:"l"`
	Quiet   bool   `help:"Suppress non-essential output (ndjson only)" short:"q"`
	Verbose bool   `help:"Enable verbose debug logging" short:"v"`

	Serve      ServeCmd      `cmd:"" help:"Run the command server (websocket bridge)"`
	Agent      AgentCmd      `cmd:"" help:"Run the browser agent against a live Chrome"`
	Call       CallCmd       `cmd:"" help:"Send a single command and print the response"`
	Tabs       TabsCmd       `cmd:"" help:"List open browser tabs"`
	Shot       ShotCmd       `cmd:"" help:"Capture a screenshot, optionally analyze it"`
	Tail       TailCmd       `cmd:"" help:"Stream console output for a tab"`
	UI         UICmd         `cmd:"" help:"Interactive console viewer"`
	Schema     SchemaCmd     `cmd:"" help:"Output JSON Schemas for NDJSON records"`
	Config     ConfigCmd     `cmd:"" help:"Inspect or generate configuration"`
	Completion CompletionCmd `cmd:"" help:"Generate shell completion scripts"`
	Update     UpdateCmd     `cmd:"" help:"Show how to upgrade cwb"`
	Version    VersionCmd    `cmd:"" help:"Show version information"`
}

// NewGlobalsWithConfig builds Globals from parsed flags and loaded config.
func NewGlobalsWithConfig(c *CLI, cfg *config.Config) *Globals {
	return &Globals{
		Format:  c.Format,
		Level:   c.Level,
		Quiet:   c.Quiet || cfg.Quiet,
		Verbose: c.Verbose || cfg.Verbose,
		Stdout:  os.Stdout,
		Stderr:  os.Stderr,
		Config:  cfg,
	}
}

// bridgeAddr resolves the bridge endpoint, preferring the flag when set.
func bridgeAddr(globals *Globals, flag string) string {
	if flag != "" {
		return flag
	}
	if globals != nil && globals.Config != nil && globals.Config.Bridge.Addr != "" {
		return globals.Config.Bridge.Addr
	}
	return "127.0.0.1:6385"
}

// callTimeout resolves the per-command response deadline.
func callTimeout(globals *Globals) time.Duration {
	if globals != nil && globals.Config != nil {
		if d, err := time.ParseDuration(globals.Config.Bridge.CallTimeout); err == nil && d > 0 {
			return d
		}
	}
	return 10 * time.Second
}

// VersionCmd shows build information
type VersionCmd struct{}

// Run executes the version command
func (c *VersionCmd) Run(globals *Globals) error {
	if globals.Format == "ndjson" {
		return json.NewEncoder(globals.Stdout).Encode(map[string]any{
			"type":    "version",
			"version": version,
			"commit":  commit,
			"date":    date,
		})
	}
	fmt.Fprintf(globals.Stdout, "cwb version %s (commit %s, built %s)\n", version, commit, date)
	return nil
}

// ConfigCmd groups configuration subcommands
type ConfigCmd struct {
	Show     ConfigShowCmd     `cmd:"" help:"Show the effective configuration"`
	Path     ConfigPathCmd     `cmd:"" help:"Show which config file is in use"`
	Generate ConfigGenerateCmd `cmd:"" help:"Print a sample config file"`
}

// ConfigShowCmd prints the effective configuration
type ConfigShowCmd struct{}

// Run executes the config show command
func (c *ConfigShowCmd) Run(globals *Globals) error {
	cfg := globals.Config
	if cfg == nil {
		cfg = config.Default()
	}

	if globals.Format == "ndjson" {
		return json.NewEncoder(globals.Stdout).Encode(map[string]any{
			"type":     "config",
			"format":   cfg.Format,
			"level":    cfg.Level,
			"quiet":    cfg.Quiet,
			"verbose":  cfg.Verbose,
			"bridge":   cfg.Bridge,
			"agent":    cfg.Agent,
			"defaults": cfg.Defaults,
		})
	}

	fmt.Fprintln(globals.Stdout, "Current Configuration:")
	fmt.Fprintf(globals.Stdout, "  format: %s\n", cfg.Format)
	fmt.Fprintf(globals.Stdout, "  level: %s\n", cfg.Level)
	fmt.Fprintf(globals.Stdout, "  quiet: %v\n", cfg.Quiet)
	fmt.Fprintf(globals.Stdout, "  verbose: %v\n", cfg.Verbose)
	fmt.Fprintln(globals.Stdout, "  Bridge:")
	fmt.Fprintf(globals.Stdout, "    addr: %s\n", cfg.Bridge.Addr)
	fmt.Fprintf(globals.Stdout, "    call_timeout: %s\n", cfg.Bridge.CallTimeout)
	fmt.Fprintf(globals.Stdout, "    buffer_cap: %d\n", cfg.Bridge.BufferCap)
	fmt.Fprintln(globals.Stdout, "  Agent:")
	fmt.Fprintf(globals.Stdout, "    cdp_url: %s\n", cfg.Agent.CDPURL)
	fmt.Fprintf(globals.Stdout, "    ping_interval: %s\n", cfg.Agent.PingInterval)
	fmt.Fprintf(globals.Stdout, "    idle_timeout: %s\n", cfg.Agent.IdleTimeout)
	fmt.Fprintln(globals.Stdout, "  Defaults:")
	fmt.Fprintf(globals.Stdout, "    buffer_size: %d\n", cfg.Defaults.BufferSize)
	fmt.Fprintf(globals.Stdout, "    artifact_dir: %s\n", cfg.Defaults.ArtifactDir)
	fmt.Fprintf(globals.Stdout, "    vision_model: %s\n", cfg.Defaults.VisionModel)
	return nil
}

// ConfigPathCmd shows which config file was loaded
type ConfigPathCmd struct{}

// Run executes the config path command
func (c *ConfigPathCmd) Run(globals *Globals) error {
	path := config.ConfigFile()

	if globals.Format == "ndjson" {
		return json.NewEncoder(globals.Stdout).Encode(map[string]any{
			"type": "config_path",
			"path": path,
		})
	}

	if path == "" {
		fmt.Fprintln(globals.Stdout, "No configuration file found (using defaults)")
		fmt.Fprintln(globals.Stdout, "Searched: /etc/cwb/, $XDG_CONFIG_HOME/cwb/, ~/.cwb.yaml, ./cwb.yaml")
	} else {
		fmt.Fprintf(globals.Stdout, "Config file: %s\n", path)
	}
	return nil
}

// ConfigGenerateCmd prints a commented sample configuration
type ConfigGenerateCmd struct{}

// Run executes the config generate command
func (c *ConfigGenerateCmd) Run(globals *Globals) error {
	sample := `# cwb configuration file
# Place at ~/.cwb.yaml or ./cwb.yaml

# Output format: ndjson (machine-readable) or text
format: ndjson

# Minimum console level: log, info, warn, error, exception
level: default

# Suppress non-essential output
quiet: false

# Verbose debug logging
verbose: false

bridge:
  # Loopback websocket endpoint shared by server, agent, and controllers
  addr: "127.0.0.1:6385"
  # How long a command waits for the agent to answer
  call_timeout: 10s
  # Per-tab console ring buffer capacity
  buffer_cap: 2000

agent:
  # Attach to a running Chrome instead of launching one
  # cdp_url: "ws://127.0.0.1:9222"
  headless: false
  ping_interval: 15s
  idle_timeout: 60s
  backoff_base: 500ms
  backoff_max: 15s

defaults:
  # tail defaults
  buffer_size: 100
  # where: "level=error"

  # shot defaults
  artifact_dir: ".cwb-artifacts"
  openai_key_env: OPENAI_API_KEY
  vision_model: gpt-4o-mini
`
	fmt.Fprint(globals.Stdout, sample)
	return nil
}
