package cli

import (
	"context"
	"fmt"
	"os/signal"
	"regexp"
	"syscall"
	"time"

	"github.com/OliverMidbrink/cwb/internal/bridge"
	"github.com/OliverMidbrink/cwb/internal/config"
	"github.com/OliverMidbrink/cwb/internal/domain"
	"github.com/OliverMidbrink/cwb/internal/filter"
	"github.com/OliverMidbrink/cwb/internal/output"
	"github.com/OliverMidbrink/cwb/internal/tmux"
	"github.com/OliverMidbrink/cwb/internal/wire"
)

// TailCmd streams console output for one tab: replay the buffered lines,
// then follow live events, with filtering, dedupe, and pattern annotation.
type TailCmd struct {
	Tab          int      `help:"Tab id to tail (default: active tab)" short:"t" default:"0"`
	Pattern      string   `help:"Only emit lines matching this regex" name:"filter"`
	Exclude      []string `help:"Drop lines matching this regex (repeatable)"`
	Where        []string `help:"Field filter like level=error or text~timeout (repeatable)"`
	Dedupe       bool     `help:"Suppress consecutive duplicate lines"`
	DedupeWindow string   `help:"Suppress duplicates within this window, e.g. 30s (implies --dedupe)"`
	Buffer       int      `help:"Replay up to this many buffered lines first" default:"-1"`
	Follow       bool     `help:"Keep streaming after the replay" default:"true" negatable:""`
	Annotate     bool     `help:"Mark error lines as new or known against the pattern store"`
	Resume       bool     `help:"Skip buffered lines already emitted by a previous tail of this tab"`
	Output       string   `help:"Also append NDJSON console records to this file" short:"o"`
	Tmux         bool     `help:"Mirror lines into a tmux session"`
	TmuxSession  string   `help:"tmux session name" default:"cwb"`
	Addr         string   `help:"Bridge address" default:""`
}

// Run executes the tail command
func (c *TailCmd) Run(globals *Globals) error {
	cfg := globals.Config
	if cfg == nil {
		cfg = config.Default()
	}

	if err := validateTailFlags(globals, c.Tmux, c.Follow); err != nil {
		return err
	}

	pipeline, err := c.buildPipeline(cfg)
	if err != nil {
		return outputErrorCommon(globals, "BAD_FILTER", err.Error())
	}

	var dedupe *filter.DedupeFilter
	if c.Dedupe || c.DedupeWindow != "" {
		window := time.Duration(0)
		if c.DedupeWindow != "" {
			window, err = time.ParseDuration(c.DedupeWindow)
			if err != nil {
				return outputErrorCommon(globals, "BAD_FILTER", fmt.Sprintf("invalid --dedupe-window: %v", err))
			}
		}
		dedupe = filter.NewDedupeFilter(window)
	}

	client, err := bridge.Dial(context.Background(), bridgeAddr(globals, c.Addr), callTimeout(globals))
	if err != nil {
		return outputErrorCommon(globals, "BRIDGE_UNREACHABLE", err.Error(),
			"is 'cwb serve' running?")
	}
	defer func() { _ = client.Close() }()

	tabID, err := c.resolveTab(globals, client)
	if err != nil {
		return err
	}

	resp, err := client.Call(context.Background(), wire.ToolEnableConsoleStream, map[string]any{"tabId": tabID})
	if err != nil {
		return outputErrorCommon(globals, "CALL_FAILED", err.Error())
	}
	if !resp.OK {
		return outputErrorCommon(globals, "TOOL_ERROR", resp.Error, "is 'cwb agent' running?")
	}

	var mirror *tmux.Manager
	if c.Tmux {
		mirror, err = tmux.NewManager(tmux.Config{SessionName: c.TmuxSession})
		if err != nil {
			return outputErrorCommon(globals, "TMUX_FAILED", err.Error(), "is tmux installed?")
		}
		_ = mirror.ClearPaneWithBanner(fmt.Sprintf("tab %d", tabID))
	}

	sink := &tailSink{
		globals:  globals,
		writer:   output.NewNDJSONWriter(globals.Stdout),
		pipeline: pipeline,
		dedupe:   dedupe,
		level:    levelFloor(globals.Level),
		mirror:   mirror,
	}
	if c.Annotate {
		sink.patterns = output.NewPatternStore("")
		defer func() { _ = sink.patterns.Save() }()
	}
	if c.Output != "" {
		fs, err := openFileSink(c.Output)
		if err != nil {
			return outputErrorCommon(globals, "WRITE_FAILED", err.Error())
		}
		defer fs.Close()
		sink.fileWriter = output.NewNDJSONWriter(fs)
	}

	var resumePath string
	if c.Resume {
		resumePath, err = defaultResumeStatePath(tabID)
		if err != nil {
			return outputErrorCommon(globals, "WRITE_FAILED", err.Error())
		}
		if st, err := loadResumeState(resumePath); err == nil && st != nil {
			sink.skipThrough = st.LastLine
		}
		defer func() {
			if sink.lastEmitted != "" {
				_ = saveResumeState(resumePath, &resumeState{
					SchemaVersion: output.SchemaVersion,
					TabID:         tabID,
					LastLine:      sink.lastEmitted,
				})
			}
		}()
	}

	if err := c.replayBuffer(globals, client, tabID, cfg, sink); err != nil {
		return err
	}
	if mirror != nil && globals.Format == "ndjson" && !globals.Quiet {
		_ = sink.writer.WriteTmux(mirror.SessionName())
	}
	if !c.Follow {
		return nil
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-client.Done():
			return outputErrorCommon(globals, "BRIDGE_LOST", "connection to bridge closed",
				"restart 'cwb serve' and try again")
		case ev, ok := <-client.Events():
			if !ok {
				return nil
			}
			if ev.Event != wire.EventConsoleLog || ev.TabID != tabID {
				continue
			}
			sink.emit(domain.ParseConsoleLine(ev.TabID, ev.Line))
		}
	}
}

// resolveTab answers the explicit --tab, or asks the agent which tab is
// focused.
func (c *TailCmd) resolveTab(globals *Globals, client *bridge.Client) (int, error) {
	if c.Tab > 0 {
		return c.Tab, nil
	}
	resp, err := client.Call(context.Background(), wire.ToolActiveTab, nil)
	if err != nil {
		return 0, outputErrorCommon(globals, "CALL_FAILED", err.Error())
	}
	if !resp.OK {
		return 0, outputErrorCommon(globals, "TOOL_ERROR", resp.Error, "is 'cwb agent' running?")
	}
	id, ok := resp.Fields["tabId"].(float64)
	if !ok || id <= 0 {
		return 0, outputErrorCommon(globals, "NO_ACTIVE_TAB", "no active tab to tail",
			"pass --tab explicitly")
	}
	return int(id), nil
}

func (c *TailCmd) buildPipeline(cfg *config.Config) (*filter.Pipeline, error) {
	var pattern *regexp.Regexp
	var err error
	if c.Pattern != "" {
		pattern, err = regexp.Compile(c.Pattern)
		if err != nil {
			return nil, fmt.Errorf("invalid --filter: %w", err)
		}
	}
	var excludes []*regexp.Regexp
	for _, expr := range c.Exclude {
		re, err := regexp.Compile(expr)
		if err != nil {
			return nil, fmt.Errorf("invalid --exclude: %w", err)
		}
		excludes = append(excludes, re)
	}
	clauses := c.Where
	if len(clauses) == 0 && cfg.Defaults.Where != "" {
		clauses = []string{cfg.Defaults.Where}
	}
	var where *filter.WhereFilter
	if len(clauses) > 0 {
		where, err = filter.NewWhereFilter(clauses)
		if err != nil {
			return nil, err
		}
	}
	return filter.NewPipeline(pattern, excludes, where), nil
}

// replayBuffer emits the tail end of the stored ring buffer before following.
func (c *TailCmd) replayBuffer(globals *Globals, client *bridge.Client, tabID int, cfg *config.Config, sink *tailSink) error {
	limit := c.Buffer
	if limit < 0 {
		limit = cfg.Defaults.BufferSize
	}
	if limit == 0 {
		return nil
	}
	resp, err := client.Call(context.Background(), wire.ToolConsoleLogsForTab, map[string]any{"tabId": tabID})
	if err != nil {
		return outputErrorCommon(globals, "CALL_FAILED", err.Error())
	}
	if !resp.OK {
		return outputErrorCommon(globals, "TOOL_ERROR", resp.Error)
	}
	lines := trimReplayedLines(tabLines(resp.Fields), sink.skipThrough)
	if len(lines) > limit {
		lines = lines[len(lines)-limit:]
	}
	for _, s := range lines {
		sink.emit(domain.ParseConsoleLine(tabID, s))
	}
	return nil
}

// tailSink applies the filter chain and renders surviving lines.
type tailSink struct {
	globals    *Globals
	writer     *output.NDJSONWriter
	fileWriter *output.NDJSONWriter
	pipeline   *filter.Pipeline
	dedupe     *filter.DedupeFilter
	level      int
	mirror     *tmux.Manager
	patterns   *output.PatternStore

	// resume bookkeeping
	skipThrough string
	lastEmitted string
}

func (s *tailSink) emit(line domain.ConsoleLine) {
	if line.Level.Priority() < s.level {
		return
	}
	if !s.pipeline.Match(&line) {
		return
	}
	count := 0
	if s.dedupe != nil {
		res := s.dedupe.Check(&line)
		if !res.ShouldEmit {
			return
		}
		count = res.Count
	}
	s.lastEmitted = line.Format()
	if s.fileWriter != nil {
		_ = s.fileWriter.WriteConsoleLine(line, count)
	}
	if s.patterns != nil && line.Level.Priority() >= domain.LogLevelError.Priority() {
		key := output.NormalizePattern(line.Text)
		if !s.patterns.IsKnown(key) {
			line.Text += " [new pattern]"
		}
		s.patterns.RecordPattern(key, 1)
	}
	if s.mirror != nil {
		_ = s.mirror.WriteLine(line.Format())
	}
	if s.globals.Format == "ndjson" {
		_ = s.writer.WriteConsoleLine(line, count)
		return
	}
	fmt.Fprintf(s.globals.Stdout, "%s [%d] %s %s\n",
		line.Timestamp.Format("15:04:05.000"), line.TabID, line.Level, line.Text)
}

// levelFloor maps the --level flag to a minimum priority. The default floor
// admits everything.
func levelFloor(level string) int {
	switch level {
	case "", "default", "log":
		return 0
	default:
		return domain.ParseLogLevel(level).Priority()
	}
}
