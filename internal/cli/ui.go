package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"regexp"
	"syscall"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/OliverMidbrink/cwb/internal/bridge"
	"github.com/OliverMidbrink/cwb/internal/domain"
	"github.com/OliverMidbrink/cwb/internal/filter"
	"github.com/OliverMidbrink/cwb/internal/tui"
	"github.com/OliverMidbrink/cwb/internal/wire"
)

// UICmd launches an interactive TUI for viewing console logs
type UICmd struct {
	Tab     int      `short:"t" default:"0" help:"Tab id to watch (default: active tab)"`
	Pattern string   `short:"p" help:"Regex pattern to filter console messages"`
	Exclude string   `short:"x" help:"Regex pattern to exclude from console messages"`
	Where   []string `help:"Field filter like level=error (can be repeated)"`
	Addr    string   `help:"Bridge address" default:""`
}

// Run executes the UI command
func (c *UICmd) Run(globals *Globals) error {
	if err := requireTTY(globals); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle signals for graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	// Compile pattern regex if provided
	var pattern *regexp.Regexp
	var err error
	if c.Pattern != "" {
		pattern, err = regexp.Compile(c.Pattern)
		if err != nil {
			return fmt.Errorf("invalid regex pattern: %w", err)
		}
	}

	var excludes []*regexp.Regexp
	if c.Exclude != "" {
		re, err := regexp.Compile(c.Exclude)
		if err != nil {
			return fmt.Errorf("invalid exclude regex pattern: %w", err)
		}
		excludes = append(excludes, re)
	}

	var where *filter.WhereFilter
	if len(c.Where) > 0 {
		where, err = filter.NewWhereFilter(c.Where)
		if err != nil {
			return err
		}
	}
	pipeline := filter.NewPipeline(pattern, excludes, where)
	floor := levelFloor(globals.Level)

	globals.Debug("Connecting to bridge at %s", bridgeAddr(globals, c.Addr))
	client, err := bridge.Dial(ctx, bridgeAddr(globals, c.Addr), callTimeout(globals))
	if err != nil {
		return fmt.Errorf("bridge unreachable: %w", err)
	}
	defer func() { _ = client.Close() }()

	tabID := c.Tab
	if tabID == 0 {
		resp, err := client.Call(ctx, wire.ToolActiveTab, nil)
		if err != nil {
			return err
		}
		if !resp.OK {
			return fmt.Errorf("active tab lookup failed: %s", resp.Error)
		}
		if id, ok := resp.Fields["tabId"].(float64); ok && id > 0 {
			tabID = int(id)
		} else {
			return fmt.Errorf("no active tab; pass --tab")
		}
	}

	resp, err := client.Call(ctx, wire.ToolEnableConsoleStream, map[string]any{"tabId": tabID})
	if err != nil {
		return err
	}
	if !resp.OK {
		return fmt.Errorf("enable console stream: %s", resp.Error)
	}

	lines := make(chan domain.ConsoleLine, 256)
	errs := make(chan error, 1)
	go func() {
		defer close(lines)
		for {
			select {
			case <-ctx.Done():
				return
			case <-client.Done():
				if err := client.Err(); err != nil {
					errs <- err
				}
				return
			case ev, ok := <-client.Events():
				if !ok {
					return
				}
				if ev.Event != wire.EventConsoleLog || ev.TabID != tabID {
					continue
				}
				line := domain.ParseConsoleLine(ev.TabID, ev.Line)
				if line.Level.Priority() < floor || !pipeline.Match(&line) {
					continue
				}
				select {
				case lines <- line:
				default:
				}
			}
		}
	}()

	model := tui.New(fmt.Sprintf("cwb tab %d", tabID), bridgeAddr(globals, c.Addr), lines, errs)

	p := tea.NewProgram(model, tea.WithAltScreen())

	go func() {
		<-ctx.Done()
		p.Quit()
	}()

	if _, err := p.Run(); err != nil {
		return fmt.Errorf("TUI error: %w", err)
	}

	return nil
}
