package cli

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/olekukonko/tablewriter"
	"github.com/samber/lo"

	"github.com/OliverMidbrink/cwb/internal/bridge"
	"github.com/OliverMidbrink/cwb/internal/domain"
	"github.com/OliverMidbrink/cwb/internal/output"
	"github.com/OliverMidbrink/cwb/internal/wire"
)

// TabsCmd lists open browser tabs.
type TabsCmd struct {
	Addr string `help:"Bridge address" default:""`
}

// Run executes the tabs command
func (c *TabsCmd) Run(globals *Globals) error {
	client, err := bridge.Dial(context.Background(), bridgeAddr(globals, c.Addr), callTimeout(globals))
	if err != nil {
		return outputErrorCommon(globals, "BRIDGE_UNREACHABLE", err.Error(),
			"is 'cwb serve' running?")
	}
	defer func() { _ = client.Close() }()

	resp, err := client.Call(context.Background(), wire.ToolGetAllOpenTabs, nil)
	if err != nil {
		return outputErrorCommon(globals, "CALL_FAILED", err.Error())
	}
	if !resp.OK {
		return outputErrorCommon(globals, "TOOL_ERROR", resp.Error,
			"is 'cwb agent' running?")
	}

	tabs, err := decodeTabs(resp.Fields)
	if err != nil {
		return outputErrorCommon(globals, "BAD_RESPONSE", err.Error())
	}

	if globals.Format == "ndjson" {
		return output.NewNDJSONWriter(globals.Stdout).WriteTabs(tabs)
	}

	if len(tabs) == 0 {
		fmt.Fprintln(globals.Stdout, "No open tabs")
		return nil
	}

	table := tablewriter.NewTable(globals.Stdout)
	table.Header("ID", "Active", "Status", "Title", "URL")
	for _, t := range tabs {
		active := ""
		if t.Active {
			active = "*"
		}
		_ = table.Append([]string{
			fmt.Sprintf("%d", t.ID),
			active,
			t.Status,
			truncate(t.Title, 40),
			truncate(t.URL, 60),
		})
	}
	if err := table.Render(); err != nil {
		return err
	}

	loading := lo.CountBy(tabs, func(t domain.Tab) bool { return t.Status == "loading" })
	summary := fmt.Sprintf("%d tabs", len(tabs))
	if active, ok := lo.Find(tabs, func(t domain.Tab) bool { return t.Active }); ok {
		summary += fmt.Sprintf(", active: %d", active.ID)
	}
	if loading > 0 {
		summary += fmt.Sprintf(", %d loading", loading)
	}
	fmt.Fprintln(globals.Stdout, summary)
	return nil
}

// decodeTabs re-types the generic response payload into domain tabs.
func decodeTabs(fields map[string]any) ([]domain.Tab, error) {
	raw, ok := fields["tabs"]
	if !ok {
		return nil, fmt.Errorf("response missing tabs field")
	}
	buf, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("re-encode tabs: %w", err)
	}
	var tabs []domain.Tab
	if err := json.Unmarshal(buf, &tabs); err != nil {
		return nil, fmt.Errorf("decode tabs: %w", err)
	}
	return tabs, nil
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	if max <= 3 {
		return s[:max]
	}
	return s[:max-3] + "..."
}
