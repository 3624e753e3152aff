package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/OliverMidbrink/cwb/internal/bridge"
	"github.com/OliverMidbrink/cwb/internal/output"
	"github.com/OliverMidbrink/cwb/internal/wire"
)

// CallCmd sends one command through the bridge and prints the response.
type CallCmd struct {
	Tool string            `arg:"" help:"Command name, e.g. get_all_open_tabs"`
	Arg  map[string]string `help:"Command argument as key=value (repeatable)" short:"a"`
	JSON string            `help:"Raw JSON arguments (overrides --arg)" name:"json"`
	Addr string            `help:"Bridge address" default:""`
}

// Run executes the call command
func (c *CallCmd) Run(globals *Globals) error {
	if !wire.KnownTools[c.Tool] {
		return outputErrorCommon(globals, "UNKNOWN_TOOL", fmt.Sprintf("unknown tool %q", c.Tool),
			"run 'cwb schema' to list available tools")
	}

	args, err := c.buildArgs()
	if err != nil {
		return outputErrorCommon(globals, "BAD_ARGS", err.Error())
	}

	client, err := bridge.Dial(context.Background(), bridgeAddr(globals, c.Addr), callTimeout(globals))
	if err != nil {
		return outputErrorCommon(globals, "BRIDGE_UNREACHABLE", err.Error(),
			"is 'cwb serve' running?")
	}
	defer func() { _ = client.Close() }()

	resp, err := client.Call(context.Background(), c.Tool, args)
	if err != nil {
		return outputErrorCommon(globals, "CALL_FAILED", err.Error())
	}

	if globals.Format == "ndjson" {
		output.NewNDJSONWriter(globals.Stdout).WriteResult(c.Tool, resp.OK, resp.Error, resp.Fields)
		if !resp.OK {
			return fmt.Errorf("%s", resp.Error)
		}
		return nil
	}

	if !resp.OK {
		return outputErrorCommon(globals, "TOOL_ERROR", resp.Error)
	}
	if len(resp.Fields) == 0 {
		fmt.Fprintln(globals.Stdout, "ok")
		return nil
	}
	keys := make([]string, 0, len(resp.Fields))
	for k := range resp.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(globals.Stdout, "%s: %s\n", k, formatValue(resp.Fields[k]))
	}
	return nil
}

// buildArgs assembles the args object from --json or typed --arg pairs.
func (c *CallCmd) buildArgs() (any, error) {
	if c.JSON != "" {
		var args map[string]any
		if err := json.Unmarshal([]byte(c.JSON), &args); err != nil {
			return nil, fmt.Errorf("invalid --json: %w", err)
		}
		return args, nil
	}
	if len(c.Arg) == 0 {
		return nil, nil
	}
	args := make(map[string]any, len(c.Arg))
	for k, v := range c.Arg {
		args[k] = coerceValue(v)
	}
	return args, nil
}

// coerceValue turns flag strings into JSON-ish types so tab=3 arrives as a
// number and active=true as a bool.
func coerceValue(s string) any {
	switch s {
	case "true":
		return true
	case "false":
		return false
	}
	if n, err := strconv.Atoi(s); err == nil {
		return n
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	return s
}

func formatValue(v any) string {
	switch t := v.(type) {
	case string:
		if len(t) > 200 {
			return t[:200] + "...(truncated)"
		}
		return t
	case nil:
		return "null"
	default:
		raw, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		s := string(raw)
		if len(s) > 400 {
			s = s[:400] + "...(truncated)"
		}
		return s
	}
}

// tabLines is shared by text renderers that show buffered console logs.
func tabLines(fields map[string]any) []string {
	raw, ok := fields["logs"]
	if !ok {
		return nil
	}
	switch v := raw.(type) {
	case []string:
		return v
	case []any:
		lines := make([]string, 0, len(v))
		for _, item := range v {
			lines = append(lines, strings.TrimRight(fmt.Sprintf("%v", item), "\n"))
		}
		return lines
	}
	return nil
}
