package cli

import (
	"encoding/json"
	"sort"
	"strings"

	"github.com/OliverMidbrink/cwb/internal/wire"
)

// SchemaCmd outputs JSON Schema for cwb output types
type SchemaCmd struct {
	Type  []string `short:"t" help:"Output types to include (console,tabs,screenshot,result,ready,error,tmux). Default: all"`
	Tools bool     `help:"Also list the tool names accepted by 'cwb call'"`
}

// Run executes the schema command
func (c *SchemaCmd) Run(globals *Globals) error {
	schemas := map[string]interface{}{
		"console":    consoleSchema(),
		"tabs":       tabsSchema(),
		"screenshot": screenshotSchema(),
		"result":     resultSchema(),
		"ready":      readySchema(),
		"error":      errorSchema(),
		"tmux":       tmuxSchema(),
	}

	// Determine which schemas to output
	typesToOutput := c.Type
	if len(typesToOutput) == 0 {
		typesToOutput = []string{"console", "tabs", "screenshot", "result", "ready", "error", "tmux"}
	}

	// Build output
	output := map[string]interface{}{
		"$schema":     "http://json-schema.org/draft-07/schema#",
		"title":       "cwb Output Schemas",
		"description": "JSON Schema definitions for all cwb NDJSON output types",
		"definitions": map[string]interface{}{},
	}

	defs := output["definitions"].(map[string]interface{})
	for _, t := range typesToOutput {
		t = strings.ToLower(strings.TrimSpace(t))
		if schema, ok := schemas[t]; ok {
			defs[t] = schema
		}
	}

	if c.Tools {
		tools := make([]string, 0, len(wire.KnownTools))
		for name := range wire.KnownTools {
			tools = append(tools, name)
		}
		sort.Strings(tools)
		output["tools"] = tools
	}

	// Output as JSON
	encoder := json.NewEncoder(globals.Stdout)
	encoder.SetIndent("", "  ")
	return encoder.Encode(output)
}

func consoleSchema() map[string]interface{} {
	return map[string]interface{}{
		"type":        "object",
		"title":       "Console Line",
		"description": "A single console message captured from a browser tab",
		"properties": map[string]interface{}{
			"type": map[string]interface{}{
				"type":  "string",
				"const": "console",
			},
			"schemaVersion": map[string]interface{}{
				"type":        "integer",
				"description": "NDJSON record schema version",
			},
			"timestamp": map[string]interface{}{
				"type":        "string",
				"format":      "date-time",
				"description": "ISO8601 timestamp of the console line",
			},
			"tab_id": map[string]interface{}{
				"type":        "integer",
				"description": "Tab the line was captured from",
			},
			"level": map[string]interface{}{
				"type":        "string",
				"enum":        []string{"log", "info", "warn", "error", "exception"},
				"description": "Console level/severity",
			},
			"text": map[string]interface{}{
				"type":        "string",
				"description": "The console message content",
			},
			"count": map[string]interface{}{
				"type":        "integer",
				"description": "Number of duplicates collapsed by --dedupe (absent for unique lines)",
			},
		},
		"required": []string{"type", "schemaVersion", "timestamp", "tab_id", "level", "text"},
	}
}

func tabsSchema() map[string]interface{} {
	return map[string]interface{}{
		"type":        "object",
		"title":       "Tab Listing",
		"description": "Snapshot of all open browser tabs",
		"properties": map[string]interface{}{
			"type": map[string]interface{}{
				"type":  "string",
				"const": "tabs",
			},
			"schemaVersion": map[string]interface{}{
				"type": "integer",
			},
			"tabs": map[string]interface{}{
				"type": "array",
				"items": map[string]interface{}{
					"type": "object",
					"properties": map[string]interface{}{
						"id":       map[string]interface{}{"type": "integer"},
						"url":      map[string]interface{}{"type": "string"},
						"title":    map[string]interface{}{"type": "string"},
						"active":   map[string]interface{}{"type": "boolean"},
						"windowId": map[string]interface{}{"type": "integer"},
						"index":    map[string]interface{}{"type": "integer"},
						"pinned":   map[string]interface{}{"type": "boolean"},
						"status": map[string]interface{}{
							"type": "string",
							"enum": []string{"loading", "complete"},
						},
					},
					"required": []string{"id", "url"},
				},
			},
		},
		"required": []string{"type", "schemaVersion", "tabs"},
	}
}

func screenshotSchema() map[string]interface{} {
	return map[string]interface{}{
		"type":        "object",
		"title":       "Screenshot",
		"description": "A saved screenshot capture, optionally with vision analysis",
		"properties": map[string]interface{}{
			"type": map[string]interface{}{
				"type":  "string",
				"const": "screenshot",
			},
			"schemaVersion": map[string]interface{}{
				"type": "integer",
			},
			"tab_id": map[string]interface{}{
				"type":        "integer",
				"description": "Captured tab id (absent for active-tab captures)",
			},
			"path": map[string]interface{}{
				"type":        "string",
				"description": "File the image was written to",
			},
			"bytes": map[string]interface{}{
				"type":        "integer",
				"description": "Image size on disk",
			},
			"analysis": map[string]interface{}{
				"type":        "string",
				"description": "Vision model description, when --analyze was used",
			},
		},
		"required": []string{"type", "schemaVersion", "path", "bytes"},
	}
}

func resultSchema() map[string]interface{} {
	return map[string]interface{}{
		"type":        "object",
		"title":       "Call Result",
		"description": "Raw response for a one-shot 'cwb call'",
		"properties": map[string]interface{}{
			"type": map[string]interface{}{
				"type":  "string",
				"const": "result",
			},
			"schemaVersion": map[string]interface{}{
				"type": "integer",
			},
			"tool": map[string]interface{}{
				"type":        "string",
				"description": "Tool name that was invoked",
			},
			"ok": map[string]interface{}{
				"type":        "boolean",
				"description": "Whether the tool succeeded",
			},
			"error": map[string]interface{}{
				"type":        "string",
				"description": "Failure reason when ok is false",
			},
			"result": map[string]interface{}{
				"type":        "object",
				"description": "Tool-specific response fields",
			},
		},
		"required": []string{"type", "schemaVersion", "tool", "ok"},
	}
}

func readySchema() map[string]interface{} {
	return map[string]interface{}{
		"type":        "object",
		"title":       "Ready",
		"description": "Announcement that a long-running command is up",
		"properties": map[string]interface{}{
			"type": map[string]interface{}{
				"type":  "string",
				"const": "ready",
			},
			"schemaVersion": map[string]interface{}{
				"type": "integer",
			},
			"timestamp": map[string]interface{}{
				"type":   "string",
				"format": "date-time",
			},
			"role": map[string]interface{}{
				"type":        "string",
				"enum":        []string{"server", "agent", "tail"},
				"description": "Which component came up",
			},
			"addr": map[string]interface{}{
				"type":        "string",
				"description": "Bridge address in use",
			},
		},
		"required": []string{"type", "schemaVersion", "timestamp", "role", "addr"},
	}
}

func errorSchema() map[string]interface{} {
	return map[string]interface{}{
		"type":        "object",
		"title":       "Error",
		"description": "Error message from cwb",
		"properties": map[string]interface{}{
			"type": map[string]interface{}{
				"type":  "string",
				"const": "error",
			},
			"schemaVersion": map[string]interface{}{
				"type": "integer",
			},
			"code": map[string]interface{}{
				"type":        "string",
				"description": "Error code (e.g., BRIDGE_UNREACHABLE, TOOL_ERROR)",
				"enum": []string{
					"BRIDGE_UNREACHABLE",
					"BRIDGE_LOST",
					"CALL_FAILED",
					"TOOL_ERROR",
					"UNKNOWN_TOOL",
					"BAD_ARGS",
					"BAD_FILTER",
					"BAD_RESPONSE",
					"NO_ACTIVE_TAB",
					"BROWSER_FAILED",
					"SERVE_FAILED",
					"WRITE_FAILED",
					"TMUX_FAILED",
				},
			},
			"message": map[string]interface{}{
				"type":        "string",
				"description": "Human-readable error description",
			},
			"hint": map[string]interface{}{
				"type":        "string",
				"description": "Suggested next step",
			},
		},
		"required": []string{"type", "schemaVersion", "code", "message"},
	}
}

func tmuxSchema() map[string]interface{} {
	return map[string]interface{}{
		"type":        "object",
		"title":       "Tmux Session Info",
		"description": "Information about created tmux session",
		"properties": map[string]interface{}{
			"type": map[string]interface{}{
				"type":  "string",
				"const": "tmux",
			},
			"schemaVersion": map[string]interface{}{
				"type": "integer",
			},
			"session": map[string]interface{}{
				"type":        "string",
				"description": "Tmux session name",
			},
			"attach": map[string]interface{}{
				"type":        "string",
				"description": "Command to attach to the session",
			},
		},
		"required": []string{"type", "schemaVersion", "session", "attach"},
	}
}
