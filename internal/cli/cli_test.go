package cli

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/OliverMidbrink/cwb/internal/config"
)

// testGlobals creates a Globals struct with captured stdout/stderr
func testGlobals(format string) (*Globals, *bytes.Buffer, *bytes.Buffer) {
	stdout := &bytes.Buffer{}
	stderr := &bytes.Buffer{}
	return &Globals{
		Format:  format,
		Level:   "default",
		Quiet:   false,
		Verbose: false,
		Stdout:  stdout,
		Stderr:  stderr,
		Config:  config.Default(),
	}, stdout, stderr
}

// --- Config Command Tests ---

func TestConfigShowCmd_Run(t *testing.T) {
	t.Run("outputs config in text format", func(t *testing.T) {
		globals, stdout, _ := testGlobals("text")
		cmd := &ConfigShowCmd{}

		err := cmd.Run(globals)
		require.NoError(t, err)

		output := stdout.String()
		assert.Contains(t, output, "Current Configuration:")
		assert.Contains(t, output, "format:")
		assert.Contains(t, output, "level:")
		assert.Contains(t, output, "Bridge:")
		assert.Contains(t, output, "addr: 127.0.0.1:6385")
		assert.Contains(t, output, "Defaults:")
	})

	t.Run("outputs config in NDJSON format", func(t *testing.T) {
		globals, stdout, _ := testGlobals("ndjson")
		cmd := &ConfigShowCmd{}

		err := cmd.Run(globals)
		require.NoError(t, err)

		var result map[string]interface{}
		err = json.Unmarshal(stdout.Bytes(), &result)
		require.NoError(t, err)

		assert.Equal(t, "config", result["type"])
		assert.Contains(t, result, "format")
		assert.Contains(t, result, "bridge")
		assert.Contains(t, result, "defaults")
	})
}

func TestConfigPathCmd_Run(t *testing.T) {
	t.Run("outputs path info in text format when no config", func(t *testing.T) {
		globals, stdout, _ := testGlobals("text")
		cmd := &ConfigPathCmd{}

		err := cmd.Run(globals)
		require.NoError(t, err)

		output := stdout.String()
		// Either shows the path or says no config found
		assert.True(t, strings.Contains(output, "Config file:") || strings.Contains(output, "No configuration file found"))
	})

	t.Run("outputs path in NDJSON format", func(t *testing.T) {
		globals, stdout, _ := testGlobals("ndjson")
		cmd := &ConfigPathCmd{}

		err := cmd.Run(globals)
		require.NoError(t, err)

		var result map[string]interface{}
		err = json.Unmarshal(stdout.Bytes(), &result)
		require.NoError(t, err)

		assert.Equal(t, "config_path", result["type"])
		assert.Contains(t, result, "path")
	})
}

func TestConfigGenerateCmd_Run(t *testing.T) {
	t.Run("outputs sample config YAML", func(t *testing.T) {
		globals, stdout, _ := testGlobals("text")
		cmd := &ConfigGenerateCmd{}

		err := cmd.Run(globals)
		require.NoError(t, err)

		output := stdout.String()
		assert.Contains(t, output, "# cwb configuration file")
		assert.Contains(t, output, "format: ndjson")
		assert.Contains(t, output, "addr: \"127.0.0.1:6385\"")
		assert.Contains(t, output, "buffer_cap: 2000")
		assert.Contains(t, output, "vision_model: gpt-4o-mini")
	})
}

// --- Schema Command Tests ---

func TestSchemaCmd_Run(t *testing.T) {
	t.Run("outputs all schemas by default", func(t *testing.T) {
		globals, stdout, _ := testGlobals("ndjson")
		cmd := &SchemaCmd{}

		err := cmd.Run(globals)
		require.NoError(t, err)

		var result map[string]interface{}
		err = json.Unmarshal(stdout.Bytes(), &result)
		require.NoError(t, err)

		assert.Equal(t, "http://json-schema.org/draft-07/schema#", result["$schema"])
		assert.Equal(t, "cwb Output Schemas", result["title"])

		defs := result["definitions"].(map[string]interface{})
		assert.Contains(t, defs, "console")
		assert.Contains(t, defs, "tabs")
		assert.Contains(t, defs, "screenshot")
		assert.Contains(t, defs, "result")
		assert.Contains(t, defs, "ready")
		assert.Contains(t, defs, "error")
		assert.Contains(t, defs, "tmux")
	})

	t.Run("filters schemas by type", func(t *testing.T) {
		globals, stdout, _ := testGlobals("ndjson")
		cmd := &SchemaCmd{Type: []string{"console", "error"}}

		err := cmd.Run(globals)
		require.NoError(t, err)

		var result map[string]interface{}
		err = json.Unmarshal(stdout.Bytes(), &result)
		require.NoError(t, err)

		defs := result["definitions"].(map[string]interface{})
		assert.Len(t, defs, 2)
		assert.Contains(t, defs, "console")
		assert.Contains(t, defs, "error")
		assert.NotContains(t, defs, "tabs")
	})

	t.Run("lists tool names with --tools", func(t *testing.T) {
		globals, stdout, _ := testGlobals("ndjson")
		cmd := &SchemaCmd{Tools: true}

		err := cmd.Run(globals)
		require.NoError(t, err)

		var result map[string]interface{}
		err = json.Unmarshal(stdout.Bytes(), &result)
		require.NoError(t, err)

		tools, ok := result["tools"].([]interface{})
		require.True(t, ok)
		assert.Len(t, tools, 14)
		assert.Contains(t, tools, "get_all_open_tabs")
		assert.Contains(t, tools, "screenshot_tab")
	})
}

func TestConsoleSchema(t *testing.T) {
	schema := consoleSchema()

	assert.Equal(t, "object", schema["type"])
	assert.Equal(t, "Console Line", schema["title"])

	props := schema["properties"].(map[string]interface{})
	assert.Contains(t, props, "timestamp")
	assert.Contains(t, props, "level")
	assert.Contains(t, props, "tab_id")
	assert.Contains(t, props, "text")
	assert.Contains(t, props, "count")
}

func TestTabsSchema(t *testing.T) {
	schema := tabsSchema()

	assert.Equal(t, "object", schema["type"])
	assert.Equal(t, "Tab Listing", schema["title"])

	props := schema["properties"].(map[string]interface{})
	items := props["tabs"].(map[string]interface{})["items"].(map[string]interface{})
	tabProps := items["properties"].(map[string]interface{})
	assert.Contains(t, tabProps, "id")
	assert.Contains(t, tabProps, "url")
	assert.Contains(t, tabProps, "active")
	assert.Contains(t, tabProps, "status")
}

// --- Call Command Helpers ---

func TestCoerceValue(t *testing.T) {
	tests := []struct {
		input    string
		expected any
	}{
		{"true", true},
		{"false", false},
		{"3", 3},
		{"0", 0},
		{"1.5", 1.5},
		{"https://example.com", "https://example.com"},
		{"hello", "hello"},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			assert.Equal(t, tt.expected, coerceValue(tt.input))
		})
	}
}

func TestCallCmd_buildArgs(t *testing.T) {
	t.Run("no args gives nil", func(t *testing.T) {
		cmd := &CallCmd{}
		args, err := cmd.buildArgs()
		require.NoError(t, err)
		assert.Nil(t, args)
	})

	t.Run("typed key=value args", func(t *testing.T) {
		cmd := &CallCmd{Arg: map[string]string{"tabId": "3", "url": "https://example.com", "active": "false"}}
		args, err := cmd.buildArgs()
		require.NoError(t, err)
		assert.Equal(t, map[string]any{"tabId": 3, "url": "https://example.com", "active": false}, args)
	})

	t.Run("raw json overrides pairs", func(t *testing.T) {
		cmd := &CallCmd{JSON: `{"expression":"1+1"}`, Arg: map[string]string{"ignored": "yes"}}
		args, err := cmd.buildArgs()
		require.NoError(t, err)
		assert.Equal(t, map[string]any{"expression": "1+1"}, args)
	})

	t.Run("invalid json errors", func(t *testing.T) {
		cmd := &CallCmd{JSON: `{not json`}
		_, err := cmd.buildArgs()
		assert.Error(t, err)
	})
}

func TestCallCmd_RejectsUnknownTool(t *testing.T) {
	globals, stdout, _ := testGlobals("ndjson")
	cmd := &CallCmd{Tool: "launch_missiles"}

	err := cmd.Run(globals)
	assert.Error(t, err)

	var result map[string]interface{}
	require.NoError(t, json.Unmarshal(stdout.Bytes(), &result))
	assert.Equal(t, "error", result["type"])
	assert.Equal(t, "UNKNOWN_TOOL", result["code"])
}

// --- Tabs Command Helpers ---

func TestDecodeTabs(t *testing.T) {
	t.Run("decodes generic payload", func(t *testing.T) {
		fields := map[string]any{
			"tabs": []any{
				map[string]any{"id": float64(1), "url": "https://a.test", "active": true, "status": "complete"},
				map[string]any{"id": float64(2), "url": "https://b.test", "status": "loading"},
			},
		}
		tabs, err := decodeTabs(fields)
		require.NoError(t, err)
		require.Len(t, tabs, 2)
		assert.Equal(t, 1, tabs[0].ID)
		assert.True(t, tabs[0].Active)
		assert.Equal(t, "loading", tabs[1].Status)
	})

	t.Run("missing tabs field errors", func(t *testing.T) {
		_, err := decodeTabs(map[string]any{})
		assert.Error(t, err)
	})
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 40))
	assert.Equal(t, "aaaaaaa...", truncate(strings.Repeat("a", 20), 10))
}

// --- Shot Command Helpers ---

func TestDecodeDataURL(t *testing.T) {
	t.Run("decodes png data url", func(t *testing.T) {
		payload := []byte{0x89, 'P', 'N', 'G'}
		url := "data:image/png;base64," + base64.StdEncoding.EncodeToString(payload)
		img, ext, err := decodeDataURL(url)
		require.NoError(t, err)
		assert.Equal(t, payload, img)
		assert.Equal(t, ".png", ext)
	})

	t.Run("jpeg gets jpg extension", func(t *testing.T) {
		url := "data:image/jpeg;base64," + base64.StdEncoding.EncodeToString([]byte{0xff, 0xd8})
		_, ext, err := decodeDataURL(url)
		require.NoError(t, err)
		assert.Equal(t, ".jpg", ext)
	})

	t.Run("rejects non-image url", func(t *testing.T) {
		_, _, err := decodeDataURL("data:text/plain;base64,aGk=")
		assert.Error(t, err)
	})

	t.Run("rejects missing base64 marker", func(t *testing.T) {
		_, _, err := decodeDataURL("data:image/png,plain")
		assert.Error(t, err)
	})
}

// --- Tail Command Helpers ---

func TestLevelFloor(t *testing.T) {
	assert.Equal(t, 0, levelFloor(""))
	assert.Equal(t, 0, levelFloor("default"))
	assert.Equal(t, 0, levelFloor("log"))
	assert.Equal(t, 2, levelFloor("warn"))
	assert.Equal(t, 3, levelFloor("error"))
}

func TestTrimReplayedLines(t *testing.T) {
	lines := []string{"[log] a", "[error] b", "[log] a", "[log] c"}

	t.Run("empty marker keeps everything", func(t *testing.T) {
		assert.Equal(t, lines, trimReplayedLines(lines, ""))
	})

	t.Run("trims through last occurrence", func(t *testing.T) {
		assert.Equal(t, []string{"[log] c"}, trimReplayedLines(lines, "[log] a"))
	})

	t.Run("unmatched marker keeps everything", func(t *testing.T) {
		assert.Equal(t, lines, trimReplayedLines(lines, "[warn] nope"))
	})
}

func TestValidateTailFlags(t *testing.T) {
	t.Run("tmux without follow is rejected", func(t *testing.T) {
		globals, stdout, _ := testGlobals("ndjson")
		err := validateTailFlags(globals, true, false)
		assert.Error(t, err)
		assert.Contains(t, stdout.String(), "INVALID_FLAGS")
	})

	t.Run("quiet with text output is rejected", func(t *testing.T) {
		globals, _, stderr := testGlobals("text")
		globals.Quiet = true
		err := validateTailFlags(globals, false, true)
		assert.Error(t, err)
		assert.Contains(t, stderr.String(), "INVALID_FLAGS")
	})

	t.Run("plain follow passes", func(t *testing.T) {
		globals, _, _ := testGlobals("ndjson")
		assert.NoError(t, validateTailFlags(globals, false, true))
	})
}

// --- Version Command Tests ---

func TestVersionCmd_Run(t *testing.T) {
	t.Run("outputs version in text format", func(t *testing.T) {
		globals, stdout, _ := testGlobals("text")
		cmd := &VersionCmd{}

		err := cmd.Run(globals)
		require.NoError(t, err)

		output := stdout.String()
		assert.Contains(t, output, "cwb version")
	})

	t.Run("outputs version in NDJSON format", func(t *testing.T) {
		globals, stdout, _ := testGlobals("ndjson")
		cmd := &VersionCmd{}

		err := cmd.Run(globals)
		require.NoError(t, err)

		var result map[string]interface{}
		err = json.Unmarshal(stdout.Bytes(), &result)
		require.NoError(t, err)

		assert.Equal(t, "version", result["type"])
		assert.Contains(t, result, "version")
		assert.Contains(t, result, "commit")
	})
}

// --- Update Command Tests ---

func TestUpdateCmd_Run(t *testing.T) {
	t.Run("outputs instructions in text format", func(t *testing.T) {
		globals, stdout, _ := testGlobals("text")
		cmd := &UpdateCmd{}

		err := cmd.Run(globals)
		require.NoError(t, err)

		output := stdout.String()
		assert.Contains(t, output, "go install")
		assert.Contains(t, output, "releases")
	})

	t.Run("outputs instructions in NDJSON format", func(t *testing.T) {
		globals, stdout, _ := testGlobals("ndjson")
		cmd := &UpdateCmd{}

		err := cmd.Run(globals)
		require.NoError(t, err)

		var result map[string]interface{}
		err = json.Unmarshal(stdout.Bytes(), &result)
		require.NoError(t, err)

		assert.Equal(t, "update", result["type"])
		assert.Contains(t, result, "go_install")
	})
}
