package cli

import (
	"context"
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/OliverMidbrink/cwb/internal/bridge"
	"github.com/OliverMidbrink/cwb/internal/config"
	"github.com/OliverMidbrink/cwb/internal/output"
	"github.com/OliverMidbrink/cwb/internal/vision"
	"github.com/OliverMidbrink/cwb/internal/wire"
)

// ShotCmd captures a screenshot of the active tab or a specific tab, saves
// it under the artifact directory, and optionally runs vision analysis.
type ShotCmd struct {
	Tab     int    `help:"Capture this tab id without focusing it (default: active tab)" default:"0"`
	Out     string `help:"Output file (default: artifact dir with a timestamped name)" short:"o"`
	Analyze bool   `help:"Describe the screenshot with a vision model"`
	Prompt  string `help:"Question for the vision model (implies --analyze)"`
	Addr    string `help:"Bridge address" default:""`
}

// Run executes the shot command
func (c *ShotCmd) Run(globals *Globals) error {
	cfg := globals.Config
	if cfg == nil {
		cfg = config.Default()
	}

	client, err := bridge.Dial(context.Background(), bridgeAddr(globals, c.Addr), callTimeout(globals))
	if err != nil {
		return outputErrorCommon(globals, "BRIDGE_UNREACHABLE", err.Error(),
			"is 'cwb serve' running?")
	}
	defer func() { _ = client.Close() }()

	tool := wire.ToolScreenshot
	var args any
	if c.Tab > 0 {
		tool = wire.ToolScreenshotTab
		args = map[string]any{"tabId": c.Tab}
	}

	resp, err := client.Call(context.Background(), tool, args)
	if err != nil {
		return outputErrorCommon(globals, "CALL_FAILED", err.Error())
	}
	if !resp.OK {
		return outputErrorCommon(globals, "TOOL_ERROR", resp.Error)
	}

	dataURL, _ := resp.Fields["dataUrl"].(string)
	img, ext, err := decodeDataURL(dataURL)
	if err != nil {
		return outputErrorCommon(globals, "BAD_RESPONSE", err.Error())
	}

	path := c.Out
	if path == "" {
		dir := cfg.Defaults.ArtifactDir
		if dir == "" {
			dir = ".cwb-artifacts"
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return outputErrorCommon(globals, "WRITE_FAILED", err.Error())
		}
		name := fmt.Sprintf("shot-%s", time.Now().Format("20060102-150405"))
		if c.Tab > 0 {
			name += fmt.Sprintf("-tab%d", c.Tab)
		}
		path = filepath.Join(dir, name+ext)
	}
	if err := os.WriteFile(path, img, 0o644); err != nil {
		return outputErrorCommon(globals, "WRITE_FAILED", err.Error())
	}

	// Vision trouble never fails the capture; the file is already on disk.
	analysis := ""
	if c.Analyze || c.Prompt != "" {
		analysis = c.analyze(globals, cfg, dataURL)
	}

	if globals.Format == "ndjson" {
		return output.NewNDJSONWriter(globals.Stdout).WriteScreenshot(c.Tab, path, len(img), analysis)
	}

	fmt.Fprintf(globals.Stdout, "Saved %s (%d bytes)\n", path, len(img))
	if analysis != "" {
		fmt.Fprintln(globals.Stdout)
		fmt.Fprintln(globals.Stdout, analysis)
	}
	return nil
}

func (c *ShotCmd) analyze(globals *Globals, cfg *config.Config, dataURL string) string {
	analyzer, err := vision.New(cfg.Defaults.OpenAIKeyEnv, cfg.Defaults.VisionModel)
	if err != nil {
		fmt.Fprintf(globals.Stderr, "vision skipped: %v\n", err)
		return ""
	}
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()
	text, err := analyzer.Describe(ctx, dataURL, c.Prompt)
	if err != nil {
		fmt.Fprintf(globals.Stderr, "vision skipped: %v\n", err)
		return ""
	}
	return text
}

// decodeDataURL splits a data:image/...;base64,... URL into raw bytes and a
// file extension.
func decodeDataURL(dataURL string) ([]byte, string, error) {
	if !strings.HasPrefix(dataURL, "data:image/") {
		return nil, "", fmt.Errorf("response did not contain an image data url")
	}
	idx := strings.Index(dataURL, ";base64,")
	if idx < 0 {
		return nil, "", fmt.Errorf("data url is not base64 encoded")
	}
	mime := dataURL[len("data:"):idx]
	img, err := base64.StdEncoding.DecodeString(dataURL[idx+len(";base64,"):])
	if err != nil {
		return nil, "", fmt.Errorf("decode image: %w", err)
	}
	ext := ".png"
	if strings.Contains(mime, "jpeg") {
		ext = ".jpg"
	}
	return img, ext, nil
}
