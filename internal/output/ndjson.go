// Package output renders cwb records as NDJSON for machine consumers or as
// plain text for humans. Every NDJSON record carries type and schemaVersion
// so downstream agents can dispatch without guessing.
package output

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/OliverMidbrink/cwb/internal/domain"
)

// SchemaVersion is bumped when any NDJSON record shape changes.
const SchemaVersion = 1

// NDJSONWriter emits one JSON object per line.
type NDJSONWriter struct {
	mu  sync.Mutex
	enc *json.Encoder
}

// NewNDJSONWriter creates a writer targeting w.
func NewNDJSONWriter(w io.Writer) *NDJSONWriter {
	return &NDJSONWriter{enc: json.NewEncoder(w)}
}

func (w *NDJSONWriter) write(v any) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.enc.Encode(v)
}

// ErrorRecord is a machine-readable failure.
type ErrorRecord struct {
	Type          string `json:"type"`
	SchemaVersion int    `json:"schemaVersion"`
	Code          string `json:"code"`
	Message       string `json:"message"`
	Hint          string `json:"hint,omitempty"`
}

// WriteError emits an error record. The optional hint tells the caller what
// to try next.
func (w *NDJSONWriter) WriteError(code, message string, hint ...string) error {
	rec := ErrorRecord{Type: "error", SchemaVersion: SchemaVersion, Code: code, Message: message}
	if len(hint) > 0 {
		rec.Hint = hint[0]
	}
	return w.write(rec)
}

// ReadyRecord announces that a long-running command is up.
type ReadyRecord struct {
	Type          string `json:"type"`
	SchemaVersion int    `json:"schemaVersion"`
	Timestamp     string `json:"timestamp"`
	Role          string `json:"role"`
	Addr          string `json:"addr"`
}

// WriteReady emits a ready record for serve/agent/tail startup.
func (w *NDJSONWriter) WriteReady(role, addr string) error {
	return w.write(ReadyRecord{
		Type:          "ready",
		SchemaVersion: SchemaVersion,
		Timestamp:     time.Now().UTC().Format(time.RFC3339),
		Role:          role,
		Addr:          addr,
	})
}

// ConsoleRecord is one streamed console line.
type ConsoleRecord struct {
	Type          string `json:"type"`
	SchemaVersion int    `json:"schemaVersion"`
	Timestamp     string `json:"timestamp"`
	TabID         int    `json:"tab_id"`
	Level         string `json:"level"`
	Text          string `json:"text"`
	Count         int    `json:"count,omitempty"`
}

// WriteConsoleLine emits a console record. count > 1 marks a line that
// dedupe collapsed.
func (w *NDJSONWriter) WriteConsoleLine(line domain.ConsoleLine, count int) error {
	ts := line.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	rec := ConsoleRecord{
		Type:          "console",
		SchemaVersion: SchemaVersion,
		Timestamp:     ts.UTC().Format(time.RFC3339Nano),
		TabID:         line.TabID,
		Level:         string(line.Level),
		Text:          line.Text,
	}
	if count > 1 {
		rec.Count = count
	}
	return w.write(rec)
}

// TabsRecord is a tab listing snapshot.
type TabsRecord struct {
	Type          string       `json:"type"`
	SchemaVersion int          `json:"schemaVersion"`
	Tabs          []domain.Tab `json:"tabs"`
}

// WriteTabs emits the current tab listing.
func (w *NDJSONWriter) WriteTabs(tabs []domain.Tab) error {
	return w.write(TabsRecord{Type: "tabs", SchemaVersion: SchemaVersion, Tabs: tabs})
}

// ScreenshotRecord reports a saved capture.
type ScreenshotRecord struct {
	Type          string `json:"type"`
	SchemaVersion int    `json:"schemaVersion"`
	TabID         int    `json:"tab_id,omitempty"`
	Path          string `json:"path"`
	Bytes         int    `json:"bytes"`
	Analysis      string `json:"analysis,omitempty"`
}

// WriteScreenshot emits a screenshot record, with the vision analysis when
// one was requested and succeeded.
func (w *NDJSONWriter) WriteScreenshot(tabID int, path string, size int, analysis string) error {
	return w.write(ScreenshotRecord{
		Type:          "screenshot",
		SchemaVersion: SchemaVersion,
		TabID:         tabID,
		Path:          path,
		Bytes:         size,
		Analysis:      analysis,
	})
}

// ResultRecord carries a raw command response for the call command.
type ResultRecord struct {
	Type          string         `json:"type"`
	SchemaVersion int            `json:"schemaVersion"`
	Tool          string         `json:"tool"`
	OK            bool           `json:"ok"`
	Error         string         `json:"error,omitempty"`
	Result        map[string]any `json:"result,omitempty"`
}

// WriteResult emits a result record for a one-shot call.
func (w *NDJSONWriter) WriteResult(tool string, ok bool, errMsg string, result map[string]any) error {
	return w.write(ResultRecord{
		Type:          "result",
		SchemaVersion: SchemaVersion,
		Tool:          tool,
		OK:            ok,
		Error:         errMsg,
		Result:        result,
	})
}

// TmuxRecord reports a created tmux session.
type TmuxRecord struct {
	Type          string `json:"type"`
	SchemaVersion int    `json:"schemaVersion"`
	Session       string `json:"session"`
	Attach        string `json:"attach"`
}

// WriteTmux emits a tmux record after spawning a monitoring session.
func (w *NDJSONWriter) WriteTmux(session string) error {
	return w.write(TmuxRecord{
		Type:          "tmux",
		SchemaVersion: SchemaVersion,
		Session:       session,
		Attach:        fmt.Sprintf("tmux attach -t %s", session),
	})
}

// Emitter serializes NDJSON records from multiple goroutines onto one
// stream. Commands share it between their main loop and event callbacks.
type Emitter struct {
	w *NDJSONWriter
}

// NewEmitter wraps a writer for shared use.
func NewEmitter(w io.Writer) *Emitter {
	return &Emitter{w: NewNDJSONWriter(w)}
}

// Writer returns the underlying NDJSON writer.
func (e *Emitter) Writer() *NDJSONWriter { return e.w }
