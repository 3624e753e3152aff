// Package wire defines the JSON frames exchanged between the bridge server,
// the browser agent, and controller clients. A frame is a tagged union of
// request, response, and event, demuxed by shape: requests carry id+tool,
// responses carry id without tool, events carry an event tag and no id.
package wire

import (
	"encoding/json"
)

// Event names pushed by the agent.
const (
	EventHello      = "hello"
	EventPing       = "ping"
	EventConsoleLog = "console_log"
)

// Tool names understood by the agent. The string is the stable contract.
const (
	ToolGetAllOpenTabs      = "get_all_open_tabs"
	ToolActiveTab           = "active_tab"
	ToolOpenTab             = "open_tab"
	ToolNavigate            = "navigate"
	ToolNavigateTab         = "navigate_tab"
	ToolCloseTab            = "close_tab"
	ToolCloseTabsByURL      = "close_tabs_by_url"
	ToolEvaluateJS          = "evaluate_js"
	ToolConsoleLogsForTab   = "console_logs_for_tab"
	ToolEnableConsoleStream = "enable_console_stream"
	ToolScreenshot          = "screenshot"
	ToolScreenshotTab       = "screenshot_tab"
	ToolGetWindowBounds     = "get_window_bounds"
	ToolGetViewport         = "get_viewport"
)

// KnownTools is the closed set of dispatchable tool names.
var KnownTools = map[string]bool{
	ToolGetAllOpenTabs:      true,
	ToolActiveTab:           true,
	ToolOpenTab:             true,
	ToolNavigate:            true,
	ToolNavigateTab:         true,
	ToolCloseTab:            true,
	ToolCloseTabsByURL:      true,
	ToolEvaluateJS:          true,
	ToolConsoleLogsForTab:   true,
	ToolEnableConsoleStream: true,
	ToolScreenshot:          true,
	ToolScreenshotTab:       true,
	ToolGetWindowBounds:     true,
	ToolGetViewport:         true,
}

// Request asks the agent to run one tool.
type Request struct {
	ID   string          `json:"id"`
	Tool string          `json:"tool"`
	Args json.RawMessage `json:"args,omitempty"`
}

// Response answers exactly one Request, matched by ID. Tool-specific result
// fields ride alongside ok in Fields and are flattened on the wire.
type Response struct {
	ID     string
	OK     bool
	Error  string
	Fields map[string]any
}

// Event is a fire-and-forget push from the agent.
type Event struct {
	Event string `json:"event"`
	UA    string `json:"ua,omitempty"`
	TS    int64  `json:"ts,omitempty"`
	TabID int    `json:"tabId,omitempty"`
	Line  string `json:"line,omitempty"`
}

// MarshalJSON flattens Fields next to id/ok/error.
func (r Response) MarshalJSON() ([]byte, error) {
	m := make(map[string]any, len(r.Fields)+3)
	for k, v := range r.Fields {
		m[k] = v
	}
	m["id"] = r.ID
	m["ok"] = r.OK
	if r.Error != "" {
		m["error"] = r.Error
	}
	return json.Marshal(m)
}

// UnmarshalJSON lifts id/ok/error out of the flat object and keeps the rest
// as Fields.
func (r *Response) UnmarshalJSON(data []byte) error {
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}
	if id, ok := m["id"].(string); ok {
		r.ID = id
	}
	if okv, ok := m["ok"].(bool); ok {
		r.OK = okv
	}
	if errMsg, ok := m["error"].(string); ok {
		r.Error = errMsg
	}
	delete(m, "id")
	delete(m, "ok")
	delete(m, "error")
	r.Fields = m
	return nil
}

// Frame is the decoded form of one inbound message.
type Frame struct {
	Request  *Request
	Response *Response
	Event    *Event
}

// Decode demultiplexes one raw message. It returns ok=false for malformed
// JSON or shapes that are none of the three frame kinds; such messages are
// dropped by callers.
func Decode(raw []byte) (Frame, bool) {
	var probe struct {
		ID    *string         `json:"id"`
		Tool  string          `json:"tool"`
		Event string          `json:"event"`
		OK    *bool           `json:"ok"`
		Error *string         `json:"error"`
		Args  json.RawMessage `json:"args"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return Frame{}, false
	}

	switch {
	case probe.Event != "":
		var ev Event
		if err := json.Unmarshal(raw, &ev); err != nil {
			return Frame{}, false
		}
		return Frame{Event: &ev}, true

	case probe.ID != nil && probe.Tool != "":
		return Frame{Request: &Request{ID: *probe.ID, Tool: probe.Tool, Args: probe.Args}}, true

	case probe.ID != nil && (probe.OK != nil || probe.Error != nil):
		var resp Response
		if err := json.Unmarshal(raw, &resp); err != nil {
			return Frame{}, false
		}
		return Frame{Response: &resp}, true
	}
	return Frame{}, false
}

// Ok builds a success response with the given result fields.
func Ok(id string, fields map[string]any) Response {
	return Response{ID: id, OK: true, Fields: fields}
}

// Fail builds a failure response carrying an error message.
func Fail(id, msg string) Response {
	return Response{ID: id, OK: false, Error: msg}
}
