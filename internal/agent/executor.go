// Package agent implements the browser-side half of the bridge: a command
// executor that runs tools against the live browser, and a connection
// manager that keeps the agent attached to the command server.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/OliverMidbrink/cwb/internal/browser"
	"github.com/OliverMidbrink/cwb/internal/domain"
	"github.com/OliverMidbrink/cwb/internal/tabstate"
	"github.com/OliverMidbrink/cwb/internal/wire"
)

// Executor runs one tool invocation at a time against the browser and the
// per-tab state store. Command-level failures become ok:false responses;
// the executor itself never errors a request into a dropped frame.
type Executor struct {
	browser browser.Browser
	tabs    *tabstate.Store
	log     *zap.SugaredLogger

	// emit pushes console lines captured from attached tabs out as
	// console_log events. Set by the connection manager.
	emit func(domain.ConsoleLine)
}

// NewExecutor wires an executor to a browser and a tab-state store.
func NewExecutor(b browser.Browser, tabs *tabstate.Store, log *zap.SugaredLogger) *Executor {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	e := &Executor{browser: b, tabs: tabs, log: log}
	b.OnTabClosed(tabs.Drop)
	return e
}

// SetEmitter installs the console_log event sink.
func (e *Executor) SetEmitter(fn func(domain.ConsoleLine)) {
	e.emit = fn
}

// sink returns the ConsoleSink used for debugger attachments: buffer the
// line, then stream it if an emitter is installed.
func (e *Executor) sink() browser.ConsoleSink {
	return func(line domain.ConsoleLine) {
		e.tabs.Append(line)
		if e.emit != nil {
			e.emit(line)
		}
	}
}

// Execute runs one request and always produces a response for its id.
func (e *Executor) Execute(ctx context.Context, req wire.Request) wire.Response {
	fields, err := e.dispatch(ctx, req)
	if err != nil {
		e.log.Debugw("command failed", "tool", req.Tool, "id", req.ID, "error", err)
		return wire.Fail(req.ID, err.Error())
	}
	return wire.Ok(req.ID, fields)
}

func (e *Executor) dispatch(ctx context.Context, req wire.Request) (map[string]any, error) {
	switch req.Tool {
	case wire.ToolGetAllOpenTabs:
		return e.getAllOpenTabs(ctx)
	case wire.ToolActiveTab:
		return e.activeTab(ctx)
	case wire.ToolOpenTab:
		return e.openTab(ctx, req.Args)
	case wire.ToolNavigate:
		return e.navigate(ctx, req.Args)
	case wire.ToolNavigateTab:
		return e.navigateTab(ctx, req.Args)
	case wire.ToolCloseTab:
		return e.closeTab(ctx, req.Args)
	case wire.ToolCloseTabsByURL:
		return e.closeTabsByURL(ctx, req.Args)
	case wire.ToolEvaluateJS:
		return e.evaluateJS(ctx, req.Args)
	case wire.ToolConsoleLogsForTab:
		return e.consoleLogsForTab(req.Args)
	case wire.ToolEnableConsoleStream:
		return e.enableConsoleStream(ctx, req.Args)
	case wire.ToolScreenshot:
		return e.screenshot(ctx)
	case wire.ToolScreenshotTab:
		return e.screenshotTab(ctx, req.Args)
	case wire.ToolGetWindowBounds:
		return e.getWindowBounds(ctx, req.Args)
	case wire.ToolGetViewport:
		return e.getViewport(ctx, req.Args)
	default:
		return nil, fmt.Errorf("unknown tool %q", req.Tool)
	}
}

// decodeArgs unmarshals request args into a typed struct. Absent args decode
// into the zero value so optional-only tools work without an args object.
func decodeArgs(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("invalid args: %w", err)
	}
	return nil
}

func (e *Executor) getAllOpenTabs(ctx context.Context) (map[string]any, error) {
	tabs, err := e.browser.Tabs(ctx)
	if err != nil {
		return nil, err
	}
	return map[string]any{"tabs": tabs}, nil
}

// activeTab degrades gracefully: a browser with no focused page answers with
// empty values rather than an error.
func (e *Executor) activeTab(ctx context.Context) (map[string]any, error) {
	tab, err := e.browser.ActiveTab(ctx)
	if err != nil {
		return nil, err
	}
	return map[string]any{"tabId": tab.ID, "url": tab.URL}, nil
}

func (e *Executor) openTab(ctx context.Context, raw json.RawMessage) (map[string]any, error) {
	var args struct {
		URL    string `json:"url"`
		Active *bool  `json:"active"`
	}
	if err := decodeArgs(raw, &args); err != nil {
		return nil, err
	}
	if args.URL == "" {
		return nil, fmt.Errorf("open_tab: missing url")
	}
	active := args.Active == nil || *args.Active
	tab, err := e.browser.OpenTab(ctx, args.URL, active)
	if err != nil {
		return nil, err
	}
	return map[string]any{"tabId": tab.ID, "url": tab.URL}, nil
}

func (e *Executor) navigate(ctx context.Context, raw json.RawMessage) (map[string]any, error) {
	var args struct {
		URL string `json:"url"`
	}
	if err := decodeArgs(raw, &args); err != nil {
		return nil, err
	}
	if args.URL == "" {
		return nil, fmt.Errorf("navigate: missing url")
	}
	if err := e.browser.NavigateActive(ctx, args.URL); err != nil {
		return nil, err
	}
	return map[string]any{"done": true}, nil
}

func (e *Executor) navigateTab(ctx context.Context, raw json.RawMessage) (map[string]any, error) {
	var args struct {
		TabID  int    `json:"tabId"`
		URL    string `json:"url"`
		Active *bool  `json:"active"`
	}
	if err := decodeArgs(raw, &args); err != nil {
		return nil, err
	}
	if args.URL == "" {
		return nil, fmt.Errorf("navigate_tab: missing url")
	}
	if args.TabID == 0 {
		return nil, fmt.Errorf("navigate_tab: missing tabId")
	}
	active := args.Active == nil || *args.Active
	tab, err := e.browser.NavigateTab(ctx, args.TabID, args.URL, active)
	if err != nil {
		return nil, err
	}
	return map[string]any{"tabId": tab.ID, "url": tab.URL}, nil
}

func (e *Executor) closeTab(ctx context.Context, raw json.RawMessage) (map[string]any, error) {
	var args struct {
		TabID int `json:"tabId"`
	}
	if err := decodeArgs(raw, &args); err != nil {
		return nil, err
	}
	if args.TabID == 0 {
		return nil, fmt.Errorf("close_tab: missing tabId")
	}
	if err := e.browser.CloseTab(ctx, args.TabID); err != nil {
		return nil, err
	}
	e.tabs.Drop(args.TabID)
	return map[string]any{"closed": true}, nil
}

// closeTabsByURL closes every tab whose URL contains the substring. Per-tab
// close failures are swallowed; the response lists only the tabs that went.
func (e *Executor) closeTabsByURL(ctx context.Context, raw json.RawMessage) (map[string]any, error) {
	var args struct {
		Substring string `json:"substring"`
		URL       string `json:"url"` // accepted alias
	}
	if err := decodeArgs(raw, &args); err != nil {
		return nil, err
	}
	needle := args.Substring
	if needle == "" {
		needle = args.URL
	}
	if needle == "" {
		return nil, fmt.Errorf("close_tabs_by_url: missing substring")
	}

	tabs, err := e.browser.Tabs(ctx)
	if err != nil {
		return nil, err
	}
	closed := []int{}
	for _, tab := range tabs {
		if !strings.Contains(tab.URL, needle) {
			continue
		}
		if err := e.browser.CloseTab(ctx, tab.ID); err != nil {
			e.log.Debugw("close_tabs_by_url: close failed", "tabId", tab.ID, "error", err)
			continue
		}
		e.tabs.Drop(tab.ID)
		closed = append(closed, tab.ID)
	}
	return map[string]any{"closedTabIds": closed}, nil
}

// evaluateJS runs an expression in the active tab. A throw inside the page
// comes back as a command failure; only transport trouble is a Go error.
func (e *Executor) evaluateJS(ctx context.Context, raw json.RawMessage) (map[string]any, error) {
	var args struct {
		Expression string `json:"expression"`
	}
	if err := decodeArgs(raw, &args); err != nil {
		return nil, err
	}
	if args.Expression == "" {
		return nil, fmt.Errorf("evaluate_js: missing expression")
	}
	res, err := e.browser.Evaluate(ctx, args.Expression)
	if err != nil {
		return nil, err
	}
	if res.Threw() {
		return nil, fmt.Errorf("%s", res.Error)
	}
	return map[string]any{"value": res.Value}, nil
}

func (e *Executor) consoleLogsForTab(raw json.RawMessage) (map[string]any, error) {
	var args struct {
		TabID int `json:"tabId"`
	}
	if err := decodeArgs(raw, &args); err != nil {
		return nil, err
	}
	if args.TabID == 0 {
		return nil, fmt.Errorf("console_logs_for_tab: missing tabId")
	}
	return map[string]any{"logs": e.tabs.Logs(args.TabID)}, nil
}

// enableConsoleStream attaches a debugger session to the tab once. Repeat
// calls on an attached tab succeed without a second attachment.
func (e *Executor) enableConsoleStream(ctx context.Context, raw json.RawMessage) (map[string]any, error) {
	var args struct {
		TabID int `json:"tabId"`
	}
	if err := decodeArgs(raw, &args); err != nil {
		return nil, err
	}
	if args.TabID == 0 {
		return nil, fmt.Errorf("enable_console_stream: missing tabId")
	}

	e.tabs.Enable(args.TabID)
	if !e.tabs.Attach(args.TabID) {
		return map[string]any{"enabled": true}, nil
	}
	// The attachment belongs to the stream, not the request: it has to
	// survive bridge reconnects until the tab closes or it is detached.
	if err := e.browser.AttachDebugger(context.WithoutCancel(ctx), args.TabID, e.sink()); err != nil {
		e.tabs.Detach(args.TabID)
		return nil, err
	}
	return map[string]any{"enabled": true}, nil
}

func (e *Executor) screenshot(ctx context.Context) (map[string]any, error) {
	dataURL, err := e.browser.CaptureActive(ctx)
	if err != nil {
		return nil, err
	}
	return map[string]any{"dataUrl": dataURL}, nil
}

// screenshotTab captures a background tab without focusing it. The capture
// path needs a debugger session; one opened here is torn down again on every
// exit path, while a pre-existing stream attachment is left alone.
func (e *Executor) screenshotTab(ctx context.Context, raw json.RawMessage) (map[string]any, error) {
	var args struct {
		TabID int `json:"tabId"`
	}
	if err := decodeArgs(raw, &args); err != nil {
		return nil, err
	}
	if args.TabID == 0 {
		return nil, fmt.Errorf("screenshot_tab: missing tabId")
	}

	attachedHere := e.tabs.Attach(args.TabID)
	if attachedHere {
		if err := e.browser.AttachDebugger(ctx, args.TabID, e.sink()); err != nil {
			e.tabs.Detach(args.TabID)
			return nil, err
		}
		defer func() {
			if err := e.browser.DetachDebugger(args.TabID); err != nil {
				e.log.Debugw("detach after screenshot failed", "tabId", args.TabID, "error", err)
			}
			e.tabs.Detach(args.TabID)
		}()
	}

	dataURL, err := e.browser.CaptureTab(ctx, args.TabID)
	if err != nil {
		return nil, err
	}
	return map[string]any{"dataUrl": dataURL}, nil
}

func (e *Executor) getWindowBounds(ctx context.Context, raw json.RawMessage) (map[string]any, error) {
	var args struct {
		TabID int `json:"tabId"`
	}
	if err := decodeArgs(raw, &args); err != nil {
		return nil, err
	}
	b, err := e.browser.WindowBounds(ctx, args.TabID)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"left": b.Left, "top": b.Top,
		"width": b.Width, "height": b.Height,
		"state": b.State,
	}, nil
}

func (e *Executor) getViewport(ctx context.Context, raw json.RawMessage) (map[string]any, error) {
	var args struct {
		TabID int `json:"tabId"`
	}
	if err := decodeArgs(raw, &args); err != nil {
		return nil, err
	}
	v, err := e.browser.Viewport(ctx, args.TabID)
	if err != nil {
		return nil, err
	}
	return map[string]any{"width": v.Width, "height": v.Height, "dpr": v.DPR}, nil
}
