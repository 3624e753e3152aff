package browser

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"go.uber.org/zap"

	"github.com/OliverMidbrink/cwb/internal/domain"
)

// consoleBinding is the name of the function exposed into every page so the
// in-page console hook can relay formatted lines back to the agent.
const consoleBinding = "__cwbConsoleRelay"

// consoleHookJS wraps console.log/info/warn/error to also forward the
// formatted text through the exposed binding. Installed on attach and on
// every new document so reloads keep streaming.
const consoleHookJS = `(() => {
	if (window.__cwbHooked) return;
	window.__cwbHooked = true;
	const forward = (level, args) => {
		try {
			const text = args.map(a => {
				if (typeof a === 'string') return a;
				try { return JSON.stringify(a); } catch (e) { return String(a); }
			}).join(' ');
			window.` + consoleBinding + `(JSON.stringify({level: level, text: text}));
		} catch (e) {}
	};
	for (const level of ['log', 'info', 'warn', 'error']) {
		const orig = console[level];
		console[level] = (...args) => { forward(level, args); return orig.apply(console, args); };
	}
})()`

// frameSettleDelay gives the rendering pipeline a moment after a debugger
// session is opened before a focus-free capture, otherwise the first frame
// can come back blank.
const frameSettleDelay = 300 * time.Millisecond

// Rod drives a real Chrome over the DevTools protocol.
type Rod struct {
	browser *rod.Browser
	log     *zap.SugaredLogger

	mu        sync.Mutex
	idByTgt   map[proto.TargetTargetID]int
	tgtByID   map[int]proto.TargetTargetID
	nextTabID int
	sessions  map[int]context.CancelFunc
	onClosed  []func(tabID int)
}

// Options configures how the agent reaches Chrome.
type Options struct {
	// CDPURL attaches to a running Chrome (ws://host:port). Empty launches a
	// managed instance.
	CDPURL   string
	Headless bool
}

// NewRod connects to (or launches) Chrome and starts watching for destroyed
// targets so per-tab state can be reclaimed.
func NewRod(opts Options, log *zap.SugaredLogger) (*Rod, error) {
	if log == nil {
		log = zap.NewNop().Sugar()
	}

	var b *rod.Browser
	if opts.CDPURL != "" {
		b = rod.New().ControlURL(opts.CDPURL)
		if err := b.Connect(); err != nil {
			return nil, fmt.Errorf("connect to chrome at %s: %w", opts.CDPURL, err)
		}
	} else {
		controlURL, err := launcher.New().Headless(opts.Headless).Launch()
		if err != nil {
			return nil, fmt.Errorf("launch chrome: %w", err)
		}
		b = rod.New().ControlURL(controlURL)
		if err := b.Connect(); err != nil {
			return nil, fmt.Errorf("connect to launched chrome: %w", err)
		}
	}

	r := &Rod{
		browser:   b,
		log:       log,
		idByTgt:   make(map[proto.TargetTargetID]int),
		tgtByID:   make(map[int]proto.TargetTargetID),
		nextTabID: 1,
		sessions:  make(map[int]context.CancelFunc),
	}

	go b.EachEvent(func(e *proto.TargetTargetDestroyed) {
		r.forgetTarget(e.TargetID)
	})()

	return r, nil
}

// Close releases the browser connection. Managed instances keep running;
// closing them is the user's call, not the bridge's.
func (r *Rod) Close() error {
	r.mu.Lock()
	for id, cancel := range r.sessions {
		cancel()
		delete(r.sessions, id)
	}
	r.mu.Unlock()
	return r.browser.Close()
}

// OnTabClosed registers a tab teardown callback.
func (r *Rod) OnTabClosed(fn func(tabID int)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onClosed = append(r.onClosed, fn)
}

func (r *Rod) forgetTarget(tgt proto.TargetTargetID) {
	r.mu.Lock()
	id, ok := r.idByTgt[tgt]
	if ok {
		delete(r.idByTgt, tgt)
		delete(r.tgtByID, id)
		if cancel, live := r.sessions[id]; live {
			cancel()
			delete(r.sessions, id)
		}
	}
	callbacks := r.onClosed
	r.mu.Unlock()

	if ok {
		r.log.Debugw("tab closed", "tabId", id)
		for _, fn := range callbacks {
			fn(id)
		}
	}
}

// tabID returns the stable integer id for a target, assigning one on first
// sight.
func (r *Rod) tabID(tgt proto.TargetTargetID) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if id, ok := r.idByTgt[tgt]; ok {
		return id
	}
	id := r.nextTabID
	r.nextTabID++
	r.idByTgt[tgt] = id
	r.tgtByID[id] = tgt
	return id
}

func (r *Rod) pageByID(tabID int) (*rod.Page, error) {
	r.mu.Lock()
	tgt, ok := r.tgtByID[tabID]
	r.mu.Unlock()
	if !ok {
		// The id map only knows targets seen by a prior listing; refresh once.
		if _, err := r.Tabs(context.Background()); err != nil {
			return nil, err
		}
		r.mu.Lock()
		tgt, ok = r.tgtByID[tabID]
		r.mu.Unlock()
		if !ok {
			return nil, ErrTabNotFound
		}
	}

	pages, err := r.browser.Pages()
	if err != nil {
		return nil, fmt.Errorf("list pages: %w", err)
	}
	for _, p := range pages {
		if p.TargetID == tgt {
			return p, nil
		}
	}
	return nil, ErrTabNotFound
}

// Tabs implements Browser.
func (r *Rod) Tabs(ctx context.Context) ([]domain.Tab, error) {
	pages, err := r.browser.Pages()
	if err != nil {
		return nil, fmt.Errorf("list pages: %w", err)
	}

	active := r.activePage(pages)
	tabs := make([]domain.Tab, 0, len(pages))
	for i, p := range pages {
		info, err := p.Context(ctx).Info()
		if err != nil {
			continue
		}
		// Pinned is never set: CDP has no pinned-tab concept.
		tab := domain.Tab{
			ID:     r.tabID(p.TargetID),
			URL:    info.URL,
			Title:  info.Title,
			Active: active != nil && p.TargetID == active.TargetID,
			Index:  i,
			Status: r.readyStatus(ctx, p),
		}
		if win, err := (proto.BrowserGetWindowForTarget{}).Call(p); err == nil {
			tab.WindowID = int(win.WindowID)
		}
		tabs = append(tabs, tab)
	}
	return tabs, nil
}

// activePage picks the page whose document is visible, falling back to the
// first page. CDP has no single "focused tab" query.
func (r *Rod) activePage(pages rod.Pages) *rod.Page {
	for _, p := range pages {
		res, err := proto.RuntimeEvaluate{
			Expression:    `document.visibilityState === "visible" && document.hasFocus()`,
			ReturnByValue: true,
		}.Call(p)
		if err == nil && res.Result != nil && res.Result.Value.Bool() {
			return p
		}
	}
	for _, p := range pages {
		res, err := proto.RuntimeEvaluate{
			Expression:    `document.visibilityState === "visible"`,
			ReturnByValue: true,
		}.Call(p)
		if err == nil && res.Result != nil && res.Result.Value.Bool() {
			return p
		}
	}
	if len(pages) > 0 {
		return pages[0]
	}
	return nil
}

func (r *Rod) readyStatus(ctx context.Context, p *rod.Page) string {
	res, err := proto.RuntimeEvaluate{
		Expression:    `document.readyState`,
		ReturnByValue: true,
	}.Call(p.Context(ctx))
	if err == nil && res.Result != nil && res.Result.Value.Str() != "complete" {
		return "loading"
	}
	return "complete"
}

// ActiveTab implements Browser. A browser with no pages yields a zero Tab.
func (r *Rod) ActiveTab(ctx context.Context) (domain.Tab, error) {
	pages, err := r.browser.Pages()
	if err != nil {
		return domain.Tab{}, fmt.Errorf("list pages: %w", err)
	}
	p := r.activePage(pages)
	if p == nil {
		return domain.Tab{}, nil
	}
	info, err := p.Context(ctx).Info()
	if err != nil {
		return domain.Tab{}, fmt.Errorf("tab info: %w", err)
	}
	return domain.Tab{ID: r.tabID(p.TargetID), URL: info.URL, Title: info.Title, Active: true}, nil
}

// OpenTab implements Browser.
func (r *Rod) OpenTab(ctx context.Context, url string, active bool) (domain.Tab, error) {
	p, err := r.browser.Page(proto.TargetCreateTarget{URL: url})
	if err != nil {
		return domain.Tab{}, fmt.Errorf("create tab: %w", err)
	}
	if active {
		if _, err := p.Activate(); err != nil {
			r.log.Debugw("activate new tab failed", "error", err)
		}
	}
	return domain.Tab{ID: r.tabID(p.TargetID), URL: url, Active: active}, nil
}

// NavigateActive implements Browser.
func (r *Rod) NavigateActive(ctx context.Context, url string) error {
	pages, err := r.browser.Pages()
	if err != nil {
		return fmt.Errorf("list pages: %w", err)
	}
	p := r.activePage(pages)
	if p == nil {
		return ErrTabNotFound
	}
	if err := p.Context(ctx).Navigate(url); err != nil {
		return fmt.Errorf("navigate: %w", err)
	}
	return nil
}

// NavigateTab implements Browser.
func (r *Rod) NavigateTab(ctx context.Context, tabID int, url string, active bool) (domain.Tab, error) {
	p, err := r.pageByID(tabID)
	if err != nil {
		return domain.Tab{}, err
	}
	if err := p.Context(ctx).Navigate(url); err != nil {
		return domain.Tab{}, fmt.Errorf("navigate tab %d: %w", tabID, err)
	}
	if active {
		if _, err := p.Activate(); err != nil {
			r.log.Debugw("activate tab failed", "tabId", tabID, "error", err)
		}
	}
	return domain.Tab{ID: tabID, URL: url, Active: active}, nil
}

// CloseTab implements Browser.
func (r *Rod) CloseTab(ctx context.Context, tabID int) error {
	p, err := r.pageByID(tabID)
	if err != nil {
		return err
	}
	if err := p.Close(); err != nil {
		return fmt.Errorf("close tab %d: %w", tabID, err)
	}
	r.forgetTarget(p.TargetID)
	return nil
}

// Evaluate implements Browser. The expression runs verbatim in the active
// tab's page context; a throw is captured into the result.
func (r *Rod) Evaluate(ctx context.Context, expression string) (domain.EvalResult, error) {
	pages, err := r.browser.Pages()
	if err != nil {
		return domain.EvalResult{}, fmt.Errorf("list pages: %w", err)
	}
	p := r.activePage(pages)
	if p == nil {
		return domain.EvalResult{}, ErrTabNotFound
	}

	res, err := proto.RuntimeEvaluate{
		Expression:    expression,
		ReturnByValue: true,
	}.Call(p.Context(ctx))
	if err != nil {
		return domain.EvalResult{}, fmt.Errorf("evaluate: %w", err)
	}
	if res.ExceptionDetails != nil {
		return domain.EvalResult{Error: exceptionText(res.ExceptionDetails)}, nil
	}
	return domain.EvalResult{Value: remoteValueString(res.Result)}, nil
}

func exceptionText(d *proto.RuntimeExceptionDetails) string {
	if d.Exception != nil && d.Exception.Description != "" {
		return d.Exception.Description
	}
	return d.Text
}

func remoteValueString(obj *proto.RuntimeRemoteObject) string {
	if obj == nil {
		return ""
	}
	if obj.Type == proto.RuntimeRemoteObjectTypeString {
		return obj.Value.Str()
	}
	if obj.Type == proto.RuntimeRemoteObjectTypeUndefined {
		return "undefined"
	}
	return obj.Value.String()
}

// CaptureActive implements Browser using the simple capture path.
func (r *Rod) CaptureActive(ctx context.Context) (string, error) {
	pages, err := r.browser.Pages()
	if err != nil {
		return "", fmt.Errorf("list pages: %w", err)
	}
	p := r.activePage(pages)
	if p == nil {
		return "", ErrTabNotFound
	}
	data, err := p.Context(ctx).Screenshot(false, nil)
	if err != nil {
		return "", fmt.Errorf("screenshot: %w", err)
	}
	return pngDataURL(data), nil
}

// CaptureTab implements Browser. Page.captureScreenshot works per-session
// and does not bring the tab forward.
func (r *Rod) CaptureTab(ctx context.Context, tabID int) (string, error) {
	p, err := r.pageByID(tabID)
	if err != nil {
		return "", err
	}

	select {
	case <-time.After(frameSettleDelay):
	case <-ctx.Done():
		return "", ctx.Err()
	}

	shot, err := proto.PageCaptureScreenshot{
		Format: proto.PageCaptureScreenshotFormatPng,
	}.Call(p.Context(ctx))
	if err != nil {
		return "", fmt.Errorf("capture tab %d: %w", tabID, err)
	}
	return pngDataURL(shot.Data), nil
}

func pngDataURL(data []byte) string {
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(data)
}

// AttachDebugger implements Browser. It enables page/runtime domains on the
// tab's session, installs the console hook, and streams console API calls,
// uncaught exceptions, and hook relays into sink until DetachDebugger.
func (r *Rod) AttachDebugger(ctx context.Context, tabID int, sink ConsoleSink) error {
	p, err := r.pageByID(tabID)
	if err != nil {
		return err
	}

	// Session lifetime is the tab's, not the request's: a bridge reconnect
	// cancels the request context and must not kill streaming.
	sessCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	sp := p.Context(sessCtx)

	if err := (proto.PageEnable{}).Call(sp); err != nil {
		cancel()
		return fmt.Errorf("enable page domain: %w", err)
	}
	if err := (proto.RuntimeEnable{}).Call(sp); err != nil {
		cancel()
		return fmt.Errorf("enable runtime domain: %w", err)
	}
	if err := (proto.RuntimeAddBinding{Name: consoleBinding}).Call(sp); err != nil {
		cancel()
		return fmt.Errorf("add console binding: %w", err)
	}
	// Hook current document now and future documents on navigation. While the
	// hook is live it relays the levels it wraps through the binding, so the
	// matching CDP console events are skipped below; emitting both would
	// double every line in the buffer.
	hooked := true
	if _, err := (proto.PageAddScriptToEvaluateOnNewDocument{Source: consoleHookJS}).Call(sp); err != nil {
		hooked = false
		r.log.Debugw("install console hook for new documents failed", "tabId", tabID, "error", err)
	}
	if _, err := (proto.RuntimeEvaluate{Expression: consoleHookJS}).Call(sp); err != nil {
		hooked = false
		r.log.Debugw("install console hook failed", "tabId", tabID, "error", err)
	}

	go sp.EachEvent(
		func(e *proto.RuntimeConsoleAPICalled) {
			if hooked && hookRelayedType(e.Type) {
				return
			}
			sink(domain.ConsoleLine{
				Timestamp: time.Now(),
				TabID:     tabID,
				Level:     consoleLevel(e.Type),
				Text:      formatConsoleArgs(e.Args),
			})
		},
		func(e *proto.RuntimeExceptionThrown) {
			sink(domain.ConsoleLine{
				Timestamp: time.Now(),
				TabID:     tabID,
				Level:     domain.LogLevelException,
				Text:      exceptionText(e.ExceptionDetails),
			})
		},
		func(e *proto.RuntimeBindingCalled) {
			if e.Name != consoleBinding {
				return
			}
			if line, ok := decodeHookPayload(tabID, e.Payload); ok {
				sink(line)
			}
		},
	)()

	r.mu.Lock()
	r.sessions[tabID] = cancel
	r.mu.Unlock()
	r.log.Debugw("debugger attached", "tabId", tabID)
	return nil
}

// DetachDebugger implements Browser. Detaching a tab without a session is a
// no-op.
func (r *Rod) DetachDebugger(tabID int) error {
	r.mu.Lock()
	cancel, ok := r.sessions[tabID]
	if ok {
		delete(r.sessions, tabID)
	}
	r.mu.Unlock()
	if ok {
		cancel()
		r.log.Debugw("debugger detached", "tabId", tabID)
	}
	return nil
}

// hookRelayedType reports whether the in-page hook wraps this console call.
// For these the binding relay is the single source while the hook is live.
func hookRelayedType(t proto.RuntimeConsoleAPICalledType) bool {
	switch t {
	case proto.RuntimeConsoleAPICalledTypeLog,
		proto.RuntimeConsoleAPICalledTypeInfo,
		proto.RuntimeConsoleAPICalledTypeWarning,
		proto.RuntimeConsoleAPICalledTypeError:
		return true
	}
	return false
}

// decodeHookPayload parses the JSON relayed by the in-page console hook. The
// hook stringifies objects inside the page, which beats the preview-only
// remote objects the CDP console event carries.
func decodeHookPayload(tabID int, payload string) (domain.ConsoleLine, bool) {
	var msg struct {
		Level string `json:"level"`
		Text  string `json:"text"`
	}
	if err := json.Unmarshal([]byte(payload), &msg); err != nil {
		return domain.ConsoleLine{}, false
	}
	return domain.ConsoleLine{
		Timestamp: time.Now(),
		TabID:     tabID,
		Level:     domain.ParseLogLevel(msg.Level),
		Text:      msg.Text,
	}, true
}

func consoleLevel(t proto.RuntimeConsoleAPICalledType) domain.LogLevel {
	switch t {
	case proto.RuntimeConsoleAPICalledTypeInfo:
		return domain.LogLevelInfo
	case proto.RuntimeConsoleAPICalledTypeWarning:
		return domain.LogLevelWarn
	case proto.RuntimeConsoleAPICalledTypeError:
		return domain.LogLevelError
	default:
		return domain.LogLevelLog
	}
}

func formatConsoleArgs(args []*proto.RuntimeRemoteObject) string {
	parts := make([]string, 0, len(args))
	for _, a := range args {
		parts = append(parts, remoteValueString(a))
	}
	return strings.Join(parts, " ")
}

// WindowBounds implements Browser.
func (r *Rod) WindowBounds(ctx context.Context, tabID int) (domain.WindowBounds, error) {
	p, err := r.boundsTarget(ctx, tabID)
	if err != nil {
		return domain.WindowBounds{}, err
	}
	win, err := proto.BrowserGetWindowForTarget{}.Call(p)
	if err != nil {
		return domain.WindowBounds{}, fmt.Errorf("window bounds: %w", err)
	}
	b := domain.WindowBounds{State: string(win.Bounds.WindowState)}
	if win.Bounds.Left != nil {
		b.Left = *win.Bounds.Left
	}
	if win.Bounds.Top != nil {
		b.Top = *win.Bounds.Top
	}
	if win.Bounds.Width != nil {
		b.Width = *win.Bounds.Width
	}
	if win.Bounds.Height != nil {
		b.Height = *win.Bounds.Height
	}
	return b, nil
}

// Viewport implements Browser.
func (r *Rod) Viewport(ctx context.Context, tabID int) (domain.Viewport, error) {
	p, err := r.boundsTarget(ctx, tabID)
	if err != nil {
		return domain.Viewport{}, err
	}
	res, err := proto.RuntimeEvaluate{
		Expression:    `JSON.stringify({width: window.innerWidth, height: window.innerHeight, dpr: window.devicePixelRatio})`,
		ReturnByValue: true,
	}.Call(p)
	if err != nil {
		return domain.Viewport{}, fmt.Errorf("viewport: %w", err)
	}
	var v domain.Viewport
	if err := json.Unmarshal([]byte(res.Result.Value.Str()), &v); err != nil {
		return domain.Viewport{}, fmt.Errorf("decode viewport: %w", err)
	}
	return v, nil
}

// boundsTarget resolves tabID to a context-bound page, 0 meaning active.
func (r *Rod) boundsTarget(ctx context.Context, tabID int) (*rod.Page, error) {
	if tabID == 0 {
		pages, err := r.browser.Pages()
		if err != nil {
			return nil, fmt.Errorf("list pages: %w", err)
		}
		p := r.activePage(pages)
		if p == nil {
			return nil, ErrTabNotFound
		}
		return p.Context(ctx), nil
	}
	p, err := r.pageByID(tabID)
	if err != nil {
		return nil, err
	}
	return p.Context(ctx), nil
}

// UserAgent implements Browser.
func (r *Rod) UserAgent(ctx context.Context) (string, error) {
	v, err := r.browser.Version()
	if err != nil {
		return "", fmt.Errorf("browser version: %w", err)
	}
	return v.UserAgent, nil
}
