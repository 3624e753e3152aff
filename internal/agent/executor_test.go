package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/OliverMidbrink/cwb/internal/browser"
	"github.com/OliverMidbrink/cwb/internal/domain"
	"github.com/OliverMidbrink/cwb/internal/tabstate"
	"github.com/OliverMidbrink/cwb/internal/wire"
)

// fakeBrowser is an in-memory Browser for executor tests.
type fakeBrowser struct {
	mu        sync.Mutex
	tabs      []domain.Tab
	nextID    int
	evalValue string
	evalError string
	attached  map[int]browser.ConsoleSink
	attachCtx context.Context
	attaches  int
	detaches  int
	onClosed  []func(int)
}

func newFakeBrowser(tabs ...domain.Tab) *fakeBrowser {
	next := 1
	for _, tab := range tabs {
		if tab.ID >= next {
			next = tab.ID + 1
		}
	}
	return &fakeBrowser{tabs: tabs, nextID: next, attached: map[int]browser.ConsoleSink{}}
}

func (f *fakeBrowser) Tabs(context.Context) ([]domain.Tab, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]domain.Tab, len(f.tabs))
	copy(out, f.tabs)
	return out, nil
}

func (f *fakeBrowser) ActiveTab(context.Context) (domain.Tab, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, tab := range f.tabs {
		if tab.Active {
			return tab, nil
		}
	}
	return domain.Tab{}, nil
}

func (f *fakeBrowser) OpenTab(_ context.Context, url string, active bool) (domain.Tab, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	tab := domain.Tab{ID: f.nextID, URL: url, Active: active}
	f.nextID++
	f.tabs = append(f.tabs, tab)
	return tab, nil
}

func (f *fakeBrowser) NavigateActive(context.Context, string) error { return nil }

func (f *fakeBrowser) NavigateTab(_ context.Context, tabID int, url string, active bool) (domain.Tab, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, tab := range f.tabs {
		if tab.ID == tabID {
			f.tabs[i].URL = url
			return f.tabs[i], nil
		}
	}
	return domain.Tab{}, browser.ErrTabNotFound
}

func (f *fakeBrowser) CloseTab(_ context.Context, tabID int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, tab := range f.tabs {
		if tab.ID == tabID {
			f.tabs = append(f.tabs[:i], f.tabs[i+1:]...)
			return nil
		}
	}
	return browser.ErrTabNotFound
}

func (f *fakeBrowser) Evaluate(context.Context, string) (domain.EvalResult, error) {
	return domain.EvalResult{Value: f.evalValue, Error: f.evalError}, nil
}

func (f *fakeBrowser) CaptureActive(context.Context) (string, error) {
	return "data:image/png;base64,AAAA", nil
}

func (f *fakeBrowser) CaptureTab(_ context.Context, tabID int) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.attached[tabID]; !ok {
		return "", fmt.Errorf("tab %d has no session", tabID)
	}
	return "data:image/png;base64,BBBB", nil
}

func (f *fakeBrowser) AttachDebugger(ctx context.Context, tabID int, sink browser.ConsoleSink) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attached[tabID] = sink
	f.attachCtx = ctx
	f.attaches++
	return nil
}

func (f *fakeBrowser) DetachDebugger(tabID int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.attached, tabID)
	f.detaches++
	return nil
}

func (f *fakeBrowser) WindowBounds(context.Context, int) (domain.WindowBounds, error) {
	return domain.WindowBounds{Left: 10, Top: 20, Width: 1280, Height: 800, State: "normal"}, nil
}

func (f *fakeBrowser) Viewport(context.Context, int) (domain.Viewport, error) {
	return domain.Viewport{Width: 1280, Height: 720, DPR: 2}, nil
}

func (f *fakeBrowser) UserAgent(context.Context) (string, error) { return "FakeChrome/1", nil }

func (f *fakeBrowser) OnTabClosed(fn func(int)) { f.onClosed = append(f.onClosed, fn) }

func (f *fakeBrowser) Close() error { return nil }

func newExecutor(t *testing.T, b *fakeBrowser) (*Executor, *tabstate.Store) {
	t.Helper()
	store := tabstate.NewStore(tabstate.DefaultBufferCap)
	return NewExecutor(b, store, nil), store
}

func run(t *testing.T, e *Executor, id, tool, args string) wire.Response {
	t.Helper()
	req := wire.Request{ID: id, Tool: tool}
	if args != "" {
		req.Args = json.RawMessage(args)
	}
	return e.Execute(context.Background(), req)
}

func TestOpenTabResponse(t *testing.T) {
	e, _ := newExecutor(t, newFakeBrowser())

	resp := run(t, e, "1", wire.ToolOpenTab, `{"url":"https://example.com"}`)
	require.True(t, resp.OK)
	assert.Equal(t, "1", resp.ID)
	assert.Equal(t, 1, resp.Fields["tabId"])
	assert.Equal(t, "https://example.com", resp.Fields["url"])
}

func TestOpenTabMissingURL(t *testing.T) {
	e, _ := newExecutor(t, newFakeBrowser())

	resp := run(t, e, "2", wire.ToolOpenTab, `{}`)
	assert.False(t, resp.OK)
	assert.Contains(t, resp.Error, "missing url")
}

func TestEvaluateJSValueAndThrow(t *testing.T) {
	b := newFakeBrowser()
	e, _ := newExecutor(t, b)

	b.evalValue = "2"
	resp := run(t, e, "3", wire.ToolEvaluateJS, `{"expression":"1+1"}`)
	require.True(t, resp.OK)
	assert.Equal(t, "2", resp.Fields["value"])

	b.evalValue = ""
	b.evalError = "ReferenceError: x is not defined"
	resp = run(t, e, "4", wire.ToolEvaluateJS, `{"expression":"x"}`)
	assert.False(t, resp.OK)
	assert.Contains(t, resp.Error, "x")
}

func TestCloseTabsByURLClosesAllMatches(t *testing.T) {
	b := newFakeBrowser(
		domain.Tab{ID: 1, URL: "https://example.com/a"},
		domain.Tab{ID: 2, URL: "https://other.net"},
		domain.Tab{ID: 3, URL: "https://example.com/b"},
	)
	e, _ := newExecutor(t, b)

	resp := run(t, e, "5", wire.ToolCloseTabsByURL, `{"substring":"example.com"}`)
	require.True(t, resp.OK)
	assert.ElementsMatch(t, []int{1, 3}, resp.Fields["closedTabIds"])

	tabs, err := b.Tabs(context.Background())
	require.NoError(t, err)
	require.Len(t, tabs, 1)
	assert.Equal(t, 2, tabs[0].ID)
}

func TestEnableConsoleStreamAttachesOnce(t *testing.T) {
	b := newFakeBrowser(domain.Tab{ID: 9, URL: "https://example.com"})
	e, store := newExecutor(t, b)

	for i := 0; i < 3; i++ {
		resp := run(t, e, fmt.Sprintf("e%d", i), wire.ToolEnableConsoleStream, `{"tabId":9}`)
		require.True(t, resp.OK)
		assert.Equal(t, true, resp.Fields["enabled"])
	}
	assert.Equal(t, 1, b.attaches)
	assert.Equal(t, 1, store.AttachedCount())
}

func TestConsoleStreamSurvivesRequestCancel(t *testing.T) {
	b := newFakeBrowser(domain.Tab{ID: 9})
	e, store := newExecutor(t, b)

	ctx, cancel := context.WithCancel(context.Background())
	resp := e.Execute(ctx, wire.Request{ID: "r1", Tool: wire.ToolEnableConsoleStream, Args: json.RawMessage(`{"tabId":9}`)})
	require.True(t, resp.OK)

	// A dropped bridge link cancels the request context; the debugger
	// session must keep streaming regardless.
	cancel()
	assert.NoError(t, b.attachCtx.Err())
	assert.True(t, store.Attached(9))
}

func TestStreamedLinesLandInBuffer(t *testing.T) {
	b := newFakeBrowser(domain.Tab{ID: 9})
	e, store := newExecutor(t, b)
	require.True(t, run(t, e, "s1", wire.ToolEnableConsoleStream, `{"tabId":9}`).OK)

	b.attached[9](domain.ConsoleLine{TabID: 9, Level: domain.LogLevelError, Text: "boom"})

	resp := run(t, e, "s2", wire.ToolConsoleLogsForTab, `{"tabId":9}`)
	require.True(t, resp.OK)
	assert.Equal(t, []string{"[error] boom"}, resp.Fields["logs"])
	_, errs := store.Stats()
	assert.Equal(t, 1, errs)
}

func TestScreenshotTabDetachesWhenItAttached(t *testing.T) {
	b := newFakeBrowser(domain.Tab{ID: 4})
	e, store := newExecutor(t, b)

	resp := run(t, e, "t1", wire.ToolScreenshotTab, `{"tabId":4}`)
	require.True(t, resp.OK)
	assert.Equal(t, "data:image/png;base64,BBBB", resp.Fields["dataUrl"])
	assert.Equal(t, 1, b.attaches)
	assert.Equal(t, 1, b.detaches, "transient session must be torn down")
	assert.False(t, store.Attached(4))
}

func TestScreenshotTabKeepsExistingAttachment(t *testing.T) {
	b := newFakeBrowser(domain.Tab{ID: 4})
	e, store := newExecutor(t, b)
	require.True(t, run(t, e, "t0", wire.ToolEnableConsoleStream, `{"tabId":4}`).OK)

	resp := run(t, e, "t1", wire.ToolScreenshotTab, `{"tabId":4}`)
	require.True(t, resp.OK)
	assert.Equal(t, 0, b.detaches, "stream attachment must survive the capture")
	assert.True(t, store.Attached(4))
}

func TestUnknownToolAndNavigateTabMissingTab(t *testing.T) {
	e, _ := newExecutor(t, newFakeBrowser())

	resp := run(t, e, "u1", "make_coffee", "")
	assert.False(t, resp.OK)
	assert.Contains(t, resp.Error, "unknown tool")

	resp = run(t, e, "u2", wire.ToolNavigateTab, `{"tabId":99,"url":"https://example.com"}`)
	assert.False(t, resp.OK)
	assert.Contains(t, resp.Error, "tab not found")
}

func TestCloseTabDropsTabState(t *testing.T) {
	b := newFakeBrowser(domain.Tab{ID: 6})
	e, store := newExecutor(t, b)
	store.Append(domain.ConsoleLine{TabID: 6, Level: domain.LogLevelLog, Text: "hi"})

	resp := run(t, e, "c1", wire.ToolCloseTab, `{"tabId":6}`)
	require.True(t, resp.OK)
	assert.Equal(t, true, resp.Fields["closed"])
	assert.Empty(t, store.Logs(6))
}

func TestGeometryTools(t *testing.T) {
	e, _ := newExecutor(t, newFakeBrowser())

	resp := run(t, e, "g1", wire.ToolGetWindowBounds, "")
	require.True(t, resp.OK)
	assert.Equal(t, 1280, resp.Fields["width"])
	assert.Equal(t, "normal", resp.Fields["state"])

	resp = run(t, e, "g2", wire.ToolGetViewport, "")
	require.True(t, resp.OK)
	assert.Equal(t, 720, resp.Fields["height"])
	assert.EqualValues(t, 2, resp.Fields["dpr"])
}
