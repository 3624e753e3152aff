package agent

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/OliverMidbrink/cwb/internal/domain"
	"github.com/OliverMidbrink/cwb/internal/tabstate"
	"github.com/OliverMidbrink/cwb/internal/wire"
)

// bridgeStub accepts agent connections and records the frames it reads.
type bridgeStub struct {
	t        *testing.T
	upgrader websocket.Upgrader

	mu    sync.Mutex
	conns []*websocket.Conn
	helos int
}

func newBridgeStub(t *testing.T) (*bridgeStub, string) {
	t.Helper()
	stub := &bridgeStub{t: t}
	ts := httptest.NewServer(http.HandlerFunc(stub.serve))
	t.Cleanup(ts.Close)
	return stub, "ws" + strings.TrimPrefix(ts.URL, "http")
}

func (s *bridgeStub) serve(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	s.mu.Lock()
	s.conns = append(s.conns, ws)
	s.mu.Unlock()
	for {
		var m map[string]any
		if err := ws.ReadJSON(&m); err != nil {
			return
		}
		if m["event"] == "hello" {
			s.mu.Lock()
			s.helos++
			s.mu.Unlock()
		}
	}
}

func (s *bridgeStub) helloCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.helos
}

func (s *bridgeStub) closeAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.conns {
		_ = c.Close()
	}
	s.conns = nil
}

func newTestManager(t *testing.T, url string) *Manager {
	t.Helper()
	store := tabstate.NewStore(10)
	exec := NewExecutor(newFakeBrowser(), store, nil)
	return NewManager(Config{
		URL:         url,
		BackoffBase: 10 * time.Millisecond,
		BackoffMax:  50 * time.Millisecond,
	}, exec, "FakeChrome/1", nil, nil)
}

func TestManagerConnectsAndSaysHello(t *testing.T) {
	stub, url := newBridgeStub(t)
	m := newTestManager(t, url)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() { _ = m.Run(ctx); close(done) }()

	require.Eventually(t, func() bool { return m.State() == StateConnected }, 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return stub.helloCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("manager did not stop on cancel")
	}
}

func TestManagerReconnectsAfterClose(t *testing.T) {
	stub, url := newBridgeStub(t)
	m := newTestManager(t, url)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = m.Run(ctx) }()

	require.Eventually(t, func() bool { return stub.helloCount() == 1 }, 2*time.Second, 10*time.Millisecond)
	stub.closeAll()

	// A fresh connection with a fresh hello, no duplicates piling up.
	require.Eventually(t, func() bool { return stub.helloCount() == 2 }, 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return m.State() == StateConnected }, 2*time.Second, 10*time.Millisecond)
}

func TestManagerNeverDialsConcurrently(t *testing.T) {
	var inFlight, maxInFlight int64
	m := newTestManager(t, "ws://127.0.0.1:1") // unused; dial is stubbed
	m.dial = func(ctx context.Context, url string) (*websocket.Conn, error) {
		cur := atomic.AddInt64(&inFlight, 1)
		for {
			prev := atomic.LoadInt64(&maxInFlight)
			if cur <= prev || atomic.CompareAndSwapInt64(&maxInFlight, prev, cur) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		atomic.AddInt64(&inFlight, -1)
		return nil, context.DeadlineExceeded
	}

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	require.NoError(t, m.Run(ctx))
	assert.EqualValues(t, 1, atomic.LoadInt64(&maxInFlight))
}

func TestManagerExecutesForwardedRequests(t *testing.T) {
	upgrader := websocket.Upgrader{}
	reqSent := make(chan struct{})
	respCh := make(chan map[string]any, 1)

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		defer ws.Close()

		// Wait for hello, then issue a request and collect the response.
		var hello map[string]any
		require.NoError(t, ws.ReadJSON(&hello))
		require.Equal(t, "hello", hello["event"])

		require.NoError(t, ws.WriteJSON(wire.Request{ID: "r1", Tool: wire.ToolActiveTab}))
		close(reqSent)

		for {
			var m map[string]any
			if err := ws.ReadJSON(&m); err != nil {
				return
			}
			if m["id"] == "r1" {
				respCh <- m
				return
			}
		}
	}))
	t.Cleanup(ts.Close)

	m := newTestManager(t, "ws"+strings.TrimPrefix(ts.URL, "http"))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = m.Run(ctx) }()

	select {
	case <-reqSent:
	case <-time.After(2 * time.Second):
		t.Fatal("agent never said hello")
	}

	select {
	case resp := <-respCh:
		assert.Equal(t, true, resp["ok"])
	case <-time.After(2 * time.Second):
		t.Fatal("no response to forwarded request")
	}
}

func TestEmitConsoleSendsEvent(t *testing.T) {
	upgrader := websocket.Upgrader{}
	evCh := make(chan map[string]any, 8)

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		defer ws.Close()
		for {
			var m map[string]any
			if err := ws.ReadJSON(&m); err != nil {
				return
			}
			evCh <- m
		}
	}))
	t.Cleanup(ts.Close)

	m := newTestManager(t, "ws"+strings.TrimPrefix(ts.URL, "http"))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = m.Run(ctx) }()
	require.Eventually(t, func() bool { return m.State() == StateConnected }, 2*time.Second, 10*time.Millisecond)

	m.emitConsole(domain.ConsoleLine{TabID: 3, Level: domain.LogLevelWarn, Text: "careful"})

	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-evCh:
			if ev["event"] == "console_log" {
				assert.EqualValues(t, 3, ev["tabId"])
				assert.Equal(t, "[warn] careful", ev["line"])
				return
			}
		case <-deadline:
			t.Fatal("console_log event never arrived")
		}
	}
}
