package bridge

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/OliverMidbrink/cwb/internal/wire"
)

// testClient is one websocket connection to an in-memory bridge server.
type testClient struct {
	t  *testing.T
	ws *websocket.Conn
}

func newTestServer(t *testing.T) (*Server, string) {
	t.Helper()
	srv := NewServer(nil, clock.New(), 2*time.Second)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return srv, "ws" + strings.TrimPrefix(ts.URL, "http")
}

func dial(t *testing.T, url string) *testClient {
	t.Helper()
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ws.Close() })
	return &testClient{t: t, ws: ws}
}

func (c *testClient) send(v any) {
	require.NoError(c.t, c.ws.WriteJSON(v))
}

func (c *testClient) read() map[string]any {
	c.t.Helper()
	require.NoError(c.t, c.ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	var m map[string]any
	require.NoError(c.t, c.ws.ReadJSON(&m))
	return m
}

func (c *testClient) hello(ua string) {
	c.send(wire.Event{Event: wire.EventHello, UA: ua})
}

func waitForAgent(t *testing.T, srv *Server) {
	t.Helper()
	require.Eventually(t, srv.AgentConnected, 2*time.Second, 10*time.Millisecond)
}

func TestRequestWithoutAgentFailsImmediately(t *testing.T) {
	_, url := newTestServer(t)
	ctrl := dial(t, url)

	ctrl.send(wire.Request{ID: "c1", Tool: wire.ToolActiveTab})
	resp := ctrl.read()
	assert.Equal(t, "c1", resp["id"])
	assert.Equal(t, false, resp["ok"])
	assert.Equal(t, "extension not connected", resp["error"])
}

func TestForwardAndRouteBack(t *testing.T) {
	srv, url := newTestServer(t)
	agent := dial(t, url)
	agent.hello("Chrome/120")
	waitForAgent(t, srv)

	ctrl := dial(t, url)
	ctrl.send(wire.Request{ID: "c7", Tool: wire.ToolActiveTab})

	// The agent sees the request verbatim.
	req := agent.read()
	assert.Equal(t, "c7", req["id"])
	assert.Equal(t, "active_tab", req["tool"])

	agent.send(wire.Ok("c7", map[string]any{"tabId": 4, "url": "https://example.com"}))
	resp := ctrl.read()
	assert.Equal(t, "c7", resp["id"])
	assert.Equal(t, true, resp["ok"])
	assert.EqualValues(t, 4, resp["tabId"])
}

func TestResponsesRouteToTheRequestingController(t *testing.T) {
	srv, url := newTestServer(t)
	agent := dial(t, url)
	agent.hello("Chrome/120")
	waitForAgent(t, srv)

	a := dial(t, url)
	b := dial(t, url)
	a.send(wire.Request{ID: "a1", Tool: wire.ToolActiveTab})
	b.send(wire.Request{ID: "b1", Tool: wire.ToolGetAllOpenTabs})

	// Answer in reverse arrival order; each answer must reach its owner.
	agent.read()
	agent.read()
	agent.send(wire.Ok("b1", map[string]any{"tabs": []any{}}))
	agent.send(wire.Ok("a1", map[string]any{"tabId": 1}))

	assert.Equal(t, "b1", b.read()["id"])
	assert.Equal(t, "a1", a.read()["id"])
}

func TestInProcessCallRoundTrip(t *testing.T) {
	srv, url := newTestServer(t)
	agent := dial(t, url)
	agent.hello("Chrome/120")
	waitForAgent(t, srv)

	// Answer the dispatcher-issued request from a goroutine.
	go func() {
		req := agent.read()
		agent.send(wire.Ok(req["id"].(string), map[string]any{"value": "2"}))
	}()

	resp, err := srv.Call(context.Background(), wire.ToolEvaluateJS, map[string]any{"expression": "1+1"})
	require.NoError(t, err)
	assert.True(t, resp.OK)
	assert.Equal(t, "2", resp.Fields["value"])
}

func TestCallWithoutAgentErrors(t *testing.T) {
	srv, _ := newTestServer(t)
	_, err := srv.Call(context.Background(), wire.ToolActiveTab, nil)
	require.ErrorIs(t, err, ErrAgentNotConnected)
}

func TestAgentDisconnectFailsPendingRequests(t *testing.T) {
	srv, url := newTestServer(t)
	agent := dial(t, url)
	agent.hello("Chrome/120")
	waitForAgent(t, srv)

	ctrl := dial(t, url)
	ctrl.send(wire.Request{ID: "c9", Tool: wire.ToolActiveTab})
	agent.read()

	require.NoError(t, agent.ws.Close())

	resp := ctrl.read()
	assert.Equal(t, "c9", resp["id"])
	assert.Equal(t, false, resp["ok"])
	assert.Equal(t, "extension not connected", resp["error"])
	require.Eventually(t, func() bool { return !srv.AgentConnected() }, 2*time.Second, 10*time.Millisecond)
}

func TestNewerHelloReplacesAgent(t *testing.T) {
	srv, url := newTestServer(t)
	first := dial(t, url)
	first.hello("Chrome/120")
	waitForAgent(t, srv)

	second := dial(t, url)
	second.hello("Chrome/121")
	require.Eventually(t, func() bool {
		info, ok := srv.Agent()
		return ok && info.UserAgent == "Chrome/121"
	}, 2*time.Second, 10*time.Millisecond)

	// The replaced connection is closed by the server.
	require.NoError(t, first.ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := first.ws.ReadMessage()
	assert.Error(t, err)
}

func TestConsoleLogFansOutToControllers(t *testing.T) {
	srv, url := newTestServer(t)
	agent := dial(t, url)
	agent.hello("Chrome/120")
	waitForAgent(t, srv)

	got := make(chan wire.Event, 1)
	srv.OnConsoleLog(func(ev wire.Event) { got <- ev })
	ctrl := dial(t, url)

	// Connection registration races the event; retry until delivered.
	require.Eventually(t, func() bool {
		agent.send(wire.Event{Event: wire.EventConsoleLog, TabID: 5, Line: "[error] boom"})
		select {
		case ev := <-got:
			assert.Equal(t, 5, ev.TabID)
			assert.Equal(t, "[error] boom", ev.Line)
			return true
		case <-time.After(100 * time.Millisecond):
			return false
		}
	}, 2*time.Second, 10*time.Millisecond)

	fanned := ctrl.read()
	assert.Equal(t, "console_log", fanned["event"])
	assert.Equal(t, "[error] boom", fanned["line"])
}

func TestMalformedFramesAreDropped(t *testing.T) {
	srv, url := newTestServer(t)
	agent := dial(t, url)
	agent.hello("Chrome/120")
	waitForAgent(t, srv)

	ctrl := dial(t, url)
	require.NoError(t, ctrl.ws.WriteMessage(websocket.TextMessage, []byte("not json")))
	require.NoError(t, ctrl.ws.WriteMessage(websocket.TextMessage, []byte(`{"something":"else"}`)))

	// The connection survives and still works.
	ctrl.send(wire.Request{ID: "ok1", Tool: wire.ToolActiveTab})
	req := agent.read()
	assert.Equal(t, "ok1", req["id"])
}
