// Package bridge implements the command server: a local websocket endpoint
// that pairs exactly one browser agent with any number of controller
// clients, forwarding controller requests to the agent and routing each
// response back to whoever asked.
package bridge

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/OliverMidbrink/cwb/internal/wire"
)

// DefaultAddr is the loopback endpoint the bridge listens on.
const DefaultAddr = "127.0.0.1:6385"

const writeTimeout = 10 * time.Second

// ConsoleListener receives console_log events fanned out by the server.
type ConsoleListener func(ev wire.Event)

// AgentInfo describes the currently connected browser agent.
type AgentInfo struct {
	UserAgent   string    `json:"user_agent"`
	ConnectedAt time.Time `json:"connected_at"`
}

// Server owns the websocket endpoint and the routing state.
type Server struct {
	log        *zap.SugaredLogger
	clock      clock.Clock
	dispatcher *Dispatcher
	upgrader   websocket.Upgrader

	mu          sync.Mutex
	agent       *conn
	agentInfo   AgentInfo
	controllers map[string]*conn
	// routes maps in-flight request ids to the controller that sent them.
	routes    map[string]string
	listeners []ConsoleListener

	httpSrv *http.Server
}

// conn wraps one websocket with a write lock; gorilla allows a single
// concurrent writer per connection.
type conn struct {
	id string
	ws *websocket.Conn
	mu sync.Mutex
}

func (c *conn) send(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.ws.WriteJSON(v)
}

// NewServer creates a bridge server. callTimeout bounds in-process Call
// round trips.
func NewServer(log *zap.SugaredLogger, clk clock.Clock, callTimeout time.Duration) *Server {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	if clk == nil {
		clk = clock.New()
	}
	return &Server{
		log:        log,
		clock:      clk,
		dispatcher: NewDispatcher(clk, callTimeout),
		upgrader: websocket.Upgrader{
			// Loopback-only endpoint; no cross-origin browser pages talk here.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		controllers: make(map[string]*conn),
		routes:      make(map[string]string),
	}
}

// Handler exposes the websocket endpoint for mounting or testing.
func (s *Server) Handler() http.Handler {
	return http.HandlerFunc(s.serveWS)
}

// Run listens on addr until ctx is cancelled. Only loopback addresses are
// accepted.
func (s *Server) Run(ctx context.Context, addr string) error {
	if addr == "" {
		addr = DefaultAddr
	}
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return err
	}
	if ip := net.ParseIP(host); ip == nil || !ip.IsLoopback() {
		return errors.New("bridge only listens on loopback addresses")
	}

	s.httpSrv = &http.Server{Addr: addr, Handler: s.Handler()}
	errCh := make(chan error, 1)
	go func() {
		errCh <- s.httpSrv.ListenAndServe()
	}()
	s.log.Infow("bridge listening", "addr", addr)

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.httpSrv.Shutdown(shutdownCtx)
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// AgentConnected reports whether a browser agent is on the socket.
func (s *Server) AgentConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.agent != nil
}

// Agent returns info about the connected agent, if any.
func (s *Server) Agent() (AgentInfo, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.agentInfo, s.agent != nil
}

// OnConsoleLog registers a listener for streamed console_log events.
func (s *Server) OnConsoleLog(fn ConsoleListener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, fn)
}

// Call sends one command to the agent and waits for its response. Transport
// failures surface as errors; command-level failures come back as a response
// with OK false.
func (s *Server) Call(ctx context.Context, tool string, args any) (wire.Response, error) {
	id, ch := s.dispatcher.Register()
	req, err := s.dispatcher.BuildRequest(id, tool, args)
	if err != nil {
		s.dispatcher.forget(id)
		return wire.Response{}, err
	}

	s.mu.Lock()
	agent := s.agent
	s.mu.Unlock()
	if agent == nil {
		s.dispatcher.forget(id)
		return wire.Response{}, ErrAgentNotConnected
	}
	if err := agent.send(req); err != nil {
		s.dispatcher.forget(id)
		return wire.Response{}, err
	}
	return s.dispatcher.Await(ctx, id, ch)
}

func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warnw("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	c := &conn{id: uuid.NewString(), ws: ws}
	s.mu.Lock()
	s.controllers[c.id] = c
	s.mu.Unlock()
	s.log.Debugw("client connected", "client", c.id, "remote", r.RemoteAddr)

	s.readLoop(c)
	s.dropConn(c)
}

// readLoop consumes frames until the socket errors. Malformed messages are
// dropped without closing the connection.
func (s *Server) readLoop(c *conn) {
	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.log.Debugw("client read error", "client", c.id, "error", err)
			}
			return
		}
		frame, ok := wire.Decode(raw)
		if !ok {
			s.log.Debugw("dropping malformed frame", "client", c.id)
			continue
		}
		s.route(c, frame)
	}
}

func (s *Server) route(c *conn, frame wire.Frame) {
	switch {
	case frame.Event != nil:
		s.handleEvent(c, *frame.Event)
	case frame.Request != nil:
		s.handleRequest(c, *frame.Request)
	case frame.Response != nil:
		s.handleResponse(c, *frame.Response)
	}
}

// handleEvent processes agent pushes. A hello from any connection promotes
// it to the agent slot, replacing a previous agent.
func (s *Server) handleEvent(c *conn, ev wire.Event) {
	switch ev.Event {
	case wire.EventHello:
		s.promoteAgent(c, ev)
	case wire.EventPing:
		// Keepalive only; the agent owns the liveness watchdog.
	case wire.EventConsoleLog:
		s.fanOutConsole(c, ev)
	}
}

func (s *Server) promoteAgent(c *conn, ev wire.Event) {
	s.mu.Lock()
	prev := s.agent
	s.agent = c
	s.agentInfo = AgentInfo{UserAgent: ev.UA, ConnectedAt: s.clock.Now()}
	delete(s.controllers, c.id)
	s.mu.Unlock()

	if prev != nil && prev != c {
		s.log.Infow("replacing agent connection", "old", prev.id, "new", c.id)
		_ = prev.ws.Close()
	}
	s.log.Infow("agent connected", "client", c.id, "ua", ev.UA)
}

// handleRequest forwards a controller request to the agent, remembering who
// to answer. With no agent connected the controller gets an immediate error
// response.
func (s *Server) handleRequest(c *conn, req wire.Request) {
	s.mu.Lock()
	agent := s.agent
	fromAgent := agent == c
	if agent != nil && !fromAgent {
		s.routes[req.ID] = c.id
	}
	s.mu.Unlock()

	if fromAgent {
		// The agent does not issue requests; drop.
		return
	}
	if agent == nil {
		if err := c.send(wire.Fail(req.ID, ErrAgentNotConnected.Error())); err != nil {
			s.log.Debugw("failed to answer controller", "client", c.id, "error", err)
		}
		return
	}
	if err := agent.send(req); err != nil {
		s.mu.Lock()
		delete(s.routes, req.ID)
		s.mu.Unlock()
		_ = c.send(wire.Fail(req.ID, "agent write failed: "+err.Error()))
	}
}

// handleResponse routes an agent response back to the requesting controller,
// or to the in-process dispatcher for ids it issued. Responses with no open
// route are dropped.
func (s *Server) handleResponse(c *conn, resp wire.Response) {
	s.mu.Lock()
	if c != s.agent {
		s.mu.Unlock()
		return
	}
	target, routed := s.routes[resp.ID]
	if routed {
		delete(s.routes, resp.ID)
	}
	ctrl := s.controllers[target]
	s.mu.Unlock()

	if s.dispatcher.Owns(resp.ID) {
		if !s.dispatcher.Resolve(resp) {
			s.log.Debugw("dropping late response", "id", resp.ID)
		}
		return
	}
	if !routed || ctrl == nil {
		s.log.Debugw("dropping unroutable response", "id", resp.ID)
		return
	}
	if err := ctrl.send(resp); err != nil {
		s.log.Debugw("failed to deliver response", "client", target, "error", err)
	}
}

// fanOutConsole pushes a console_log event from the agent to every
// controller and in-process listener.
func (s *Server) fanOutConsole(c *conn, ev wire.Event) {
	s.mu.Lock()
	if c != s.agent {
		s.mu.Unlock()
		return
	}
	targets := make([]*conn, 0, len(s.controllers))
	for _, ctrl := range s.controllers {
		targets = append(targets, ctrl)
	}
	listeners := s.listeners
	s.mu.Unlock()

	for _, ctrl := range targets {
		if err := ctrl.send(ev); err != nil {
			s.log.Debugw("console fanout failed", "client", ctrl.id, "error", err)
		}
	}
	for _, fn := range listeners {
		fn(ev)
	}
}

// dropConn cleans up after a disconnected client. An agent drop fails every
// in-flight request so nobody waits out a timeout.
func (s *Server) dropConn(c *conn) {
	_ = c.ws.Close()

	s.mu.Lock()
	wasAgent := s.agent == c
	if wasAgent {
		s.agent = nil
		s.agentInfo = AgentInfo{}
	}
	delete(s.controllers, c.id)

	var orphaned map[string]*conn
	if wasAgent {
		orphaned = make(map[string]*conn)
		for id, target := range s.routes {
			orphaned[id] = s.controllers[target]
		}
		s.routes = make(map[string]string)
	} else {
		for id, target := range s.routes {
			if target == c.id {
				delete(s.routes, id)
			}
		}
	}
	s.mu.Unlock()

	if wasAgent {
		s.log.Infow("agent disconnected", "client", c.id)
		s.dispatcher.FailAll(ErrAgentNotConnected.Error())
		for id, ctrl := range orphaned {
			if ctrl != nil {
				_ = ctrl.send(wire.Fail(id, ErrAgentNotConnected.Error()))
			}
		}
	} else {
		s.log.Debugw("controller disconnected", "client", c.id)
	}
}
