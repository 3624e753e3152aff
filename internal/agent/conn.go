package agent

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/OliverMidbrink/cwb/internal/domain"
	"github.com/OliverMidbrink/cwb/internal/wire"
)

// ConnState is the connection lifecycle of the agent socket.
type ConnState int32

const (
	StateDisconnected ConnState = iota
	StateConnecting
	StateConnected
)

func (s ConnState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

// Defaults for the connection lifecycle.
const (
	DefaultPingInterval = 15 * time.Second
	DefaultIdleTimeout  = 60 * time.Second
	DefaultBackoffBase  = 500 * time.Millisecond
	DefaultBackoffMax   = 15 * time.Second
)

// Config tunes the manager. Zero fields take the defaults above.
type Config struct {
	// URL is the bridge websocket endpoint, e.g. ws://127.0.0.1:6385.
	URL          string
	PingInterval time.Duration
	IdleTimeout  time.Duration
	BackoffBase  time.Duration
	BackoffMax   time.Duration
}

func (c Config) withDefaults() Config {
	if c.PingInterval <= 0 {
		c.PingInterval = DefaultPingInterval
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = DefaultIdleTimeout
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = DefaultBackoffBase
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = DefaultBackoffMax
	}
	return c
}

// Manager keeps the agent connected to the bridge: dial, hello, keepalive
// pings, an idle watchdog, and exponential backoff between attempts. At most
// one connection attempt is in flight at any time.
type Manager struct {
	cfg   Config
	exec  *Executor
	ua    string
	log   *zap.SugaredLogger
	clock clock.Clock
	dial  func(ctx context.Context, url string) (*websocket.Conn, error)

	state int32

	mu       sync.Mutex
	ws       *websocket.Conn
	lastSeen time.Time
}

// NewManager builds a manager around an executor. ua identifies the browser
// in the hello handshake.
func NewManager(cfg Config, exec *Executor, ua string, log *zap.SugaredLogger, clk clock.Clock) *Manager {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	if clk == nil {
		clk = clock.New()
	}
	m := &Manager{
		cfg:   cfg.withDefaults(),
		exec:  exec,
		ua:    ua,
		log:   log,
		clock: clk,
		dial: func(ctx context.Context, url string) (*websocket.Conn, error) {
			ws, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
			return ws, err
		},
	}
	exec.SetEmitter(m.emitConsole)
	return m
}

// State returns the current lifecycle state.
func (m *Manager) State() ConnState {
	return ConnState(atomic.LoadInt32(&m.state))
}

func (m *Manager) setState(s ConnState) {
	atomic.StoreInt32(&m.state, int32(s))
}

// Run connects and reconnects until ctx is cancelled. It returns nil on
// cancellation; dial failures only feed the backoff.
func (m *Manager) Run(ctx context.Context) error {
	backoff := m.cfg.BackoffBase
	failures := 0

	for {
		if ctx.Err() != nil {
			m.setState(StateDisconnected)
			return nil
		}

		m.setState(StateConnecting)
		ws, err := m.dial(ctx, m.cfg.URL)
		if err != nil {
			m.setState(StateDisconnected)
			failures++
			// First failure is worth a warn; repeats only clutter.
			if failures == 1 {
				m.log.Warnw("bridge dial failed", "url", m.cfg.URL, "error", err)
			} else {
				m.log.Debugw("bridge dial failed", "url", m.cfg.URL, "attempt", failures, "error", err)
			}
			if !m.sleep(ctx, backoff) {
				return nil
			}
			backoff = m.nextBackoff(backoff)
			continue
		}

		failures = 0
		backoff = m.cfg.BackoffBase
		m.session(ctx, ws)

		m.setState(StateDisconnected)
		if ctx.Err() != nil {
			return nil
		}
		m.log.Infow("bridge connection lost, reconnecting")
		if !m.sleep(ctx, m.cfg.BackoffBase) {
			return nil
		}
	}
}

func (m *Manager) nextBackoff(cur time.Duration) time.Duration {
	next := cur * 2
	if next > m.cfg.BackoffMax {
		next = m.cfg.BackoffMax
	}
	return next
}

func (m *Manager) sleep(ctx context.Context, d time.Duration) bool {
	timer := m.clock.Timer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// session runs one connected episode: hello, keepalive, watchdog, and the
// read loop. It returns when the socket dies or ctx is cancelled.
func (m *Manager) session(ctx context.Context, ws *websocket.Conn) {
	m.mu.Lock()
	m.ws = ws
	m.lastSeen = m.clock.Now()
	m.mu.Unlock()

	if err := m.send(wire.Event{Event: wire.EventHello, UA: m.ua}); err != nil {
		m.log.Warnw("hello failed", "error", err)
		m.teardown(ws)
		return
	}
	m.setState(StateConnected)
	m.log.Infow("connected to bridge", "url", m.cfg.URL)

	sessionCtx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		m.keepalive(sessionCtx)
	}()
	go func() {
		defer wg.Done()
		m.watchdog(sessionCtx, ws)
	}()

	m.readLoop(sessionCtx, ws)

	cancel()
	m.teardown(ws)
	wg.Wait()
}

func (m *Manager) teardown(ws *websocket.Conn) {
	_ = ws.Close()
	m.mu.Lock()
	if m.ws == ws {
		m.ws = nil
	}
	m.mu.Unlock()
}

// send writes one frame under the connection write lock.
func (m *Manager) send(v any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ws == nil {
		return websocket.ErrCloseSent
	}
	_ = m.ws.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return m.ws.WriteJSON(v)
}

// emitConsole streams a captured console line to the bridge. Lines arriving
// while disconnected are already buffered by the store; dropping the event
// is fine.
func (m *Manager) emitConsole(line domain.ConsoleLine) {
	ev := wire.Event{Event: wire.EventConsoleLog, TabID: line.TabID, Line: line.Format()}
	if err := m.send(ev); err != nil {
		m.log.Debugw("console event dropped", "tabId", line.TabID, "error", err)
	}
}

func (m *Manager) keepalive(ctx context.Context) {
	ticker := m.clock.Ticker(m.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ev := wire.Event{Event: wire.EventPing, TS: m.clock.Now().UnixMilli()}
			if err := m.send(ev); err != nil {
				m.log.Debugw("ping failed", "error", err)
				return
			}
		}
	}
}

// watchdog force-closes the socket when nothing has arrived for the idle
// timeout, so a half-open connection re-enters the dial loop.
func (m *Manager) watchdog(ctx context.Context, ws *websocket.Conn) {
	ticker := m.clock.Ticker(m.cfg.IdleTimeout / 4)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.mu.Lock()
			idle := m.clock.Now().Sub(m.lastSeen)
			m.mu.Unlock()
			if idle > m.cfg.IdleTimeout {
				m.log.Warnw("bridge idle, forcing reconnect", "idle", idle)
				_ = ws.Close()
				return
			}
		}
	}
}

func (m *Manager) readLoop(ctx context.Context, ws *websocket.Conn) {
	for {
		_, raw, err := ws.ReadMessage()
		if err != nil {
			if ctx.Err() == nil && websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				m.log.Debugw("read error", "error", err)
			}
			return
		}

		m.mu.Lock()
		m.lastSeen = m.clock.Now()
		m.mu.Unlock()

		frame, ok := wire.Decode(raw)
		if !ok || frame.Request == nil {
			continue
		}
		// Requests run concurrently; responses correlate by id, not order.
		go func(req wire.Request) {
			resp := m.exec.Execute(ctx, req)
			if err := m.send(resp); err != nil {
				m.log.Debugw("response send failed", "id", req.ID, "error", err)
			}
		}(*frame.Request)
	}
}
