package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/OliverMidbrink/cwb/internal/wire"
)

// Client is a controller-side connection: it sends requests through the
// bridge and receives routed responses plus fanned-out console events.
type Client struct {
	ws      *websocket.Conn
	timeout time.Duration
	nextID  uint64
	prefix  string

	mu      sync.Mutex
	pending map[string]chan wire.Response

	wmu sync.Mutex // gorilla permits a single concurrent writer

	events chan wire.Event
	done   chan struct{}
	closed sync.Once
	err    error
}

// Dial connects a controller client to the bridge at addr (host:port).
func Dial(ctx context.Context, addr string, timeout time.Duration) (*Client, error) {
	if timeout <= 0 {
		timeout = DefaultCallTimeout
	}
	url := "ws://" + addr
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial bridge at %s: %w", addr, err)
	}
	c := &Client{
		ws:      ws,
		timeout: timeout,
		prefix:  uuid.NewString()[:8] + "-",
		pending: make(map[string]chan wire.Response),
		events:  make(chan wire.Event, 256),
		done:    make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

// Events returns the stream of console_log events. The channel closes when
// the connection dies.
func (c *Client) Events() <-chan wire.Event {
	return c.events
}

// Done is closed when the connection terminates.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Err reports the read error that ended the connection, if any.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Close shuts down the connection.
func (c *Client) Close() error {
	return c.ws.Close()
}

func (c *Client) readLoop() {
	defer c.closed.Do(func() {
		close(c.done)
		close(c.events)
	})
	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			c.mu.Lock()
			c.err = err
			pending := c.pending
			c.pending = make(map[string]chan wire.Response)
			c.mu.Unlock()
			for id, ch := range pending {
				ch <- wire.Fail(id, "connection closed")
			}
			return
		}
		frame, ok := wire.Decode(raw)
		if !ok {
			continue
		}
		switch {
		case frame.Response != nil:
			c.mu.Lock()
			ch, ok := c.pending[frame.Response.ID]
			if ok {
				delete(c.pending, frame.Response.ID)
			}
			c.mu.Unlock()
			if ok {
				ch <- *frame.Response
			}
		case frame.Event != nil:
			select {
			case c.events <- *frame.Event:
			default:
				// Slow consumer; drop rather than stall the read loop.
			}
		}
	}
}

// Call sends one request and waits for the routed response. Transport
// trouble is a Go error; command failures come back as OK=false responses.
func (c *Client) Call(ctx context.Context, tool string, args any) (wire.Response, error) {
	id := c.prefix + strconv.FormatUint(atomic.AddUint64(&c.nextID, 1), 10)
	req := wire.Request{ID: id, Tool: tool}
	if args != nil {
		raw, err := json.Marshal(args)
		if err != nil {
			return wire.Response{}, fmt.Errorf("marshal args: %w", err)
		}
		req.Args = raw
	}

	ch := make(chan wire.Response, 1)
	c.mu.Lock()
	c.pending[id] = ch
	c.mu.Unlock()

	c.wmu.Lock()
	err := c.ws.WriteJSON(req)
	c.wmu.Unlock()
	if err != nil {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return wire.Response{}, fmt.Errorf("send request: %w", err)
	}

	timer := time.NewTimer(c.timeout)
	defer timer.Stop()
	select {
	case resp := <-ch:
		return resp, nil
	case <-timer.C:
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return wire.Response{}, fmt.Errorf("%w after %s", ErrCallTimeout, c.timeout)
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return wire.Response{}, ctx.Err()
	}
}
