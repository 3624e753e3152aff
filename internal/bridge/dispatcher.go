package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/OliverMidbrink/cwb/internal/wire"
)

// DefaultCallTimeout bounds how long an in-process caller waits for the
// agent to answer.
const DefaultCallTimeout = 10 * time.Second

// ErrAgentNotConnected is returned when a command is issued with no browser
// agent on the socket.
var ErrAgentNotConnected = errors.New("extension not connected")

// ErrCallTimeout is returned when the agent does not answer within the
// dispatcher's deadline.
var ErrCallTimeout = errors.New("command timed out")

// idPrefix namespaces dispatcher-issued request ids so they can never
// collide with controller-chosen ids routed through the same agent socket.
const idPrefix = "cwb-"

// Dispatcher correlates in-process commands with agent responses. Ids are
// monotonic, each pending entry resolves exactly once, and late or duplicate
// responses are dropped.
type Dispatcher struct {
	clock   clock.Clock
	timeout time.Duration
	nextID  uint64

	mu      sync.Mutex
	pending map[string]chan wire.Response
}

// NewDispatcher creates a dispatcher. timeout <= 0 falls back to
// DefaultCallTimeout.
func NewDispatcher(clk clock.Clock, timeout time.Duration) *Dispatcher {
	if clk == nil {
		clk = clock.New()
	}
	if timeout <= 0 {
		timeout = DefaultCallTimeout
	}
	return &Dispatcher{
		clock:   clk,
		timeout: timeout,
		pending: make(map[string]chan wire.Response),
	}
}

// Register allocates a fresh request id and its pending slot.
func (d *Dispatcher) Register() (string, <-chan wire.Response) {
	id := idPrefix + strconv.FormatUint(atomic.AddUint64(&d.nextID, 1), 10)
	ch := make(chan wire.Response, 1)

	d.mu.Lock()
	d.pending[id] = ch
	d.mu.Unlock()
	return id, ch
}

// Resolve delivers a response to its pending slot. It reports whether the
// response matched an open entry; a second resolution of the same id is a
// no-op and returns false.
func (d *Dispatcher) Resolve(resp wire.Response) bool {
	d.mu.Lock()
	ch, ok := d.pending[resp.ID]
	if ok {
		delete(d.pending, resp.ID)
	}
	d.mu.Unlock()

	if !ok {
		return false
	}
	ch <- resp
	return true
}

// Owns reports whether an id was issued by this dispatcher, as opposed to a
// controller on the websocket.
func (d *Dispatcher) Owns(id string) bool {
	return len(id) > len(idPrefix) && id[:len(idPrefix)] == idPrefix
}

// FailAll resolves every pending entry with an error response. Called when
// the agent socket drops so no caller hangs until its timeout.
func (d *Dispatcher) FailAll(msg string) {
	d.mu.Lock()
	pending := d.pending
	d.pending = make(map[string]chan wire.Response)
	d.mu.Unlock()

	for id, ch := range pending {
		ch <- wire.Fail(id, msg)
	}
}

// forget drops a pending entry without resolving it, after a timeout or
// context cancellation.
func (d *Dispatcher) forget(id string) {
	d.mu.Lock()
	delete(d.pending, id)
	d.mu.Unlock()
}

// PendingCount returns the number of in-flight commands.
func (d *Dispatcher) PendingCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

// Await blocks until the response for id arrives, the dispatcher deadline
// elapses, or ctx is cancelled.
func (d *Dispatcher) Await(ctx context.Context, id string, ch <-chan wire.Response) (wire.Response, error) {
	timer := d.clock.Timer(d.timeout)
	defer timer.Stop()

	select {
	case resp := <-ch:
		return resp, nil
	case <-timer.C:
		d.forget(id)
		return wire.Response{}, fmt.Errorf("%w after %s (id=%s)", ErrCallTimeout, d.timeout, id)
	case <-ctx.Done():
		d.forget(id)
		return wire.Response{}, ctx.Err()
	}
}

// BuildRequest validates the tool name and marshals args into a request
// carrying a dispatcher-issued id.
func (d *Dispatcher) BuildRequest(id, tool string, args any) (wire.Request, error) {
	if !wire.KnownTools[tool] {
		return wire.Request{}, fmt.Errorf("unknown tool %q", tool)
	}
	req := wire.Request{ID: id, Tool: tool}
	if args != nil {
		raw, err := json.Marshal(args)
		if err != nil {
			return wire.Request{}, fmt.Errorf("marshal args for %s: %w", tool, err)
		}
		req.Args = raw
	}
	return req, nil
}
