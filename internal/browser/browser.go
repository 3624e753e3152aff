// Package browser abstracts the live Chrome capability the agent executes
// commands against. The production implementation drives Chrome over the
// DevTools protocol via rod; tests substitute a fake.
package browser

import (
	"context"
	"errors"

	"github.com/OliverMidbrink/cwb/internal/domain"
)

// ErrTabNotFound is returned when a tab id does not resolve to an open tab.
var ErrTabNotFound = errors.New("tab not found")

// ConsoleSink receives console lines captured from an attached tab.
type ConsoleSink func(domain.ConsoleLine)

// Browser is the capability surface the command executor runs against.
type Browser interface {
	// Tabs returns a snapshot of all open tabs.
	Tabs(ctx context.Context) ([]domain.Tab, error)

	// ActiveTab returns the focused tab, or a zero Tab if none.
	ActiveTab(ctx context.Context) (domain.Tab, error)

	// OpenTab creates a tab at url, optionally focusing it.
	OpenTab(ctx context.Context, url string, active bool) (domain.Tab, error)

	// NavigateActive points the focused tab at url.
	NavigateActive(ctx context.Context, url string) error

	// NavigateTab points a specific tab at url, optionally focusing it.
	NavigateTab(ctx context.Context, tabID int, url string, active bool) (domain.Tab, error)

	// CloseTab closes one tab.
	CloseTab(ctx context.Context, tabID int) error

	// Evaluate runs an expression in the active tab's page context. Errors
	// thrown by the expression come back in the result, not as err.
	Evaluate(ctx context.Context, expression string) (domain.EvalResult, error)

	// CaptureActive screenshots the focused tab via the simple capture path.
	// May steal focus.
	CaptureActive(ctx context.Context) (string, error)

	// CaptureTab screenshots a specific tab without focusing it. Requires an
	// attached debugger session on the tab.
	CaptureTab(ctx context.Context, tabID int) (string, error)

	// AttachDebugger opens a protocol-level session on a tab and streams its
	// console output into sink. Attaching an already-attached tab is an error
	// the caller avoids via its attachment set.
	AttachDebugger(ctx context.Context, tabID int, sink ConsoleSink) error

	// DetachDebugger tears down the session opened by AttachDebugger.
	DetachDebugger(tabID int) error

	// WindowBounds returns geometry of the window hosting a tab (0 = active).
	WindowBounds(ctx context.Context, tabID int) (domain.WindowBounds, error)

	// Viewport returns the page viewport of a tab (0 = active).
	Viewport(ctx context.Context, tabID int) (domain.Viewport, error)

	// UserAgent identifies the browser for the hello handshake.
	UserAgent(ctx context.Context) (string, error)

	// OnTabClosed registers a callback invoked when a tab goes away, so the
	// agent can drop its per-tab state.
	OnTabClosed(fn func(tabID int))

	// Close releases the browser connection.
	Close() error
}
