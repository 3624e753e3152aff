// Package tmux mirrors console output into a dedicated tmux session so a
// human can watch the stream the agent is consuming.
package tmux

import (
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"sync"

	"github.com/GianlucaP106/gotmux/gotmux"
)

// ErrNoPaneAvailable is returned when the managed session has no pane to
// write into.
var ErrNoPaneAvailable = errors.New("no tmux pane available")

// Config names the managed session.
type Config struct {
	SessionName string
}

// Manager owns one tmux session with a single output pane.
type Manager struct {
	mu      sync.Mutex
	tmux    *gotmux.Tmux
	session *gotmux.Session
	pane    *paneRef
	config  Config
}

// paneRef marks the session's output pane.
type paneRef struct {
	target string
}

// NewManager connects to the local tmux server and creates (or replaces) the
// named session.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.SessionName == "" {
		cfg.SessionName = "cwb"
	}

	t, err := gotmux.DefaultTmux()
	if err != nil {
		return nil, fmt.Errorf("tmux not available: %w", err)
	}

	// A stale session from a previous run is replaced, not reused; its
	// scrollback belongs to a different stream.
	if existing, err := t.GetSessionByName(cfg.SessionName); err == nil && existing != nil {
		_ = existing.Kill()
	}

	session, err := t.NewSession(&gotmux.SessionOptions{Name: cfg.SessionName})
	if err != nil {
		return nil, fmt.Errorf("create tmux session %q: %w", cfg.SessionName, err)
	}

	m := &Manager{
		tmux:    t,
		session: session,
		config:  cfg,
		pane:    &paneRef{target: fmt.Sprintf("%s:0.0", cfg.SessionName)},
	}
	return m, nil
}

// SessionName returns the managed session's name.
func (m *Manager) SessionName() string {
	return m.config.SessionName
}

// Kill tears down the managed session.
func (m *Manager) Kill() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session == nil {
		return nil
	}
	err := m.session.Kill()
	m.session = nil
	m.pane = nil
	return err
}

// command shells out to tmux for pane-level plumbing that has no session
// abstraction (send-keys, clear-history).
func (m *Manager) command(args ...string) (string, error) {
	out, err := exec.Command("tmux", args...).CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("tmux %s: %w: %s", strings.Join(args, " "), err, strings.TrimSpace(string(out)))
	}
	return string(out), nil
}
