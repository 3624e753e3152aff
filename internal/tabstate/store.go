// Package tabstate keeps the agent's per-tab bookkeeping: a bounded ring
// buffer of formatted console lines per tab, the set of tabs with an active
// debugger attachment, and per-tab counters.
package tabstate

import (
	"sync"

	"github.com/OliverMidbrink/cwb/internal/domain"
)

// DefaultBufferCap is the per-tab console buffer capacity.
const DefaultBufferCap = 2000

// Store tracks console buffers and debugger attachments per tab id.
// All mutation goes through the store's mutex.
type Store struct {
	mu       sync.Mutex
	cap      int
	buffers  map[int]*ring
	attached map[int]bool

	lineCount  int
	errorCount int
}

// NewStore creates a store with the given per-tab buffer capacity.
// cap <= 0 falls back to DefaultBufferCap.
func NewStore(cap int) *Store {
	if cap <= 0 {
		cap = DefaultBufferCap
	}
	return &Store{
		cap:      cap,
		buffers:  make(map[int]*ring),
		attached: make(map[int]bool),
	}
}

// Append records one console line for a tab, creating the buffer lazily and
// evicting the oldest line once the buffer is full.
func (s *Store) Append(line domain.ConsoleLine) {
	s.mu.Lock()
	defer s.mu.Unlock()

	buf, ok := s.buffers[line.TabID]
	if !ok {
		buf = newRing(s.cap)
		s.buffers[line.TabID] = buf
	}
	buf.push(line.Format())

	s.lineCount++
	if line.Level.Priority() >= domain.LogLevelError.Priority() {
		s.errorCount++
	}
}

// Logs returns a snapshot of the buffered lines for a tab, oldest first.
// A tab with no buffer yields an empty slice.
func (s *Store) Logs(tabID int) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	buf, ok := s.buffers[tabID]
	if !ok {
		return []string{}
	}
	return buf.snapshot()
}

// Enable ensures a buffer exists for a tab ahead of any line arriving.
func (s *Store) Enable(tabID int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.buffers[tabID]; !ok {
		s.buffers[tabID] = newRing(s.cap)
	}
}

// Attach marks a tab as having a live debugger session. It returns false if
// the tab was already attached, so callers can make attach idempotent.
func (s *Store) Attach(tabID int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.attached[tabID] {
		return false
	}
	s.attached[tabID] = true
	return true
}

// Detach clears a tab's attachment marker.
func (s *Store) Detach(tabID int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.attached, tabID)
}

// Attached reports whether a tab currently has a debugger session.
func (s *Store) Attached(tabID int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attached[tabID]
}

// AttachedCount returns how many tabs have live debugger sessions.
func (s *Store) AttachedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.attached)
}

// Drop discards all state for a closed tab.
func (s *Store) Drop(tabID int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.buffers, tabID)
	delete(s.attached, tabID)
}

// Stats returns total appended lines and error-or-worse lines.
func (s *Store) Stats() (lines, errors int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lineCount, s.errorCount
}

// ring is a fixed-capacity FIFO over a preallocated arena.
type ring struct {
	arena []string
	head  int // index of the oldest entry
	size  int
}

func newRing(cap int) *ring {
	return &ring{arena: make([]string, cap)}
}

func (r *ring) push(s string) {
	if r.size < len(r.arena) {
		r.arena[(r.head+r.size)%len(r.arena)] = s
		r.size++
		return
	}
	// Full: overwrite the oldest slot and advance.
	r.arena[r.head] = s
	r.head = (r.head + 1) % len(r.arena)
}

func (r *ring) snapshot() []string {
	out := make([]string, r.size)
	for i := 0; i < r.size; i++ {
		out[i] = r.arena[(r.head+i)%len(r.arena)]
	}
	return out
}
