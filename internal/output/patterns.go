package output

import (
	"encoding/json"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"time"
)

// PatternMatch is a recurring console error pattern observed in one run.
type PatternMatch struct {
	Pattern string   `json:"pattern"`
	Count   int      `json:"count"`
	Samples []string `json:"samples,omitempty"`
}

// EnhancedPatternMatch annotates a match with cross-run history.
type EnhancedPatternMatch struct {
	PatternMatch
	IsNew      bool       `json:"is_new"`
	FirstSeen  *time.Time `json:"first_seen,omitempty"`
	TotalCount int        `json:"total_count"`
}

// knownPattern is the persisted history of one pattern.
type knownPattern struct {
	Pattern    string    `json:"pattern"`
	FirstSeen  time.Time `json:"first_seen"`
	LastSeen   time.Time `json:"last_seen"`
	TotalCount int       `json:"total_count"`
}

type patternsFile struct {
	Version  int             `json:"version"`
	Patterns []*knownPattern `json:"patterns"`
}

var (
	numberRe = regexp.MustCompile(`\b\d+\b`)
	urlRe    = regexp.MustCompile(`https?://\S+`)
	hexRe    = regexp.MustCompile(`0x[0-9a-fA-F]+`)
)

// NormalizePattern collapses volatile parts of a console error into a stable
// pattern key: URLs, hex addresses, then bare numbers.
func NormalizePattern(text string) string {
	text = urlRe.ReplaceAllString(text, "<url>")
	text = hexRe.ReplaceAllString(text, "<addr>")
	text = numberRe.ReplaceAllString(text, "<n>")
	return text
}

// PatternStore persists console error patterns across runs so tail can flag
// which failures are new versus already-known noise.
type PatternStore struct {
	mu       sync.Mutex
	path     string
	patterns map[string]*knownPattern
}

// NewPatternStore opens a store at path, defaulting to ~/.cwb/patterns.json.
// A missing file starts an empty store.
func NewPatternStore(path string) *PatternStore {
	if path == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			home = "."
		}
		path = filepath.Join(home, ".cwb", "patterns.json")
	}
	s := &PatternStore{path: path, patterns: make(map[string]*knownPattern)}
	_ = s.Load()
	return s
}

// Load reads the store from disk. A missing file is not an error.
func (s *PatternStore) Load() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	var file patternsFile
	if err := json.Unmarshal(data, &file); err != nil {
		return err
	}
	s.patterns = make(map[string]*knownPattern, len(file.Patterns))
	for _, p := range file.Patterns {
		s.patterns[p.Pattern] = p
	}
	return nil
}

// Save writes the store to disk, creating the parent directory if needed.
func (s *PatternStore) Save() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	file := patternsFile{Version: 1}
	for _, p := range s.patterns {
		file.Patterns = append(file.Patterns, p)
	}
	data, err := json.MarshalIndent(file, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(s.path, data, 0o644)
}

// RecordPattern notes count occurrences of a pattern and reports whether it
// was new to the store.
func (s *PatternStore) RecordPattern(pattern string, count int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	if existing, ok := s.patterns[pattern]; ok {
		existing.TotalCount += count
		existing.LastSeen = now
		return false
	}
	s.patterns[pattern] = &knownPattern{
		Pattern:    pattern,
		FirstSeen:  now,
		LastSeen:   now,
		TotalCount: count,
	}
	return true
}

// IsKnown reports whether a pattern has been seen before.
func (s *PatternStore) IsKnown(pattern string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.patterns[pattern]
	return ok
}

// GetPattern returns the history for one pattern, or nil.
func (s *PatternStore) GetPattern(pattern string) *knownPattern {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.patterns[pattern]; ok {
		cp := *p
		return &cp
	}
	return nil
}

// GetAllPatterns returns a snapshot of every known pattern.
func (s *PatternStore) GetAllPatterns() []*knownPattern {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*knownPattern, 0, len(s.patterns))
	for _, p := range s.patterns {
		cp := *p
		out = append(out, &cp)
	}
	return out
}

// Count returns the number of known patterns.
func (s *PatternStore) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.patterns)
}

// Clear drops all known patterns.
func (s *PatternStore) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.patterns = make(map[string]*knownPattern)
}

// AnnotatePatterns enriches matches with history without updating the store.
func (s *PatternStore) AnnotatePatterns(matches []PatternMatch) []EnhancedPatternMatch {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]EnhancedPatternMatch, 0, len(matches))
	for _, m := range matches {
		e := EnhancedPatternMatch{PatternMatch: m, IsNew: true}
		if known, ok := s.patterns[m.Pattern]; ok {
			e.IsNew = false
			first := known.FirstSeen
			e.FirstSeen = &first
			e.TotalCount = known.TotalCount
		}
		out = append(out, e)
	}
	return out
}

// RecordPatterns enriches matches and folds them into the store.
func (s *PatternStore) RecordPatterns(matches []PatternMatch) []EnhancedPatternMatch {
	out := make([]EnhancedPatternMatch, 0, len(matches))
	for _, m := range matches {
		e := EnhancedPatternMatch{PatternMatch: m}
		known := s.GetPattern(m.Pattern)
		isNew := s.RecordPattern(m.Pattern, m.Count)
		e.IsNew = isNew
		if known != nil {
			first := known.FirstSeen
			e.FirstSeen = &first
			e.TotalCount = known.TotalCount + m.Count
		} else {
			e.TotalCount = m.Count
		}
		out = append(out, e)
	}
	return out
}
