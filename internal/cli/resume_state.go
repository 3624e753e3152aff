package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// resumeState remembers where a previous tail left off so --resume can skip
// the part of the ring buffer that was already emitted.
type resumeState struct {
	Type          string `json:"type"` // "resume_state"
	SchemaVersion int    `json:"schemaVersion"`
	TabID         int    `json:"tab_id"`
	LastLine      string `json:"last_line,omitempty"`
	UpdatedAt     string `json:"updated_at,omitempty"`
}

func defaultResumeStatePath(tabID int) (string, error) {
	if tabID <= 0 {
		return "", errors.New("tab id is required for resume state path")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	dir := filepath.Join(home, ".cwb", "resume")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	return filepath.Join(dir, fmt.Sprintf("tab-%d.json", tabID)), nil
}

func loadResumeState(path string) (*resumeState, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("resume state path is required")
	}
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var st resumeState
	if err := json.Unmarshal(b, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

func saveResumeState(path string, st *resumeState) error {
	path = strings.TrimSpace(path)
	if path == "" {
		return errors.New("resume state path is required")
	}
	if st == nil {
		return errors.New("resume state is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	st.Type = "resume_state"
	if st.UpdatedAt == "" {
		st.UpdatedAt = time.Now().UTC().Format(time.RFC3339Nano)
	}
	b, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return err
	}
	b = append(b, '\n')
	return os.WriteFile(path, b, 0o644)
}

// trimReplayedLines drops everything up to and including the last occurrence
// of the previously emitted line. An unmatched marker replays the whole
// buffer; the ring may have rotated past it.
func trimReplayedLines(lines []string, lastLine string) []string {
	if lastLine == "" {
		return lines
	}
	for i := len(lines) - 1; i >= 0; i-- {
		if lines[i] == lastLine {
			return lines[i+1:]
		}
	}
	return lines
}
