package cli

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDefaultResumeStatePath(t *testing.T) {
	tmp := t.TempDir()
	t.Setenv("HOME", tmp)

	got, err := defaultResumeStatePath(7)
	require.NoError(t, err)

	want := filepath.Join(tmp, ".cwb", "resume", "tab-7.json")
	require.Equal(t, want, got)

	info, err := os.Stat(filepath.Dir(got))
	require.NoError(t, err)
	require.True(t, info.IsDir())
}

func TestDefaultResumeStatePathRejectsBadTab(t *testing.T) {
	_, err := defaultResumeStatePath(0)
	require.Error(t, err)
}

func TestLoadResumeStateMissingFile(t *testing.T) {
	tmp := t.TempDir()
	got, err := loadResumeState(filepath.Join(tmp, "missing.json"))
	require.NoError(t, err)
	require.Nil(t, got)
}

func TestSaveAndLoadResumeStateRoundTrip(t *testing.T) {
	tmp := t.TempDir()
	path := filepath.Join(tmp, "resume.json")

	st := &resumeState{
		SchemaVersion: 1,
		TabID:         3,
		LastLine:      "[error] boom",
		UpdatedAt:     "2026-08-23T22:00:02Z",
	}
	require.NoError(t, saveResumeState(path, st))

	loaded, err := loadResumeState(path)
	require.NoError(t, err)
	require.NotNil(t, loaded)
	require.Equal(t, "resume_state", loaded.Type)
	require.Equal(t, 3, loaded.TabID)
	require.Equal(t, "[error] boom", loaded.LastLine)
	require.Equal(t, "2026-08-23T22:00:02Z", loaded.UpdatedAt)
}
