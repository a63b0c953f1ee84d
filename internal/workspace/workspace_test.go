package workspace_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/clipforge/clipforge/internal/workspace"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func Test_Open_CreatesDirectoryAndLayout(t *testing.T) {
	cacheDir := t.TempDir()
	taskID := uuid.New()

	ws, err := workspace.Open(cacheDir, taskID, "final.mkv")
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(cacheDir, taskID.String()), ws.Dir)
	assert.Equal(t, filepath.Join(ws.Dir, "merged_input.mkv"), ws.MergedInput)
	assert.Equal(t, filepath.Join(ws.Dir, "thumb.jpg"), ws.Thumb)
	assert.Equal(t, filepath.Join(ws.Dir, "final.mkv"), ws.Output)
	assert.True(t, workspace.Exists(ws))
}

func Test_Open_IsIdempotent(t *testing.T) {
	cacheDir := t.TempDir()
	taskID := uuid.New()

	ws, err := workspace.Open(cacheDir, taskID, "final.mkv")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(ws.MergedInput, []byte("partial-download"), 0o644))

	ws2, err := workspace.Open(cacheDir, taskID, "final.mkv")
	require.NoError(t, err)

	assert.True(t, workspace.HasMergedInput(ws2), "re-opening must not clobber an existing merged_input")
}

func Test_HasMergedInput_FalseWhenAbsentOrEmpty(t *testing.T) {
	cacheDir := t.TempDir()
	ws, err := workspace.Open(cacheDir, uuid.New(), "final.mkv")
	require.NoError(t, err)

	assert.False(t, workspace.HasMergedInput(ws))

	require.NoError(t, os.WriteFile(ws.MergedInput, nil, 0o644))
	assert.False(t, workspace.HasMergedInput(ws), "a zero-byte file must not count as resumable")
}

func Test_Remove_DeletesWorkspaceDirectory(t *testing.T) {
	cacheDir := t.TempDir()
	ws, err := workspace.Open(cacheDir, uuid.New(), "final.mkv")
	require.NoError(t, err)
	require.True(t, workspace.Exists(ws))

	require.NoError(t, workspace.Remove(ws))
	assert.False(t, workspace.Exists(ws))
}
