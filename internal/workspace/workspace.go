// Package workspace manages the per-job filesystem directory used for
// resumable downloads and encoded outputs. Ownership is exclusive to
// whichever worker currently holds the job in a non-terminal state;
// hand-off between the I/O and CPU stages happens via the broker, never
// via shared in-memory state.
package workspace

import (
	"os"
	"path/filepath"

	"github.com/clipforge/clipforge/internal/jobmodel"
	"github.com/google/uuid"
)

const (
	mergedInputName = "merged_input.mkv"
	thumbName       = "thumb.jpg"
)

// Open returns the workspace layout for taskID rooted at cacheDir, creating
// the directory if it does not already exist. Call Open idempotently —
// the I/O worker's resume-after-crash path relies on this not clobbering
// an existing merged_input.
func Open(cacheDir string, taskID uuid.UUID, finalFilename string) (jobmodel.Workspace, error) {
	dir := filepath.Join(cacheDir, taskID.String())
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return jobmodel.Workspace{}, err
	}

	return jobmodel.Workspace{
		TaskID:      taskID,
		Dir:         dir,
		MergedInput: filepath.Join(dir, mergedInputName),
		Thumb:       filepath.Join(dir, thumbName),
		Output:      filepath.Join(dir, finalFilename),
	}, nil
}

// HasMergedInput reports whether a previous attempt already fully or
// partially downloaded the merged input file; if so the download is
// skipped and the job resumes at analysis.
func HasMergedInput(ws jobmodel.Workspace) bool {
	info, err := os.Stat(ws.MergedInput)
	return err == nil && info.Size() > 0
}

// Remove deletes the entire workspace directory. Called on every terminal
// transition.
func Remove(ws jobmodel.Workspace) error {
	return os.RemoveAll(ws.Dir)
}

// Exists reports whether the workspace directory is still present; a
// terminal job's workspace must not be.
func Exists(ws jobmodel.Workspace) bool {
	_, err := os.Stat(ws.Dir)
	return err == nil
}
