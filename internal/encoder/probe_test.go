package encoder

import (
	"context"
	"os/exec"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// requireFfprobe skips the test when ffprobe isn't installed on the host
// running the suite, since ProbeFile drives the real binary rather than a
// fake — there's no in-process double for a media prober.
func requireFfprobe(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("ffprobe"); err != nil {
		t.Skip("ffprobe not available on this host")
	}
}

func Test_ProbeFile_ReturnsErrorForMissingFile(t *testing.T) {
	requireFfprobe(t)

	_, err := ProbeFile(context.Background(), "ffprobe", "/nonexistent/path/does-not-exist.mkv")
	assert.Error(t, err)
}

func Test_ProbeFile_RejectsUnknownBinary(t *testing.T) {
	_, err := ProbeFile(context.Background(), "this-binary-does-not-exist-xyz", "irrelevant")
	require.Error(t, err)
}
