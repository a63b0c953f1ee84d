// Package encoder supervises the external transcoder subprocess: launching
// it, parsing its line-oriented `out_time_ms=N` progress stream on stdout,
// and capturing diagnostics from stderr. It drives os/exec directly;
// higher-level transcoding wrappers expose no out_time_ms progress field
// to parse.
package encoder

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"

	"github.com/clipforge/clipforge/internal/jobmodel"
	"github.com/clipforge/clipforge/pkg/logger"
)

var log = logger.Get("Encoder")

// Options parametrizes one encode invocation.
type Options struct {
	InputPath     string
	OutputPath    string
	Height        int
	Preset        jobmodel.Preset
	CRF           int
	AudioBitrate  string
	Is10Bit       bool
	AudioChannels int
}

// Result is the outcome of a completed (successful or failed) run.
type Result struct {
	ExitCode   int
	LastStderr string
	Cancelled  bool
}

// Supervisor launches and monitors one transcode subprocess at a time; the
// CPU worker builds one for each encode it runs.
type Supervisor struct {
	ffmpegBin string
}

func NewSupervisor(ffmpegBin string) *Supervisor {
	return &Supervisor{ffmpegBin: ffmpegBin}
}

// Run blocks until the subprocess exits, the context is cancelled (which
// kills the subprocess with SIGKILL), or a read error occurs. onProgress
// is invoked with the decoded output position (seconds) each time a
// well-formed `out_time_ms=N` line is seen; malformed lines (e.g.
// `out_time_ms=N/A`) are silently ignored.
func (s *Supervisor) Run(ctx context.Context, opts Options, onProgress func(elapsedSeconds float64)) (Result, error) {
	args := buildArgs(s.ffmpegBin, opts)
	cmd := exec.CommandContext(ctx, s.ffmpegBin, args...)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return Result{}, fmt.Errorf("failed to open encoder stdout: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return Result{}, fmt.Errorf("failed to open encoder stderr: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return Result{}, fmt.Errorf("failed to start encoder: %w", err)
	}
	log.Debugf("encoder started pid=%d input=%s height=%d\n", cmd.Process.Pid, opts.InputPath, opts.Height)

	lastStderr := make(chan string, 1)
	go captureLastStderrLine(stderr, lastStderr)

	scanProgress(stdout, onProgress)

	err = cmd.Wait()
	stderrLine := <-lastStderr

	if ctx.Err() != nil {
		log.Infof("encoder pid=%d terminated by cancellation\n", cmd.Process.Pid)
		return Result{Cancelled: true, LastStderr: stderrLine}, nil
	}

	if err != nil {
		exitCode := -1
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			exitCode = exitErr.ExitCode()
		}
		log.Warnf("encoder pid=%d exited %d: %s\n", cmd.Process.Pid, exitCode, stderrLine)
		return Result{ExitCode: exitCode, LastStderr: stderrLine}, nil
	}

	log.Debugf("encoder pid=%d completed\n", cmd.Process.Pid)
	return Result{ExitCode: 0, LastStderr: stderrLine}, nil
}

// buildArgs constructs the ffmpeg invocation: HEVC video at the effective
// height, fixed CRF + caller preset, the source's bit depth preserved, AAC
// audio at the configured bitrate with the source channel count passed
// through, Matroska container, and an `-progress` stream of `out_time_ms=N`
// pairs on stdout.
func buildArgs(_ string, opts Options) []string {
	scaleFilter := fmt.Sprintf("scale=-2:%d", opts.Height)

	args := []string{
		"-y",
		"-i", opts.InputPath,
		"-vf", scaleFilter,
		"-c:v", "libx265",
		"-crf", strconv.Itoa(opts.CRF),
		"-preset", string(opts.Preset),
		"-pix_fmt", pixelFormat(opts.Is10Bit),
		"-c:a", "aac",
		"-b:a", opts.AudioBitrate,
	}

	if opts.AudioChannels > 0 {
		args = append(args, "-ac", strconv.Itoa(opts.AudioChannels))
	}

	return append(args,
		"-f", "matroska",
		"-progress", "pipe:1",
		"-nostats",
		opts.OutputPath,
	)
}

func pixelFormat(is10Bit bool) string {
	if is10Bit {
		return "yuv420p10le"
	}
	return "yuv420p"
}

// scanProgress reads stdout line by line, converting `out_time_ms=N`
// (microseconds) to seconds and invoking onProgress. Any other `key=value`
// line (frame=, fps=, progress=, etc.) is ignored.
func scanProgress(r interface{ Read([]byte) (int, error) }, onProgress func(float64)) {
	scanner := bufio.NewScanner(bufio.NewReader(r))
	for scanner.Scan() {
		line := scanner.Text()
		key, value, ok := strings.Cut(line, "=")
		if !ok || key != "out_time_ms" {
			continue
		}

		microseconds, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64)
		if err != nil {
			continue
		}

		if onProgress != nil {
			onProgress(float64(microseconds) / 1_000_000)
		}
	}
}

func captureLastStderrLine(r interface{ Read([]byte) (int, error) }, out chan<- string) {
	scanner := bufio.NewScanner(bufio.NewReader(r))
	var last string
	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) != "" {
			last = line
		}
	}
	out <- last
}
