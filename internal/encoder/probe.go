package encoder

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
)

type probeFormat struct {
	Duration string `json:"duration"`
}

type probeStream struct {
	CodecType  string `json:"codec_type"`
	Width      int    `json:"width"`
	Height     int    `json:"height"`
	PixFmt     string `json:"pix_fmt"`
	Channels   int    `json:"channels"`
	BitsPerRaw string `json:"bits_per_raw_sample"`
}

type probeOutput struct {
	Format  probeFormat   `json:"format"`
	Streams []probeStream `json:"streams"`
}

// Probe is the probed facts used to size the encoder invocation.
type Probe struct {
	DurationSeconds float64
	Height          int
	Is10Bit         bool
	AudioChannels   int
}

// ProbeFile runs ffprobe against path, driving `os/exec` and ffprobe's
// own JSON output directly; higher-level transcoding wrappers don't
// surface the raw pixel-format and channel fields needed here.
func ProbeFile(ctx context.Context, ffprobeBin, path string) (Probe, error) {
	cmd := exec.CommandContext(ctx, ffprobeBin,
		"-v", "quiet",
		"-print_format", "json",
		"-show_format",
		"-show_streams",
		path,
	)

	out, err := cmd.Output()
	if err != nil {
		return Probe{}, fmt.Errorf("ffprobe failed: %w", err)
	}

	var parsed probeOutput
	if err := json.Unmarshal(out, &parsed); err != nil {
		return Probe{}, fmt.Errorf("failed to parse ffprobe output: %w", err)
	}

	duration, _ := strconv.ParseFloat(parsed.Format.Duration, 64)

	var result Probe
	result.DurationSeconds = duration

	for _, stream := range parsed.Streams {
		switch stream.CodecType {
		case "video":
			if stream.Height > result.Height {
				result.Height = stream.Height
			}
			result.Is10Bit = strings.Contains(stream.PixFmt, "10") || stream.BitsPerRaw == "10"
		case "audio":
			if stream.Channels > result.AudioChannels {
				result.AudioChannels = stream.Channels
			}
		}
	}

	return result, nil
}
