package ffmpeg

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/hashicorp/go-hclog"
	mediaerrors "github.com/mantonx/beatdrop/internal/modules/mediamodule/errors"
	"github.com/mantonx/beatdrop/internal/modules/mediamodule/types"
)

// probeOutput represents the JSON output from ffprobe
type probeOutput struct {
	Format  probeFormat   `json:"format"`
	Streams []probeStream `json:"streams"`
}

type probeFormat struct {
	FormatName string `json:"format_name"`
	Duration   string `json:"duration"`
	Size       string `json:"size"`
	BitRate    string `json:"bit_rate"`
}

type probeStream struct {
	CodecName  string `json:"codec_name"`
	CodecType  string `json:"codec_type"`
	SampleRate string `json:"sample_rate"`
	Channels   int    `json:"channels"`
	BitRate    string `json:"bit_rate"`
}

// Prober extracts technical metadata with ffprobe
type Prober struct {
	runner CommandRunner
	cfg    Config
	logger hclog.Logger
}

// NewProber creates a new media prober
func NewProber(cfg Config, runner CommandRunner, logger hclog.Logger) *Prober {
	if runner == nil {
		runner = &DefaultCommandRunner{}
	}
	return &Prober{
		runner: runner,
		cfg:    cfg,
		logger: logger.Named("prober"),
	}
}

// Probe inspects the file at path and returns its audio properties
func (p *Prober) Probe(ctx context.Context, path string) (*types.AudioMetadata, error) {
	args := []string{
		"-v", "quiet",
		"-print_format", "json",
		"-show_format",
		"-show_streams",
		path,
	}

	res := runBounded(ctx, p.runner, p.cfg.Timeout, p.cfg.FFprobePath, args)
	if res.timedOut {
		p.logger.Error("ffprobe timed out", "path", path, "timeout", p.cfg.Timeout)
		return nil, mediaerrors.UnprobableMediaError("probe", mediaerrors.ErrTimeout)
	}
	if res.err != nil {
		p.logger.Error("ffprobe failed", "path", path, "exit_code", res.exitCode, "stderr", mediaerrors.Tail(res.stderr))
		return nil, mediaerrors.UnprobableMediaError("probe",
			fmt.Errorf("ffprobe exited with code %d", res.exitCode))
	}

	meta, err := ParseProbeOutput(res.stdout)
	if err != nil {
		p.logger.Warn("unusable ffprobe output", "path", path, "error", err)
		return nil, mediaerrors.UnprobableMediaError("probe", err)
	}

	p.logger.Debug("probed media", "path", path, "codec", meta.Codec, "duration", meta.DurationSeconds)
	return meta, nil
}

// IsAvailable reports whether ffprobe can be executed
func (p *Prober) IsAvailable(ctx context.Context) bool {
	res := runBounded(ctx, p.runner, p.cfg.Timeout, p.cfg.FFprobePath, []string{"-version"})
	if res.err != nil {
		p.logger.Warn("ffprobe not available", "path", p.cfg.FFprobePath, "error", res.err)
		return false
	}
	return true
}

// ParseProbeOutput converts ffprobe JSON into AudioMetadata. Numeric fields
// that are missing or malformed become 0; a missing audio stream is an error.
func ParseProbeOutput(data []byte) (*types.AudioMetadata, error) {
	var out probeOutput
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("failed to parse ffprobe output: %w", err)
	}

	var audio *probeStream
	for i := range out.Streams {
		if out.Streams[i].CodecType == "audio" {
			audio = &out.Streams[i]
			break
		}
	}
	if audio == nil {
		return nil, mediaerrors.ErrNoAudioStream
	}

	// prefer stream bitrate over format bitrate
	bitrate := parseInt(audio.BitRate)
	if bitrate == 0 {
		bitrate = parseInt(out.Format.BitRate)
	}

	return &types.AudioMetadata{
		DurationSeconds: parseFloat(out.Format.Duration),
		BitrateBps:      bitrate,
		SampleRateHz:    int(parseInt(audio.SampleRate)),
		ChannelCount:    audio.Channels,
		ContainerFormat: out.Format.FormatName,
		Codec:           audio.CodecName,
		SizeBytes:       parseInt(out.Format.Size),
	}, nil
}

func parseInt(s string) int64 {
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0
	}
	return v
}

func parseFloat(s string) float64 {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return v
}
