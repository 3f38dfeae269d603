package ffmpeg

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/hashicorp/go-hclog"
	"github.com/mantonx/beatdrop/internal/modules/mediamodule/core/quality"
	mediaerrors "github.com/mantonx/beatdrop/internal/modules/mediamodule/errors"
)

// PreviewSpec describes the short low-bitrate preview clip
type PreviewSpec struct {
	DurationSeconds int
	Bitrate         int // bps
	SampleRate      int
}

// DefaultPreviewSpec returns a 30 second 96k stereo MP3 preview
func DefaultPreviewSpec() PreviewSpec {
	return PreviewSpec{
		DurationSeconds: 30,
		Bitrate:         96000,
		SampleRate:      44100,
	}
}

// Encoder runs ffmpeg for audio renditions, thumbnails and HLS segments
type Encoder struct {
	runner CommandRunner
	cfg    Config
	logger hclog.Logger
}

// NewEncoder creates a new ffmpeg encoder
func NewEncoder(cfg Config, runner CommandRunner, logger hclog.Logger) *Encoder {
	if runner == nil {
		runner = &DefaultCommandRunner{}
	}
	return &Encoder{
		runner: runner,
		cfg:    cfg,
		logger: logger.Named("encoder"),
	}
}

// EncodePreview writes a fixed-length stereo preview of in to out
func (e *Encoder) EncodePreview(ctx context.Context, in, out string, spec PreviewSpec) error {
	return e.exec(ctx, "encode_preview", PreviewArgs(in, out, spec))
}

// EncodeQuality re-encodes the full input at the preset parameters
func (e *Encoder) EncodeQuality(ctx context.Context, in, out string, preset quality.Preset) error {
	return e.exec(ctx, "encode_"+preset.Name, QualityArgs(in, out, preset))
}

// EncodeImage writes a size x size webp thumbnail
func (e *Encoder) EncodeImage(ctx context.Context, in, out string, size, webpQuality int) error {
	return e.exec(ctx, "encode_image", ImageArgs(in, out, size, webpQuality))
}

// FMP4InitName is the init segment written next to fragmented MP4 segments
const FMP4InitName = "init.mp4"

// Segmented lists the files of one segmented rendition
type Segmented struct {
	// Init is the fragmented MP4 init segment, empty for packed audio
	Init  string
	Files []string
}

// Segment splits an encoded rendition into HLS media segments inside
// outDir and returns them in playback order. An ext of "m4s" produces
// fragmented MP4 with an init segment, anything else packed audio.
func (e *Encoder) Segment(ctx context.Context, in, outDir string, segmentSeconds int, ext string) (*Segmented, error) {
	if err := os.MkdirAll(outDir, 0755); err != nil {
		return nil, mediaerrors.InternalError("segment", err)
	}

	fragmented := ext == quality.FragmentedExtension
	args := SegmentArgs(in, outDir, segmentSeconds, ext)
	if fragmented {
		args = FragmentedSegmentArgs(in, outDir, segmentSeconds)
	}
	if err := e.exec(ctx, "segment", args); err != nil {
		return nil, err
	}

	segments, err := filepath.Glob(filepath.Join(outDir, "seg_*."+ext))
	if err != nil {
		return nil, mediaerrors.InternalError("segment", err)
	}
	if len(segments) == 0 {
		return nil, mediaerrors.EncodeFailure("segment", &mediaerrors.EncodeError{ExitCode: 0, StderrTail: "no segments written"})
	}
	sortSegments(segments)

	out := &Segmented{Files: segments}
	if fragmented {
		out.Init = filepath.Join(outDir, FMP4InitName)
		if _, err := os.Stat(out.Init); err != nil {
			return nil, mediaerrors.EncodeFailure("segment", &mediaerrors.EncodeError{ExitCode: 0, StderrTail: "no init segment written"})
		}
	}
	return out, nil
}

// sortSegments orders seg_N files by N; %03d pads only to three digits, so
// seg_1000 must not sort before seg_101
func sortSegments(paths []string) {
	sort.SliceStable(paths, func(i, j int) bool {
		a, b := segmentIndex(paths[i]), segmentIndex(paths[j])
		if a != b {
			return a < b
		}
		return paths[i] < paths[j]
	})
}

func segmentIndex(path string) int {
	name := strings.TrimPrefix(filepath.Base(path), "seg_")
	name = strings.TrimSuffix(name, filepath.Ext(name))
	n, err := strconv.Atoi(name)
	if err != nil {
		return -1
	}
	return n
}

func (e *Encoder) exec(ctx context.Context, op string, args []string) error {
	e.logger.Debug("running ffmpeg", "op", op, "args", args)

	res := runBounded(ctx, e.runner, e.cfg.Timeout, e.cfg.FFmpegPath, args)
	if res.err == nil {
		return nil
	}

	cause := &mediaerrors.EncodeError{
		ExitCode:   res.exitCode,
		StderrTail: mediaerrors.Tail(res.stderr),
	}
	if res.timedOut {
		e.logger.Error("ffmpeg timed out", "op", op, "timeout", e.cfg.Timeout)
	} else {
		e.logger.Error("ffmpeg failed", "op", op, "exit_code", cause.ExitCode, "stderr", cause.StderrTail)
	}
	return mediaerrors.EncodeFailure(op, cause)
}

var baseArgs = []string{"-hide_banner", "-nostdin", "-loglevel", "error", "-y"}

func withBase(args ...string) []string {
	return append(append([]string{}, baseArgs...), args...)
}

// PreviewArgs builds the ffmpeg arguments for a preview clip
func PreviewArgs(in, out string, spec PreviewSpec) []string {
	if spec.DurationSeconds <= 0 {
		spec.DurationSeconds = DefaultPreviewSpec().DurationSeconds
	}
	if spec.Bitrate <= 0 {
		spec.Bitrate = DefaultPreviewSpec().Bitrate
	}
	if spec.SampleRate <= 0 {
		spec.SampleRate = DefaultPreviewSpec().SampleRate
	}

	return withBase(
		"-i", in,
		"-t", strconv.Itoa(spec.DurationSeconds),
		"-map", "0:a:0",
		"-vn",
		"-c:a", "libmp3lame",
		"-b:a", bitrateArg(spec.Bitrate),
		"-ar", strconv.Itoa(spec.SampleRate),
		"-ac", "2",
		out,
	)
}

// QualityArgs builds the ffmpeg arguments for a full-length rendition.
// Lossless presets get no bitrate target.
func QualityArgs(in, out string, preset quality.Preset) []string {
	args := withBase(
		"-i", in,
		"-map", "0:a:0",
		"-vn",
		"-c:a", preset.Codec,
	)

	if preset.Lossless {
		args = append(args, "-compression_level", "5")
	} else {
		args = append(args, "-b:a", bitrateArg(preset.TargetBitrate))
	}

	if preset.SampleRate > 0 {
		args = append(args, "-ar", strconv.Itoa(preset.SampleRate))
	}
	if preset.Channels > 0 {
		args = append(args, "-ac", strconv.Itoa(preset.Channels))
	}

	return append(args, out)
}

// ImageArgs builds the ffmpeg arguments for a square webp thumbnail
func ImageArgs(in, out string, size, webpQuality int) []string {
	filter := fmt.Sprintf("scale=%d:%d:force_original_aspect_ratio=increase,crop=%d:%d", size, size, size, size)
	return withBase(
		"-i", in,
		"-vf", filter,
		"-frames:v", "1",
		"-c:v", "libwebp",
		"-quality", strconv.Itoa(webpQuality),
		out,
	)
}

// SegmentArgs builds the ffmpeg arguments for stream-copy segmenting
func SegmentArgs(in, outDir string, segmentSeconds int, ext string) []string {
	return withBase(
		"-i", in,
		"-map", "0:a:0",
		"-c", "copy",
		"-f", "segment",
		"-segment_time", strconv.Itoa(segmentSeconds),
		"-reset_timestamps", "1",
		filepath.Join(outDir, "seg_%03d."+ext),
	)
}

// FragmentedSegmentArgs builds the ffmpeg arguments for stream-copy
// segmenting into fragmented MP4. ffmpeg's own playlist is discarded.
func FragmentedSegmentArgs(in, outDir string, segmentSeconds int) []string {
	return withBase(
		"-i", in,
		"-map", "0:a:0",
		"-c", "copy",
		"-strict", "experimental",
		"-f", "hls",
		"-hls_time", strconv.Itoa(segmentSeconds),
		"-hls_playlist_type", "vod",
		"-hls_segment_type", "fmp4",
		"-hls_fmp4_init_filename", FMP4InitName,
		"-hls_segment_filename", filepath.Join(outDir, "seg_%03d."+quality.FragmentedExtension),
		filepath.Join(outDir, "ffmpeg.m3u8"),
	)
}

func bitrateArg(bps int) string {
	return strconv.Itoa(bps/1000) + "k"
}
