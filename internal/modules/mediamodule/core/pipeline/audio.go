package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/mantonx/beatdrop/internal/modules/mediamodule/core/chunks"
	"github.com/mantonx/beatdrop/internal/modules/mediamodule/core/ffmpeg"
	"github.com/mantonx/beatdrop/internal/modules/mediamodule/core/hls"
	"github.com/mantonx/beatdrop/internal/modules/mediamodule/core/metrics"
	"github.com/mantonx/beatdrop/internal/modules/mediamodule/core/quality"
	"github.com/mantonx/beatdrop/internal/modules/mediamodule/core/storage"
	mediaerrors "github.com/mantonx/beatdrop/internal/modules/mediamodule/errors"
	"github.com/mantonx/beatdrop/internal/modules/mediamodule/types"
	"golang.org/x/sync/errgroup"
)

const kindAudio = "audio"

// Prober extracts technical metadata from a media file
type Prober interface {
	Probe(ctx context.Context, path string) (*types.AudioMetadata, error)
}

// AudioEncoder produces audio renditions and HLS segments
type AudioEncoder interface {
	EncodePreview(ctx context.Context, in, out string, spec ffmpeg.PreviewSpec) error
	EncodeQuality(ctx context.Context, in, out string, preset quality.Preset) error
	Segment(ctx context.Context, in, outDir string, segmentSeconds int, ext string) (*ffmpeg.Segmented, error)
}

// AudioConfig holds audio pipeline settings
type AudioConfig struct {
	TempDir         string
	Preview         ffmpeg.PreviewSpec
	SegmentDuration int
	// MaxConcurrent bounds parallel encodes and uploads, 0 means one per rendition
	MaxConcurrent int
}

// Job is one audio processing request
type Job struct {
	SessionID string
	OwnerID   string
	BeatID    string
	RawFile   string
	Options   types.ProcessingOptions
}

// AudioPipeline probes, encodes, publishes and builds HLS for an upload
type AudioPipeline struct {
	prober  Prober
	encoder AudioEncoder
	store   storage.ObjectStore
	presets *quality.Table
	tags    TagReader
	config  AudioConfig
	metrics *metrics.Metrics
	logger  hclog.Logger
}

// NewAudioPipeline creates a new audio pipeline. tags and m may be nil.
func NewAudioPipeline(prober Prober, encoder AudioEncoder, store storage.ObjectStore, presets *quality.Table,
	tags TagReader, config AudioConfig, m *metrics.Metrics, logger hclog.Logger) *AudioPipeline {
	if presets == nil {
		presets = quality.DefaultTable()
	}
	return &AudioPipeline{
		prober:  prober,
		encoder: encoder,
		store:   store,
		presets: presets,
		tags:    tags,
		config:  config,
		metrics: m,
		logger:  logger.Named("audio-pipeline"),
	}
}

// rendition is one encoded output awaiting upload
type rendition struct {
	name        string // preview or preset name
	op          string
	path        string
	key         string
	contentType string
	preset      *quality.Preset
}

// Process runs the whole audio pipeline for job. On success every key in
// the returned set exists; on failure none of them do. The session temp
// dir is removed on every path.
func (p *AudioPipeline) Process(ctx context.Context, job Job) (result *types.RenditionSet, meta *types.AudioMetadata, err error) {
	logger := p.logger.With("session_id", job.SessionID, "beat_id", job.BeatID)
	workDir := chunks.SessionDir(p.config.TempDir, job.SessionID)

	done := p.metrics.RunStarted(kindAudio)
	pub := newPublisher(p.store, logger)
	defer func() {
		if err != nil {
			if n := pub.rollback(ctx); n > 0 {
				p.metrics.RolledBack(kindAudio, n)
				logger.Warn("rolled back published objects", "count", n)
			}
			logger.Error("audio pipeline failed", "error_type", mediaerrors.GetType(err), "op", mediaerrors.GetOperation(err))
			result, meta = nil, nil
		}
		if rmErr := os.RemoveAll(workDir); rmErr != nil {
			logger.Warn("failed to remove temp dir", "dir", workDir, "error", rmErr)
		}
		done(err)
	}()

	presets, err := p.presets.Select(job.Options.Qualities)
	if err != nil {
		return nil, nil, mediaerrors.ValidationError("process", err).WithSession(job.SessionID)
	}

	// Probing
	started := time.Now()
	meta, err = p.prober.Probe(ctx, job.RawFile)
	p.metrics.ObserveStage(kindAudio, metrics.StageProbing, started)
	if err != nil {
		return nil, nil, withSession(err, job.SessionID)
	}
	if meta.SizeBytes == 0 {
		if info, statErr := os.Stat(job.RawFile); statErr == nil {
			meta.SizeBytes = info.Size()
		}
	}
	if p.tags != nil {
		if tags, tagErr := p.tags.ReadTags(job.RawFile); tagErr == nil {
			meta.Tags = tags
		} else {
			logger.Debug("no readable tags", "error", tagErr)
		}
	}
	logger.Info("probed upload", "duration", meta.DurationSeconds, "codec", meta.Codec, "sample_rate", meta.SampleRateHz)

	renditions := p.plan(job, presets, workDir)

	// Encoding
	started = time.Now()
	err = p.encodeAll(ctx, job, renditions, workDir)
	p.metrics.ObserveStage(kindAudio, metrics.StageEncoding, started)
	if err != nil {
		return nil, nil, withSession(err, job.SessionID)
	}

	// Uploading
	started = time.Now()
	err = p.uploadAll(ctx, pub, renditions)
	p.metrics.ObserveStage(kindAudio, metrics.StageUploading, started)
	if err != nil {
		return nil, nil, withSession(err, job.SessionID)
	}

	set := &types.RenditionSet{QualityKeys: make(map[string]string, len(presets))}
	for _, r := range renditions {
		if r.preset == nil {
			set.PreviewKey = r.key
			continue
		}
		set.QualityKeys[r.name] = r.key
	}

	// ManifestBuilding
	if job.Options.GenerateHLS {
		started = time.Now()
		set.HLSManifestKey, err = p.publishHLS(ctx, pub, job, renditions, meta.DurationSeconds, workDir)
		p.metrics.ObserveStage(kindAudio, metrics.StageManifestBuilding, started)
		if err != nil {
			return nil, nil, withSession(err, job.SessionID)
		}
	}

	logger.Info("audio pipeline completed", "qualities", len(set.QualityKeys), "hls", set.HLSManifestKey != "")
	return set, meta, nil
}

func (p *AudioPipeline) plan(job Job, presets []quality.Preset, workDir string) []*rendition {
	var renditions []*rendition

	if job.Options.GeneratePreview {
		renditions = append(renditions, &rendition{
			name:        "preview",
			op:          "encode_preview",
			path:        filepath.Join(workDir, "preview.mp3"),
			key:         storage.AudioKey(job.OwnerID, job.BeatID, "preview", "mp3"),
			contentType: "audio/mpeg",
		})
	}

	for i := range presets {
		preset := presets[i]
		renditions = append(renditions, &rendition{
			name:        preset.Name,
			op:          "encode_" + preset.Name,
			path:        filepath.Join(workDir, preset.RenditionName+"."+preset.Extension),
			key:         storage.AudioKey(job.OwnerID, job.BeatID, preset.RenditionName, preset.Extension),
			contentType: preset.ContentType,
			preset:      &preset,
		})
	}
	return renditions
}

func (p *AudioPipeline) limit(n int) int {
	if p.config.MaxConcurrent > 0 && p.config.MaxConcurrent < n {
		return p.config.MaxConcurrent
	}
	return n
}

// encodeAll runs every encode concurrently; the first failure cancels the rest
func (p *AudioPipeline) encodeAll(ctx context.Context, job Job, renditions []*rendition, workDir string) error {
	if err := os.MkdirAll(workDir, 0755); err != nil {
		return mediaerrors.InternalError("encode", err)
	}

	preview := p.config.Preview
	if job.Options.PreviewDuration > 0 {
		preview.DurationSeconds = job.Options.PreviewDuration
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.limit(len(renditions)))

	for _, r := range renditions {
		g.Go(func() error {
			var err error
			if r.preset == nil {
				err = p.encoder.EncodePreview(gctx, job.RawFile, r.path, preview)
			} else {
				err = p.encoder.EncodeQuality(gctx, job.RawFile, r.path, *r.preset)
			}
			if err != nil {
				// siblings cancelled by the group are not counted
				if gctx.Err() == nil {
					p.metrics.EncodeFailed(r.op)
				}
				return mediaerrors.Wrap(err, mediaerrors.ErrorTypeEncode, r.op)
			}
			return nil
		})
	}
	return g.Wait()
}

func (p *AudioPipeline) uploadAll(ctx context.Context, pub *publisher, renditions []*rendition) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.limit(len(renditions)))

	for _, r := range renditions {
		g.Go(func() error {
			return pub.putFile(gctx, r.key, r.path, r.contentType)
		})
	}
	return g.Wait()
}

// publishHLS segments every quality rendition, uploads segments and
// variant playlists, then the master playlist last
func (p *AudioPipeline) publishHLS(ctx context.Context, pub *publisher, job Job, renditions []*rendition, duration float64, workDir string) (string, error) {
	segmentSeconds := hls.ClampSegmentDuration(p.config.SegmentDuration)

	var qualities []*rendition
	for _, r := range renditions {
		if r.preset != nil {
			qualities = append(qualities, r)
		}
	}
	if len(qualities) == 0 {
		return "", mediaerrors.ValidationError("hls", fmt.Errorf("no quality renditions to segment"))
	}

	var (
		mu       sync.Mutex
		variants = make([]hls.Variant, 0, len(qualities))
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.limit(len(qualities)))

	for _, r := range qualities {
		g.Go(func() error {
			outDir := filepath.Join(workDir, "hls", r.name)
			segmented, err := p.encoder.Segment(gctx, r.path, outDir, segmentSeconds, r.preset.SegmentExt())
			if err != nil {
				return err
			}

			segmentType := r.preset.SegmentContentType()
			segments := hls.AssignDurations(segmented.Files, duration, segmentSeconds)
			for i, f := range segmented.Files {
				key := storage.SegmentKey(job.BeatID, r.name, segments[i].URI)
				if err := pub.putFile(gctx, key, f, segmentType); err != nil {
					return err
				}
				segments[i].URI = r.name + "/" + segments[i].URI
			}

			var playlist string
			if segmented.Init != "" {
				initName := filepath.Base(segmented.Init)
				if err := pub.putFile(gctx, storage.SegmentKey(job.BeatID, r.name, initName), segmented.Init, segmentType); err != nil {
					return err
				}
				playlist = hls.BuildFragmentedVariantPlaylist(r.name+"/"+initName, segments, segmentSeconds)
			} else {
				playlist = hls.BuildVariantPlaylist(segments, segmentSeconds)
			}
			if err := pub.put(gctx, storage.VariantPlaylistKey(job.BeatID, r.name),
				strings.NewReader(playlist), "application/vnd.apple.mpegurl"); err != nil {
				return err
			}

			mu.Lock()
			variants = append(variants, hls.Variant{
				Name:      r.name,
				Bandwidth: r.preset.Bandwidth,
				Codecs:    r.preset.CodecString,
				Path:      r.name + ".m3u8",
			})
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return "", err
	}

	masterKey := storage.MasterPlaylistKey(job.BeatID)
	master := hls.BuildMasterPlaylist(variants)
	if err := pub.put(ctx, masterKey, strings.NewReader(master), "application/vnd.apple.mpegurl"); err != nil {
		return "", err
	}
	return masterKey, nil
}

// withSession tags MediaErrors with the session they belong to
func withSession(err error, sessionID string) error {
	err = mediaerrors.Wrap(err, mediaerrors.ErrorTypeInternal, "process")
	var mErr *mediaerrors.MediaError
	if errors.As(err, &mErr) && mErr.SessionID == "" {
		mErr.WithSession(sessionID)
	}
	return err
}
