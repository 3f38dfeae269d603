package pipeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/chai2010/webp"
	"github.com/disintegration/imaging"
	"github.com/hashicorp/go-hclog"
	"github.com/mantonx/beatdrop/internal/modules/mediamodule/core/chunks"
	"github.com/mantonx/beatdrop/internal/modules/mediamodule/core/metrics"
	"github.com/mantonx/beatdrop/internal/modules/mediamodule/core/storage"
	mediaerrors "github.com/mantonx/beatdrop/internal/modules/mediamodule/errors"
	"github.com/mantonx/beatdrop/internal/modules/mediamodule/types"
	"golang.org/x/sync/errgroup"
)

const kindImage = "image"

// ArtworkSize is one square thumbnail edge length
type ArtworkSize struct {
	Name string
	Size int
}

// ArtworkSizes are the fixed thumbnails produced for every cover image
var ArtworkSizes = []ArtworkSize{
	{Name: "mini", Size: 150},
	{Name: "small", Size: 300},
	{Name: "medium", Size: 600},
	{Name: "large", Size: 1200},
}

// ImageEncoder writes a size x size webp of in to out
type ImageEncoder interface {
	EncodeImage(ctx context.Context, in, out string, size, webpQuality int) error
}

// NativeImageEncoder resizes and encodes in process
type NativeImageEncoder struct{}

// EncodeImage scales to cover size x size, center crops and writes webp
func (NativeImageEncoder) EncodeImage(ctx context.Context, in, out string, size, webpQuality int) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	src, err := imaging.Open(in, imaging.AutoOrientation(true))
	if err != nil {
		return mediaerrors.ValidationError("encode_image", fmt.Errorf("failed to decode image: %w", err))
	}

	thumb := imaging.Fill(src, size, size, imaging.Center, imaging.Lanczos)

	f, err := os.Create(out)
	if err != nil {
		return mediaerrors.InternalError("encode_image", err)
	}

	if err := webp.Encode(f, thumb, &webp.Options{Quality: float32(webpQuality)}); err != nil {
		f.Close()
		os.Remove(out)
		return mediaerrors.New(mediaerrors.ErrorTypeEncode, "encode_image", err)
	}
	return f.Close()
}

// ImageConfig holds image pipeline settings
type ImageConfig struct {
	TempDir     string
	WebPQuality int
}

// ImagePipeline produces the artwork thumbnail set
type ImagePipeline struct {
	encoder ImageEncoder
	store   storage.ObjectStore
	config  ImageConfig
	metrics *metrics.Metrics
	logger  hclog.Logger
}

// NewImagePipeline creates a new image pipeline
func NewImagePipeline(encoder ImageEncoder, store storage.ObjectStore, config ImageConfig, m *metrics.Metrics, logger hclog.Logger) *ImagePipeline {
	if config.WebPQuality <= 0 {
		config.WebPQuality = 85
	}
	return &ImagePipeline{
		encoder: encoder,
		store:   store,
		config:  config,
		metrics: m,
		logger:  logger.Named("image-pipeline"),
	}
}

// Process encodes every artwork size and publishes them all or none. The
// session temp dir is removed on every path.
func (p *ImagePipeline) Process(ctx context.Context, sessionID, path, beatID, ownerID string) (keys types.ArtworkKeys, err error) {
	logger := p.logger.With("session_id", sessionID, "beat_id", beatID)
	workDir := chunks.SessionDir(p.config.TempDir, sessionID)

	done := p.metrics.RunStarted(kindImage)
	pub := newPublisher(p.store, logger)
	defer func() {
		if err != nil {
			if n := pub.rollback(ctx); n > 0 {
				p.metrics.RolledBack(kindImage, n)
			}
			logger.Error("image pipeline failed", "error_type", mediaerrors.GetType(err))
			keys = nil
		}
		os.RemoveAll(workDir)
		done(err)
	}()

	if err = os.MkdirAll(workDir, 0755); err != nil {
		return nil, mediaerrors.InternalError("encode_image", err).WithSession(sessionID)
	}

	outputs := make([]string, len(ArtworkSizes))
	for i, s := range ArtworkSizes {
		outputs[i] = filepath.Join(workDir, s.Name+".webp")
	}

	// Encoding
	started := time.Now()
	g, gctx := errgroup.WithContext(ctx)
	for i, s := range ArtworkSizes {
		g.Go(func() error {
			if err := p.encoder.EncodeImage(gctx, path, outputs[i], s.Size, p.config.WebPQuality); err != nil {
				if gctx.Err() == nil {
					p.metrics.EncodeFailed("encode_image_" + s.Name)
				}
				return mediaerrors.Wrap(err, mediaerrors.ErrorTypeEncode, "encode_image")
			}
			return nil
		})
	}
	err = g.Wait()
	p.metrics.ObserveStage(kindImage, metrics.StageEncoding, started)
	if err != nil {
		return nil, withSession(err, sessionID)
	}

	// Uploading
	started = time.Now()
	keys = make(types.ArtworkKeys, len(ArtworkSizes))
	g, gctx = errgroup.WithContext(ctx)
	for i, s := range ArtworkSizes {
		key := storage.ArtworkKey(ownerID, beatID, s.Name)
		keys[s.Name] = key
		g.Go(func() error {
			return pub.putFile(gctx, key, outputs[i], "image/webp")
		})
	}
	err = g.Wait()
	p.metrics.ObserveStage(kindImage, metrics.StageUploading, started)
	if err != nil {
		return nil, withSession(err, sessionID)
	}

	logger.Info("artwork published", "sizes", len(keys))
	return keys, nil
}
