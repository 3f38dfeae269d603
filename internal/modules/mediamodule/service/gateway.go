package service

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/mantonx/beatdrop/internal/modules/mediamodule/core/chunks"
	"github.com/mantonx/beatdrop/internal/modules/mediamodule/core/cleanup"
	"github.com/mantonx/beatdrop/internal/modules/mediamodule/core/hls"
	"github.com/mantonx/beatdrop/internal/modules/mediamodule/core/metrics"
	"github.com/mantonx/beatdrop/internal/modules/mediamodule/core/pipeline"
	"github.com/mantonx/beatdrop/internal/modules/mediamodule/core/quality"
	"github.com/mantonx/beatdrop/internal/modules/mediamodule/core/session"
	"github.com/mantonx/beatdrop/internal/modules/mediamodule/core/storage"
	mediaerrors "github.com/mantonx/beatdrop/internal/modules/mediamodule/errors"
	"github.com/mantonx/beatdrop/internal/modules/mediamodule/types"
	"github.com/shirou/gopsutil/v4/disk"
)

// MaxDownloadBatch bounds how many keys one presign request may carry
const MaxDownloadBatch = 100

// AvailabilityChecker reports whether an external tool can run
type AvailabilityChecker interface {
	IsAvailable(ctx context.Context) bool
}

// GatewayConfig holds gateway settings
type GatewayConfig struct {
	TempDir          string
	DownloadURLTTL   time.Duration
	MinFreeDiskBytes uint64

	// ProcessingTimeout bounds one complete run; the caller's context only
	// carries values into it, never cancellation
	ProcessingTimeout time.Duration
}

// Gateway is the single entry point the HTTP layer talks to. It composes
// the session manager, reassembler and pipelines into the upload flow.
type Gateway struct {
	sessions    *session.Manager
	reassembler *chunks.Reassembler
	audio       *pipeline.AudioPipeline
	images      *pipeline.ImagePipeline
	cleanup     *cleanup.Scheduler
	objects     storage.ObjectStore
	prober      AvailabilityChecker
	presets     *quality.Table
	config      GatewayConfig
	metrics     *metrics.Metrics
	logger      hclog.Logger
}

// GatewayDeps lists the collaborators a Gateway is built from
type GatewayDeps struct {
	Sessions    *session.Manager
	Reassembler *chunks.Reassembler
	Audio       *pipeline.AudioPipeline
	Images      *pipeline.ImagePipeline
	Cleanup     *cleanup.Scheduler
	Objects     storage.ObjectStore
	Prober      AvailabilityChecker
	Presets     *quality.Table
	Metrics     *metrics.Metrics
}

// NewGateway creates a new media gateway
func NewGateway(deps GatewayDeps, config GatewayConfig, logger hclog.Logger) *Gateway {
	presets := deps.Presets
	if presets == nil {
		presets = quality.DefaultTable()
	}
	if config.DownloadURLTTL <= 0 {
		config.DownloadURLTTL = time.Hour
	}
	if config.ProcessingTimeout <= 0 {
		config.ProcessingTimeout = 45 * time.Minute
	}
	return &Gateway{
		sessions:    deps.Sessions,
		reassembler: deps.Reassembler,
		audio:       deps.Audio,
		images:      deps.Images,
		cleanup:     deps.Cleanup,
		objects:     deps.Objects,
		prober:      deps.Prober,
		presets:     presets,
		config:      config,
		metrics:     deps.Metrics,
		logger:      logger.Named("media-gateway"),
	}
}

// Initialize creates an upload session
func (g *Gateway) Initialize(ctx context.Context, req types.InitRequest) (*types.InitResult, error) {
	result, err := g.sessions.Initialize(ctx, req)
	if err != nil {
		return nil, err
	}
	g.metrics.SessionStatus(string(types.StatusInitialized))
	return result, nil
}

// Status returns the session with its uploaded chunks refreshed
func (g *Gateway) Status(ctx context.Context, id string) (*types.UploadSession, error) {
	return g.sessions.Status(ctx, id)
}

// Complete claims the session, reassembles the upload and runs the
// pipeline for its media type. Only one concurrent call per session gets
// past the claim. The session temp dir is removed on every path.
func (g *Gateway) Complete(ctx context.Context, id string, req types.CompleteRequest) (*types.CompleteResult, error) {
	if req.Metadata.BeatID == "" {
		return nil, mediaerrors.ValidationError("complete", fmt.Errorf("beat id is required")).WithSession(id)
	}

	// report gaps without consuming the session
	current, err := g.sessions.Status(ctx, id)
	if err != nil {
		return nil, err
	}
	if missing := missingChunks(current); len(missing) > 0 && !current.Status.Terminal() && current.Status != types.StatusProcessing {
		return nil, mediaerrors.IncompleteUploadError("complete", missing).WithSession(id)
	}

	// fail fast while ffprobe is missing, leaving the session retryable
	if current.MediaType == types.MediaTypeAudio && g.prober != nil && !g.prober.IsAvailable(ctx) {
		return nil, mediaerrors.UnavailableError("complete", mediaerrors.ErrProberUnavailable).WithSession(id)
	}

	sess, err := g.sessions.Begin(ctx, id)
	if err != nil {
		return nil, err
	}
	g.metrics.SessionStatus(string(types.StatusProcessing))

	defer func() {
		dir := chunks.SessionDir(g.config.TempDir, id)
		if err := os.RemoveAll(dir); err != nil {
			g.logger.Warn("failed to purge temp dir", "session_id", id, "dir", dir, "error", err)
		}
	}()

	// a dropped client must not kill the encoders of a claimed session
	runCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), g.config.ProcessingTimeout)
	defer cancel()
	result, runErr := g.run(runCtx, sess, req)

	// record the outcome even if the caller went away
	finishCtx := context.WithoutCancel(ctx)
	final, err := g.sessions.Finish(finishCtx, id, runErr)
	if err != nil {
		g.logger.Error("failed to record session outcome", "session_id", id, "error", err)
		if runErr == nil {
			g.unpublish(finishCtx, id, result)
			return nil, err
		}
	}
	if runErr != nil {
		g.metrics.SessionStatus(string(types.StatusFailed))
		return nil, runErr
	}
	g.metrics.SessionStatus(string(types.StatusCompleted))

	// chunks are redundant once renditions exist
	if n, err := g.objects.DeletePrefix(finishCtx, storage.ChunkPrefix(id)); err != nil {
		g.logger.Warn("failed to delete chunks after completion", "session_id", id, "error", err)
	} else {
		g.logger.Debug("deleted chunks", "session_id", id, "count", n)
	}

	result.Status = final.Status
	return result, nil
}

func (g *Gateway) run(ctx context.Context, sess *types.UploadSession, req types.CompleteRequest) (*types.CompleteResult, error) {
	started := time.Now()
	raw, err := g.reassembler.Reassemble(ctx, sess.ID, sess.TotalChunks, filepath.Ext(sess.Filename))
	g.metrics.ObserveStage(string(sess.MediaType), metrics.StageAssembling, started)
	if err != nil {
		return nil, err
	}

	result := &types.CompleteResult{SessionID: sess.ID}

	switch sess.MediaType {
	case types.MediaTypeAudio:
		set, meta, err := g.audio.Process(ctx, pipeline.Job{
			SessionID: sess.ID,
			OwnerID:   sess.OwnerID,
			BeatID:    req.Metadata.BeatID,
			RawFile:   raw,
			Options:   req.Options,
		})
		if err != nil {
			return nil, err
		}
		result.Renditions = set
		result.Metadata = meta
	case types.MediaTypeImage:
		keys, err := g.images.Process(ctx, sess.ID, raw, req.Metadata.BeatID, sess.OwnerID)
		if err != nil {
			return nil, err
		}
		result.Artwork = keys
	default:
		return nil, mediaerrors.InternalError("complete", fmt.Errorf("unknown media type %q", sess.MediaType)).WithSession(sess.ID)
	}

	return result, nil
}

// unpublish deletes the objects of a run whose outcome could not be recorded
func (g *Gateway) unpublish(ctx context.Context, id string, result *types.CompleteResult) {
	keys := result.Renditions.Keys()
	for _, key := range result.Artwork {
		keys = append(keys, key)
	}

	for _, key := range keys {
		if err := g.objects.Delete(ctx, key); err != nil {
			g.logger.Error("orphaned rendition", "session_id", id, "key", key, "error", err)
		}
	}
	g.logger.Warn("rolled back renditions", "session_id", id, "keys", len(keys))
}

func missingChunks(s *types.UploadSession) []int {
	have := make(map[int]bool, len(s.UploadedChunks))
	for _, i := range s.UploadedChunks {
		have[i] = true
	}
	var missing []int
	for i := 0; i < s.TotalChunks; i++ {
		if !have[i] {
			missing = append(missing, i)
		}
	}
	return missing
}

// DownloadURLs is the result of a batch presign
type DownloadURLs struct {
	URLs      map[string]string `json:"urls"`
	Missing   []string          `json:"missing,omitempty"`
	ExpiresAt time.Time         `json:"expiresAt"`
}

// PresignDownloads returns a time-limited GET URL for every existing key
func (g *Gateway) PresignDownloads(ctx context.Context, keys []string) (*DownloadURLs, error) {
	if len(keys) == 0 {
		return nil, mediaerrors.ValidationError("presign_downloads", fmt.Errorf("at least one key is required"))
	}
	if len(keys) > MaxDownloadBatch {
		return nil, mediaerrors.ValidationError("presign_downloads",
			fmt.Errorf("at most %d keys per request", MaxDownloadBatch))
	}

	result := &DownloadURLs{
		URLs:      make(map[string]string, len(keys)),
		ExpiresAt: time.Now().Add(g.config.DownloadURLTTL),
	}
	for _, key := range keys {
		if _, done := result.URLs[key]; done {
			continue
		}
		ok, err := g.objects.Exists(ctx, key)
		if err != nil {
			return nil, err
		}
		if !ok {
			result.Missing = append(result.Missing, key)
			continue
		}
		url, err := g.objects.PresignDownload(ctx, key, g.config.DownloadURLTTL)
		if err != nil {
			return nil, err
		}
		result.URLs[key] = url
	}
	return result, nil
}

// VariantChoice is the variant a client should start playback with
type VariantChoice struct {
	Name        string `json:"name"`
	Bandwidth   int    `json:"bandwidth"`
	Codecs      string `json:"codecs"`
	PlaylistKey string `json:"playlistKey"`
}

// SelectVariant picks the starting HLS variant of a beat for a client's
// measured bandwidth
func (g *Gateway) SelectVariant(beatID string, bandwidthBps int, caps hls.Caps) (*VariantChoice, error) {
	if beatID == "" {
		return nil, mediaerrors.ValidationError("select_variant", fmt.Errorf("beat id is required"))
	}

	presets := g.presets.All()
	variants := make([]hls.Variant, len(presets))
	for i, p := range presets {
		variants[i] = hls.Variant{Name: p.Name, Bandwidth: p.Bandwidth, Codecs: p.CodecString}
	}

	v, ok := hls.GetOptimalQuality(variants, bandwidthBps, caps)
	if !ok {
		return nil, mediaerrors.NotFoundError("select_variant", fmt.Errorf("no variants configured"))
	}
	return &VariantChoice{
		Name:        v.Name,
		Bandwidth:   v.Bandwidth,
		Codecs:      v.Codecs,
		PlaylistKey: storage.VariantPlaylistKey(beatID, v.Name),
	}, nil
}

// PurgeHLS deletes HLS artifacts older than olderThan
func (g *Gateway) PurgeHLS(ctx context.Context, olderThan time.Duration) (cleanup.PurgeResult, error) {
	return g.cleanup.PurgeHLS(ctx, olderThan)
}

// CleanupStats returns the last sweep's counters
func (g *Gateway) CleanupStats() cleanup.Stats {
	return g.cleanup.Stats()
}

// HealthReport describes whether the gateway can accept work
type HealthReport struct {
	Status          string `json:"status"`
	ProberAvailable bool   `json:"proberAvailable"`
	TempDir         string `json:"tempDir"`
	FreeBytes       uint64 `json:"freeBytes"`
	MinFreeBytes    uint64 `json:"minFreeBytes"`
	Error           string `json:"error,omitempty"`
}

// Healthy reports whether every check passed
func (h *HealthReport) Healthy() bool {
	return h.Status == "ok"
}

// Health checks prober availability and temp disk headroom
func (g *Gateway) Health(ctx context.Context) *HealthReport {
	report := &HealthReport{
		Status:       "ok",
		TempDir:      g.config.TempDir,
		MinFreeBytes: g.config.MinFreeDiskBytes,
	}

	if g.prober != nil {
		report.ProberAvailable = g.prober.IsAvailable(ctx)
	}
	if !report.ProberAvailable {
		report.Status = "degraded"
		report.Error = mediaerrors.ErrProberUnavailable.Error()
	}

	if err := os.MkdirAll(g.config.TempDir, 0755); err != nil {
		report.Status = "degraded"
		report.Error = fmt.Sprintf("temp dir unavailable: %v", err)
		return report
	}

	usage, err := disk.UsageWithContext(ctx, g.config.TempDir)
	if err != nil {
		report.Status = "degraded"
		report.Error = fmt.Sprintf("disk usage unavailable: %v", err)
		return report
	}
	report.FreeBytes = usage.Free
	if usage.Free < g.config.MinFreeDiskBytes {
		report.Status = "degraded"
		report.Error = "insufficient temp disk space"
	}

	return report
}
