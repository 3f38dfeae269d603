package mediamodule

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/hashicorp/go-hclog"
	"github.com/mantonx/beatdrop/internal/config"
	"github.com/mantonx/beatdrop/internal/database"
	"github.com/mantonx/beatdrop/internal/modules/mediamodule/api"
	"github.com/mantonx/beatdrop/internal/modules/mediamodule/core/chunks"
	"github.com/mantonx/beatdrop/internal/modules/mediamodule/core/cleanup"
	"github.com/mantonx/beatdrop/internal/modules/mediamodule/core/ffmpeg"
	"github.com/mantonx/beatdrop/internal/modules/mediamodule/core/metrics"
	"github.com/mantonx/beatdrop/internal/modules/mediamodule/core/pipeline"
	"github.com/mantonx/beatdrop/internal/modules/mediamodule/core/quality"
	"github.com/mantonx/beatdrop/internal/modules/mediamodule/core/session"
	"github.com/mantonx/beatdrop/internal/modules/mediamodule/core/storage"
	"github.com/mantonx/beatdrop/internal/modules/mediamodule/service"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
)

const (
	// ModuleID is the unique identifier for the media module
	ModuleID = "beatdrop.media"

	// ModuleName is the display name for the media module
	ModuleName = "Media Ingest"

	// ModuleVersion is the version of the media module
	ModuleVersion = "1.0.0"
)

// Options carries process-level resources the module does not own
type Options struct {
	// DB backs the database session store
	DB *gorm.DB
	// Redis backs the redis session store
	Redis *redis.Client
	// Registry receives the module's metrics; nil disables them
	Registry *prometheus.Registry
	// Runner executes ffmpeg and ffprobe; nil uses os/exec
	Runner ffmpeg.CommandRunner
	// Objects replaces the configured object store when set
	Objects storage.ObjectStore
}

// Module wires the upload, pipeline and cleanup components together
type Module struct {
	cfg    *config.Config
	opts   Options
	logger hclog.Logger

	metrics   *metrics.Metrics
	sessions  session.Store
	objects   storage.ObjectStore
	local     *storage.LocalStore
	scheduler *cleanup.Scheduler
	gateway   *service.Gateway

	cancel context.CancelFunc
	done   chan struct{}
}

// New creates an uninitialized media module
func New(cfg *config.Config, opts Options, logger hclog.Logger) *Module {
	return &Module{
		cfg:    cfg,
		opts:   opts,
		logger: logger.Named("media-module"),
	}
}

// ID returns the unique module identifier
func (m *Module) ID() string {
	return ModuleID
}

// Name returns the module display name
func (m *Module) Name() string {
	return ModuleName
}

// Migrate performs database migrations
func (m *Module) Migrate(db *gorm.DB) error {
	m.logger.Info("migrating media database schema")

	if err := db.AutoMigrate(&database.UploadSessionRecord{}); err != nil {
		return fmt.Errorf("failed to migrate media models: %w", err)
	}
	return nil
}

// Init builds every component from the configuration
func (m *Module) Init(ctx context.Context) error {
	m.logger.Info("initializing media module",
		"session_store", m.cfg.Sessions.Store,
		"storage_backend", m.cfg.Storage.Backend)

	if m.opts.Registry != nil && m.cfg.Server.EnableMetrics {
		m.metrics = metrics.New(m.opts.Registry)
	}

	var err error
	if m.sessions, err = m.newSessionStore(); err != nil {
		return err
	}
	if m.objects, err = m.newObjectStore(ctx); err != nil {
		return err
	}

	presets, err := m.presetTable()
	if err != nil {
		return err
	}

	tempDir := m.cfg.Pipeline.TempDir
	ffmpegCfg := ffmpeg.Config{
		FFmpegPath:  m.cfg.FFmpeg.FFmpegPath,
		FFprobePath: m.cfg.FFmpeg.FFprobePath,
		Timeout:     m.cfg.FFmpeg.Timeout,
	}
	prober := ffmpeg.NewProber(ffmpegCfg, m.opts.Runner, m.logger)
	encoder := ffmpeg.NewEncoder(ffmpegCfg, m.opts.Runner, m.logger)

	preview := ffmpeg.DefaultPreviewSpec()
	preview.DurationSeconds = m.cfg.Pipeline.PreviewDuration
	preview.Bitrate = m.cfg.Pipeline.PreviewBitrate

	var tags pipeline.TagReader
	if m.cfg.Pipeline.ReadTags {
		tags = pipeline.FileTagReader{}
	}

	var imageEncoder pipeline.ImageEncoder = encoder
	if m.cfg.Pipeline.ImageEncoder == "native" {
		imageEncoder = pipeline.NativeImageEncoder{}
	}

	audio := pipeline.NewAudioPipeline(prober, encoder, m.objects, presets, tags, pipeline.AudioConfig{
		TempDir:         tempDir,
		Preview:         preview,
		SegmentDuration: m.cfg.HLS.SegmentDuration,
		MaxConcurrent:   m.cfg.Pipeline.MaxConcurrentEncodes,
	}, m.metrics, m.logger)

	images := pipeline.NewImagePipeline(imageEncoder, m.objects, pipeline.ImageConfig{
		TempDir:     tempDir,
		WebPQuality: m.cfg.Pipeline.WebPQuality,
	}, m.metrics, m.logger)

	cleanupCfg := cleanup.DefaultConfig()
	cleanupCfg.Interval = m.cfg.Cleanup.Interval
	cleanupCfg.TempDir = tempDir
	cleanupCfg.RetentionWindow = m.cfg.HLS.RetentionWindow
	cleanupCfg.CompletedRetention = m.cfg.Cleanup.CompletedRetention
	m.scheduler = cleanup.NewScheduler(m.sessions, m.objects, cleanupCfg, m.metrics, m.logger)

	manager := session.NewManager(m.sessions, m.objects, session.Config{
		SessionTTL:        m.cfg.Sessions.TTL,
		UploadURLTTL:      m.cfg.Sessions.UploadURLTTL,
		DefaultChunkSize:  m.cfg.Uploads.DefaultChunkSize,
		MinChunkSize:      m.cfg.Uploads.MinChunkSize,
		MaxAudioSize:      m.cfg.Uploads.MaxAudioSize,
		MaxImageSize:      m.cfg.Uploads.MaxImageSize,
		AllowedAudioTypes: m.cfg.Uploads.AllowedAudioTypes,
		AllowedImageTypes: m.cfg.Uploads.AllowedImageTypes,
	}, m.logger)

	m.gateway = service.NewGateway(service.GatewayDeps{
		Sessions:    manager,
		Reassembler: chunks.NewReassembler(m.objects, tempDir, m.logger),
		Audio:       audio,
		Images:      images,
		Cleanup:     m.scheduler,
		Objects:     m.objects,
		Prober:      prober,
		Presets:     presets,
		Metrics:     m.metrics,
	}, service.GatewayConfig{
		TempDir:           tempDir,
		DownloadURLTTL:    m.cfg.Storage.DownloadURLTTL,
		MinFreeDiskBytes:  m.cfg.Pipeline.MinFreeDiskBytes,
		ProcessingTimeout: m.cfg.Pipeline.ProcessingTimeout,
	}, m.logger)

	if !prober.IsAvailable(ctx) {
		m.logger.Warn("ffprobe is not available, audio uploads will fail", "path", ffmpegCfg.FFprobePath)
	}

	m.logger.Info("media module initialized", "presets", len(presets.All()), "temp_dir", tempDir)
	return nil
}

func (m *Module) newSessionStore() (session.Store, error) {
	switch m.cfg.Sessions.Store {
	case "memory":
		return session.NewMemoryStore(), nil
	case "database":
		if m.opts.DB == nil {
			return nil, fmt.Errorf("database session store requires a database connection")
		}
		return session.NewGormStore(m.opts.DB, m.logger), nil
	case "redis":
		if m.opts.Redis == nil {
			return nil, fmt.Errorf("redis session store requires a redis client")
		}
		return session.NewRedisStore(m.opts.Redis, m.cfg.Redis.KeyPrefix, m.logger), nil
	default:
		return nil, fmt.Errorf("unsupported session store: %s", m.cfg.Sessions.Store)
	}
}

func (m *Module) newObjectStore(ctx context.Context) (storage.ObjectStore, error) {
	if m.opts.Objects != nil {
		return m.opts.Objects, nil
	}

	var inner storage.ObjectStore
	switch m.cfg.Storage.Backend {
	case "s3":
		s3cfg := m.cfg.Storage.S3
		if s3cfg.Bucket == "" {
			return nil, fmt.Errorf("s3 storage requires a bucket")
		}
		client, err := storage.NewS3Client(ctx, storage.S3Config{
			Bucket:          s3cfg.Bucket,
			Region:          s3cfg.Region,
			Endpoint:        s3cfg.Endpoint,
			AccessKeyID:     s3cfg.AccessKeyID,
			SecretAccessKey: s3cfg.SecretAccessKey,
			UsePathStyle:    s3cfg.UsePathStyle,
		})
		if err != nil {
			return nil, err
		}
		inner = storage.NewS3Store(client, s3cfg.Bucket, m.logger)
	case "local":
		local, err := storage.NewLocalStore(storage.LocalConfig{
			RootDir: m.cfg.Storage.Local.RootDir,
			BaseURL: strings.TrimRight(m.cfg.Server.PublicURL, "/") + api.BasePath + "/objects",
			Secret:  m.cfg.Storage.Local.Secret,
		}, m.logger)
		if err != nil {
			return nil, fmt.Errorf("failed to open local storage: %w", err)
		}
		m.local = local
		inner = local
	default:
		return nil, fmt.Errorf("unsupported storage backend: %s", m.cfg.Storage.Backend)
	}

	retry := m.cfg.Storage.Retry
	return storage.NewRetryingStore(inner, storage.RetryConfig{
		MaxAttempts:     retry.MaxAttempts,
		InitialInterval: retry.InitialInterval,
		MaxInterval:     retry.MaxInterval,
	}, m.logger), nil
}

func (m *Module) presetTable() (*quality.Table, error) {
	defaults := quality.DefaultTable()
	selected, err := defaults.Select(m.cfg.Pipeline.Qualities)
	if err != nil {
		return nil, fmt.Errorf("invalid pipeline qualities: %w", err)
	}
	return quality.NewTable(selected), nil
}

// Gateway returns the service layer, valid after Init
func (m *Module) Gateway() *service.Gateway {
	return m.gateway
}

// RegisterRoutes registers HTTP routes
func (m *Module) RegisterRoutes(router *gin.Engine) {
	m.logger.Info("registering media module routes")

	var objects *api.ObjectHandler
	if m.local != nil {
		maxBody := m.cfg.Uploads.MaxAudioSize
		if m.cfg.Uploads.MaxImageSize > maxBody {
			maxBody = m.cfg.Uploads.MaxImageSize
		}
		objects = api.NewObjectHandler(m.local, maxBody, m.logger)
	}

	api.RegisterRoutes(router, api.NewHandler(m.gateway, m.logger), objects, promhttpHandler(m.opts.Registry, m.metrics != nil))
}

// Start launches background work until Shutdown or ctx is done
func (m *Module) Start(ctx context.Context) {
	if !m.cfg.Cleanup.Enabled {
		m.logger.Info("cleanup scheduler disabled")
		return
	}

	ctx, m.cancel = context.WithCancel(ctx)
	m.done = make(chan struct{})
	go func() {
		defer close(m.done)
		m.scheduler.Run(ctx)
	}()
}

// Shutdown gracefully shuts down the module
func (m *Module) Shutdown(ctx context.Context) error {
	m.logger.Info("shutting down media module")

	if m.cancel == nil {
		return nil
	}
	m.cancel()

	select {
	case <-m.done:
	case <-ctx.Done():
		return fmt.Errorf("cleanup scheduler did not stop: %w", ctx.Err())
	}

	m.logger.Info("media module shut down successfully")
	return nil
}

func promhttpHandler(reg *prometheus.Registry, enabled bool) http.Handler {
	if reg == nil || !enabled {
		return nil
	}
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{Timeout: 10 * time.Second})
}
