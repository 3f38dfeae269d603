package config

import (
	"time"
)

// Config holds the complete application configuration
type Config struct {
	// Server configuration
	Server ServerConfig `yaml:"server" json:"server"`

	// Database configuration for the session table
	Database DatabaseConfig `yaml:"database" json:"database"`

	// Redis configuration for the distributed session store
	Redis RedisConfig `yaml:"redis" json:"redis"`

	// Upload session configuration
	Sessions SessionConfig `yaml:"sessions" json:"sessions"`

	// Object storage configuration
	Storage StorageConfig `yaml:"storage" json:"storage"`

	// Upload limits and allow-lists
	Uploads UploadConfig `yaml:"uploads" json:"uploads"`

	// External encoder configuration
	FFmpeg FFmpegConfig `yaml:"ffmpeg" json:"ffmpeg"`

	// Rendition pipeline configuration
	Pipeline PipelineConfig `yaml:"pipeline" json:"pipeline"`

	// HLS configuration
	HLS HLSConfig `yaml:"hls" json:"hls"`

	// Cleanup scheduler configuration
	Cleanup CleanupConfig `yaml:"cleanup" json:"cleanup"`

	// Logging configuration
	Logging LoggingConfig `yaml:"logging" json:"logging"`
}

// ServerConfig holds server-related configuration
type ServerConfig struct {
	Host            string        `yaml:"host" json:"host" env:"BEATDROP_HOST" default:"0.0.0.0"`
	Port            int           `yaml:"port" json:"port" env:"BEATDROP_PORT" default:"8080" validate:"min=1,max=65535"`
	PublicURL       string        `yaml:"public_url" json:"public_url" env:"BEATDROP_PUBLIC_URL"`
	ReadTimeout     time.Duration `yaml:"read_timeout" json:"read_timeout" env:"BEATDROP_READ_TIMEOUT" default:"30s"`
	WriteTimeout    time.Duration `yaml:"write_timeout" json:"write_timeout" env:"BEATDROP_WRITE_TIMEOUT" default:"50m"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" json:"shutdown_timeout" env:"BEATDROP_SHUTDOWN_TIMEOUT" default:"30s"`
	EnableMetrics   bool          `yaml:"enable_metrics" json:"enable_metrics" env:"BEATDROP_ENABLE_METRICS" default:"true"`
}

// DatabaseConfig holds the gorm connection settings
type DatabaseConfig struct {
	Type            string        `yaml:"type" json:"type" env:"DATABASE_TYPE" default:"sqlite" validate:"oneof=sqlite postgres"`
	URL             string        `yaml:"url" json:"url" env:"DATABASE_URL"`
	Host            string        `yaml:"host" json:"host" env:"POSTGRES_HOST" default:"localhost"`
	Port            int           `yaml:"port" json:"port" env:"POSTGRES_PORT" default:"5432"`
	Username        string        `yaml:"username" json:"username" env:"POSTGRES_USER" default:"beatdrop"`
	Password        string        `yaml:"password" json:"password" env:"POSTGRES_PASSWORD"`
	Database        string        `yaml:"database" json:"database" env:"POSTGRES_DB" default:"beatdrop"`
	DataDir         string        `yaml:"data_dir" json:"data_dir" env:"BEATDROP_DATA_DIR" default:"/var/lib/beatdrop"`
	DatabasePath    string        `yaml:"database_path" json:"database_path" env:"BEATDROP_DATABASE_PATH"`
	MaxOpenConns    int           `yaml:"max_open_conns" json:"max_open_conns" env:"DB_MAX_OPEN_CONNS" default:"25"`
	MaxIdleConns    int           `yaml:"max_idle_conns" json:"max_idle_conns" env:"DB_MAX_IDLE_CONNS" default:"5"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" json:"conn_max_lifetime" env:"DB_CONN_MAX_LIFETIME" default:"1h"`
	LogQueries      bool          `yaml:"log_queries" json:"log_queries" env:"DB_LOG_QUERIES" default:"false"`
}

// RedisConfig holds redis connection settings
type RedisConfig struct {
	Addr      string `yaml:"addr" json:"addr" env:"REDIS_ADDR" default:"localhost:6379"`
	Password  string `yaml:"password" json:"password" env:"REDIS_PASSWORD"`
	DB        int    `yaml:"db" json:"db" env:"REDIS_DB" default:"0"`
	KeyPrefix string `yaml:"key_prefix" json:"key_prefix" env:"REDIS_KEY_PREFIX" default:"beatdrop:"`
}

// SessionConfig selects the session store and its lifetimes
type SessionConfig struct {
	Store        string        `yaml:"store" json:"store" env:"BEATDROP_SESSION_STORE" default:"database" validate:"oneof=memory database redis"`
	TTL          time.Duration `yaml:"ttl" json:"ttl" env:"BEATDROP_SESSION_TTL" default:"24h" validate:"gt=0"`
	UploadURLTTL time.Duration `yaml:"upload_url_ttl" json:"upload_url_ttl" env:"BEATDROP_UPLOAD_URL_TTL" default:"1h" validate:"gt=0"`
}

// StorageConfig selects and configures the object store
type StorageConfig struct {
	Backend        string        `yaml:"backend" json:"backend" env:"BEATDROP_STORAGE_BACKEND" default:"local" validate:"oneof=s3 local"`
	DownloadURLTTL time.Duration `yaml:"download_url_ttl" json:"download_url_ttl" env:"BEATDROP_DOWNLOAD_URL_TTL" default:"1h" validate:"gt=0"`

	S3    S3Config    `yaml:"s3" json:"s3"`
	Local LocalConfig `yaml:"local" json:"local"`
	Retry RetryConfig `yaml:"retry" json:"retry"`
}

// S3Config holds S3 bucket settings
type S3Config struct {
	Bucket          string `yaml:"bucket" json:"bucket" env:"S3_BUCKET"`
	Region          string `yaml:"region" json:"region" env:"AWS_REGION" default:"us-east-1"`
	Endpoint        string `yaml:"endpoint" json:"endpoint" env:"S3_ENDPOINT"`
	AccessKeyID     string `yaml:"access_key_id" json:"access_key_id" env:"AWS_ACCESS_KEY_ID"`
	SecretAccessKey string `yaml:"secret_access_key" json:"secret_access_key" env:"AWS_SECRET_ACCESS_KEY"`
	UsePathStyle    bool   `yaml:"use_path_style" json:"use_path_style" env:"S3_USE_PATH_STYLE" default:"false"`
}

// LocalConfig holds filesystem store settings
type LocalConfig struct {
	RootDir string `yaml:"root_dir" json:"root_dir" env:"BEATDROP_STORAGE_DIR"`
	Secret  string `yaml:"secret" json:"secret" env:"BEATDROP_STORAGE_SECRET"`
}

// RetryConfig bounds storage retries
type RetryConfig struct {
	MaxAttempts     int           `yaml:"max_attempts" json:"max_attempts" env:"BEATDROP_STORAGE_RETRY_ATTEMPTS" default:"3" validate:"min=1,max=10"`
	InitialInterval time.Duration `yaml:"initial_interval" json:"initial_interval" env:"BEATDROP_STORAGE_RETRY_INTERVAL" default:"200ms"`
	MaxInterval     time.Duration `yaml:"max_interval" json:"max_interval" env:"BEATDROP_STORAGE_RETRY_MAX_INTERVAL" default:"2s"`
}

// UploadConfig holds per media type limits
type UploadConfig struct {
	MaxAudioSize      int64    `yaml:"max_audio_size" json:"max_audio_size" env:"BEATDROP_MAX_AUDIO_SIZE" default:"524288000" validate:"gt=0"`
	MaxImageSize      int64    `yaml:"max_image_size" json:"max_image_size" env:"BEATDROP_MAX_IMAGE_SIZE" default:"20971520" validate:"gt=0"`
	AllowedAudioTypes []string `yaml:"allowed_audio_types" json:"allowed_audio_types" env:"BEATDROP_ALLOWED_AUDIO_TYPES" validate:"min=1"`
	AllowedImageTypes []string `yaml:"allowed_image_types" json:"allowed_image_types" env:"BEATDROP_ALLOWED_IMAGE_TYPES" validate:"min=1"`
	DefaultChunkSize  int64    `yaml:"default_chunk_size" json:"default_chunk_size" env:"BEATDROP_CHUNK_SIZE" default:"5242880" validate:"gt=0"`
	MinChunkSize      int64    `yaml:"min_chunk_size" json:"min_chunk_size" env:"BEATDROP_MIN_CHUNK_SIZE" default:"1048576" validate:"gt=0"`
}

// FFmpegConfig holds external process settings
type FFmpegConfig struct {
	FFmpegPath  string        `yaml:"ffmpeg_path" json:"ffmpeg_path" env:"FFMPEG_PATH" default:"ffmpeg"`
	FFprobePath string        `yaml:"ffprobe_path" json:"ffprobe_path" env:"FFPROBE_PATH" default:"ffprobe"`
	Timeout     time.Duration `yaml:"timeout" json:"timeout" env:"BEATDROP_PROCESS_TIMEOUT" default:"10m" validate:"gt=0"`
}

// PipelineConfig holds rendition settings
type PipelineConfig struct {
	TempDir              string   `yaml:"temp_dir" json:"temp_dir" env:"BEATDROP_TEMP_DIR"`
	PreviewDuration      int      `yaml:"preview_duration" json:"preview_duration" env:"BEATDROP_PREVIEW_DURATION" default:"30" validate:"gt=0"`
	PreviewBitrate       int      `yaml:"preview_bitrate" json:"preview_bitrate" env:"BEATDROP_PREVIEW_BITRATE" default:"96000" validate:"gt=0"`
	Qualities            []string `yaml:"qualities" json:"qualities" env:"BEATDROP_QUALITIES"`
	ImageEncoder         string   `yaml:"image_encoder" json:"image_encoder" env:"BEATDROP_IMAGE_ENCODER" default:"ffmpeg" validate:"oneof=ffmpeg native"`
	WebPQuality          int      `yaml:"webp_quality" json:"webp_quality" env:"BEATDROP_WEBP_QUALITY" default:"85" validate:"min=1,max=100"`
	MaxConcurrentEncodes int      `yaml:"max_concurrent_encodes" json:"max_concurrent_encodes" env:"BEATDROP_MAX_CONCURRENT_ENCODES" default:"0"`
	ReadTags             bool     `yaml:"read_tags" json:"read_tags" env:"BEATDROP_READ_TAGS" default:"true"`
	MinFreeDiskBytes     uint64   `yaml:"min_free_disk_bytes" json:"min_free_disk_bytes" env:"BEATDROP_MIN_FREE_DISK" default:"1073741824"`

	// ProcessingTimeout bounds one complete run independently of the request
	ProcessingTimeout time.Duration `yaml:"processing_timeout" json:"processing_timeout" env:"BEATDROP_PROCESSING_TIMEOUT" default:"45m" validate:"gt=0"`
}

// HLSConfig holds manifest settings
type HLSConfig struct {
	SegmentDuration int           `yaml:"segment_duration" json:"segment_duration" env:"BEATDROP_HLS_SEGMENT_DURATION" default:"10" validate:"min=6,max=15"`
	RetentionWindow time.Duration `yaml:"retention_window" json:"retention_window" env:"BEATDROP_HLS_RETENTION" default:"720h" validate:"gt=0"`
}

// CleanupConfig holds sweep settings
type CleanupConfig struct {
	Enabled            bool          `yaml:"enabled" json:"enabled" env:"BEATDROP_CLEANUP_ENABLED" default:"true"`
	Interval           time.Duration `yaml:"interval" json:"interval" env:"BEATDROP_CLEANUP_INTERVAL" default:"15m" validate:"gt=0"`
	CompletedRetention time.Duration `yaml:"completed_retention" json:"completed_retention" env:"BEATDROP_COMPLETED_RETENTION" default:"168h" validate:"gte=0"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" json:"level" env:"BEATDROP_LOG_LEVEL" default:"info" validate:"oneof=trace debug info warn error"`
	Format string `yaml:"format" json:"format" env:"BEATDROP_LOG_FORMAT" default:"json" validate:"oneof=json text"`
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    50 * time.Minute,
			ShutdownTimeout: 30 * time.Second,
			EnableMetrics:   true,
		},
		Database: DatabaseConfig{
			Type:            "sqlite",
			Host:            "localhost",
			Port:            5432,
			Username:        "beatdrop",
			Database:        "beatdrop",
			DataDir:         "/var/lib/beatdrop",
			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifetime: time.Hour,
		},
		Redis: RedisConfig{
			Addr:      "localhost:6379",
			KeyPrefix: "beatdrop:",
		},
		Sessions: SessionConfig{
			Store:        "database",
			TTL:          24 * time.Hour,
			UploadURLTTL: time.Hour,
		},
		Storage: StorageConfig{
			Backend:        "local",
			DownloadURLTTL: time.Hour,
			S3: S3Config{
				Region: "us-east-1",
			},
			Retry: RetryConfig{
				MaxAttempts:     3,
				InitialInterval: 200 * time.Millisecond,
				MaxInterval:     2 * time.Second,
			},
		},
		Uploads: UploadConfig{
			MaxAudioSize: 500 * 1024 * 1024,
			MaxImageSize: 20 * 1024 * 1024,
			AllowedAudioTypes: []string{
				"audio/mpeg", "audio/mp3", "audio/wav", "audio/x-wav", "audio/wave",
				"audio/flac", "audio/x-flac", "audio/aiff", "audio/x-aiff", "audio/mp4", "audio/x-m4a",
			},
			AllowedImageTypes: []string{"image/jpeg", "image/png", "image/webp"},
			DefaultChunkSize:  5 * 1024 * 1024,
			MinChunkSize:      1024 * 1024,
		},
		FFmpeg: FFmpegConfig{
			FFmpegPath:  "ffmpeg",
			FFprobePath: "ffprobe",
			Timeout:     10 * time.Minute,
		},
		Pipeline: PipelineConfig{
			PreviewDuration:   30,
			PreviewBitrate:    96000,
			ImageEncoder:      "ffmpeg",
			WebPQuality:       85,
			ReadTags:          true,
			MinFreeDiskBytes:  1 << 30,
			ProcessingTimeout: 45 * time.Minute,
		},
		HLS: HLSConfig{
			SegmentDuration: 10,
			RetentionWindow: 30 * 24 * time.Hour,
		},
		Cleanup: CleanupConfig{
			Enabled:            true,
			Interval:           15 * time.Minute,
			CompletedRetention: 7 * 24 * time.Hour,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}
