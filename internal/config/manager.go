package config

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"
	"gopkg.in/yaml.v3"
)

// ConfigWatcher is called after every successful reload
type ConfigWatcher func(oldConfig, newConfig *Config)

// Manager loads, validates and hot reloads configuration
type Manager struct {
	mu         sync.RWMutex
	config     *Config
	configPath string
	watchers   []ConfigWatcher
	validate   *validator.Validate
	logger     hclog.Logger
}

// NewManager creates a manager holding the default configuration
func NewManager(logger hclog.Logger) *Manager {
	return &Manager{
		config:   DefaultConfig(),
		validate: validator.New(),
		logger:   logger.Named("config"),
	}
}

var (
	globalManager *Manager
	globalOnce    sync.Once
)

// GetConfigManager returns the process-wide manager
func GetConfigManager() *Manager {
	globalOnce.Do(func() {
		globalManager = NewManager(hclog.Default())
	})
	return globalManager
}

// LoadConfig loads configuration from file and environment variables
func (cm *Manager) LoadConfig(configPath string) error {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	oldConfig := *cm.config
	cm.configPath = configPath

	// Start with default configuration
	newConfig := DefaultConfig()

	if configPath != "" && fileExists(configPath) {
		if err := loadFromFile(configPath, newConfig); err != nil {
			return fmt.Errorf("failed to load config from file: %w", err)
		}
		cm.logger.Info("configuration loaded from file", "path", configPath)
	}

	// Override with environment variables
	if err := loadStructFromEnv(reflect.ValueOf(newConfig).Elem()); err != nil {
		return fmt.Errorf("failed to load config from environment: %w", err)
	}

	applyDerivedConfig(newConfig)

	if err := cm.validateConfig(newConfig); err != nil {
		return fmt.Errorf("configuration validation failed: %w", err)
	}

	cm.config = newConfig

	for _, watcher := range cm.watchers {
		go watcher(&oldConfig, newConfig)
	}

	return nil
}

// GetConfig returns a copy of the current configuration
func (cm *Manager) GetConfig() *Config {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	configCopy := *cm.config
	return &configCopy
}

// AddWatcher adds a configuration change watcher
func (cm *Manager) AddWatcher(watcher ConfigWatcher) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.watchers = append(cm.watchers, watcher)
}

// Watch reloads the configuration whenever the config file changes, until
// ctx is cancelled. Reload failures keep the previous configuration.
func (cm *Manager) Watch(ctx context.Context) error {
	cm.mu.RLock()
	path := cm.configPath
	cm.mu.RUnlock()

	if path == "" {
		return fmt.Errorf("no config path set")
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create config watcher: %w", err)
	}
	defer watcher.Close()

	// editors replace files on save, so watch the directory
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		return fmt.Errorf("failed to watch config directory: %w", err)
	}

	target := filepath.Clean(path)
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if err := cm.LoadConfig(path); err != nil {
				cm.logger.Error("config reload failed, keeping previous configuration", "error", err)
				continue
			}
			cm.logger.Info("configuration reloaded", "path", path)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			cm.logger.Warn("config watcher error", "error", err)
		}
	}
}

// Helper methods

func loadFromFile(path string, config *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".yaml", ".yml":
		return yaml.Unmarshal(data, config)
	case ".json":
		return json.Unmarshal(data, config)
	default:
		return fmt.Errorf("unsupported config file format: %s", ext)
	}
}

func loadStructFromEnv(v reflect.Value) error {
	t := v.Type()

	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		fieldType := t.Field(i)

		if !field.CanSet() {
			continue
		}

		// Handle nested structs recursively
		if field.Kind() == reflect.Struct {
			if err := loadStructFromEnv(field); err != nil {
				return err
			}
			continue
		}

		envTag := fieldType.Tag.Get("env")
		if envTag == "" {
			continue
		}

		// bools keep their file or DefaultConfig value
		envValue := os.Getenv(envTag)
		if envValue == "" && field.IsZero() && field.Kind() != reflect.Bool {
			envValue = fieldType.Tag.Get("default")
		}
		if envValue == "" {
			continue
		}

		if err := setFieldValue(field, envValue); err != nil {
			return fmt.Errorf("failed to set field %s: %w", fieldType.Name, err)
		}
	}

	return nil
}

func setFieldValue(field reflect.Value, value string) error {
	switch field.Kind() {
	case reflect.String:
		field.SetString(value)
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		if field.Type() == reflect.TypeOf(time.Duration(0)) {
			duration, err := time.ParseDuration(value)
			if err != nil {
				return err
			}
			field.SetInt(int64(duration))
		} else {
			intVal, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return err
			}
			field.SetInt(intVal)
		}
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		uintVal, err := strconv.ParseUint(value, 10, 64)
		if err != nil {
			return err
		}
		field.SetUint(uintVal)
	case reflect.Float32, reflect.Float64:
		floatVal, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return err
		}
		field.SetFloat(floatVal)
	case reflect.Bool:
		boolVal, err := strconv.ParseBool(value)
		if err != nil {
			return err
		}
		field.SetBool(boolVal)
	case reflect.Slice:
		if field.Type().Elem().Kind() != reflect.String {
			return fmt.Errorf("unsupported slice type: %v", field.Type())
		}
		values := strings.Split(value, ",")
		for i, v := range values {
			values[i] = strings.TrimSpace(v)
		}
		field.Set(reflect.ValueOf(values))
	default:
		return fmt.Errorf("unsupported field type: %v", field.Kind())
	}

	return nil
}

func (cm *Manager) validateConfig(config *Config) error {
	if err := cm.validate.Struct(config); err != nil {
		return err
	}

	if config.Storage.Backend == "s3" && config.Storage.S3.Bucket == "" {
		return fmt.Errorf("storage.s3.bucket is required when storage backend is s3")
	}
	if config.Uploads.DefaultChunkSize < config.Uploads.MinChunkSize {
		return fmt.Errorf("uploads.default_chunk_size must be at least uploads.min_chunk_size")
	}
	// complete responds only after processing, so the write deadline must outlast it
	if config.Server.WriteTimeout > 0 && config.Server.WriteTimeout <= config.Pipeline.ProcessingTimeout {
		return fmt.Errorf("server.write_timeout must exceed pipeline.processing_timeout")
	}

	return nil
}

func applyDerivedConfig(config *Config) {
	if config.Database.DatabasePath == "" && config.Database.Type == "sqlite" {
		config.Database.DatabasePath = filepath.Join(config.Database.DataDir, "beatdrop.db")
	}

	if config.Storage.Local.RootDir == "" {
		config.Storage.Local.RootDir = filepath.Join(config.Database.DataDir, "objects")
	}

	// signed URLs stop verifying across restarts without a configured secret
	if config.Storage.Local.Secret == "" {
		config.Storage.Local.Secret = uuid.New().String()
	}

	if config.Pipeline.TempDir == "" {
		config.Pipeline.TempDir = filepath.Join(os.TempDir(), "beatdrop")
	}

	if config.Server.PublicURL == "" {
		host := config.Server.Host
		if host == "0.0.0.0" || host == "" {
			host = "localhost"
		}
		config.Server.PublicURL = fmt.Sprintf("http://%s:%d", host, config.Server.Port)
	}
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// Global convenience functions

// Get returns the current global configuration
func Get() *Config {
	return GetConfigManager().GetConfig()
}

// Load loads configuration from the specified path
func Load(configPath string) error {
	return GetConfigManager().LoadConfig(configPath)
}

// AddWatcher adds a global configuration watcher
func AddWatcher(watcher ConfigWatcher) {
	GetConfigManager().AddWatcher(watcher)
}
