// Package logger builds the process-wide hclog logger from configuration.
package logger

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/hashicorp/go-hclog"
	"github.com/mantonx/beatdrop/internal/config"
)

// New creates the root logger. A nil output writes to stderr.
func New(cfg config.LoggingConfig, output io.Writer) (hclog.Logger, error) {
	level, err := ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	if output == nil {
		output = os.Stderr
	}

	return hclog.New(&hclog.LoggerOptions{
		Name:            "beatdrop",
		Level:           level,
		Output:          output,
		JSONFormat:      strings.EqualFold(cfg.Format, "json"),
		IncludeLocation: level <= hclog.Debug,
		TimeFormat:      "2006-01-02T15:04:05.000Z07:00",
	}), nil
}

// ParseLevel converts a configured level name into an hclog level
func ParseLevel(name string) (hclog.Level, error) {
	level := hclog.LevelFromString(name)
	if level == hclog.NoLevel {
		return hclog.NoLevel, fmt.Errorf("unknown log level %q", name)
	}
	return level, nil
}

// LevelWatcher returns a config watcher that applies log level changes
func LevelWatcher(logger hclog.Logger) config.ConfigWatcher {
	return func(oldConfig, newConfig *config.Config) {
		if oldConfig.Logging.Level == newConfig.Logging.Level {
			return
		}
		level, err := ParseLevel(newConfig.Logging.Level)
		if err != nil {
			logger.Warn("ignoring log level change", "error", err)
			return
		}
		logger.SetLevel(level)
		logger.Info("log level changed", "from", oldConfig.Logging.Level, "to", newConfig.Logging.Level)
	}
}
