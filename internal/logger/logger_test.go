package logger

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/hashicorp/go-hclog"
	"github.com/mantonx/beatdrop/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewJSON(t *testing.T) {
	var buf bytes.Buffer
	log, err := New(config.LoggingConfig{Level: "info", Format: "json"}, &buf)
	require.NoError(t, err)

	log.Named("session-manager").Info("session completed", "session_id", "s-1")
	log.Debug("dropped")

	var line map[string]interface{}
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &line), buf.String())
	assert.Equal(t, "beatdrop.session-manager", line["@module"])
	assert.Equal(t, "session completed", line["@message"])
	assert.Equal(t, "s-1", line["session_id"])
}

func TestParseLevel(t *testing.T) {
	level, err := ParseLevel("warn")
	require.NoError(t, err)
	assert.Equal(t, hclog.Warn, level)

	_, err = ParseLevel("loud")
	assert.Error(t, err)

	_, err = New(config.LoggingConfig{Level: "loud"}, nil)
	assert.Error(t, err)
}

func TestLevelWatcher(t *testing.T) {
	var buf bytes.Buffer
	log, err := New(config.LoggingConfig{Level: "info", Format: "text"}, &buf)
	require.NoError(t, err)

	oldCfg := config.DefaultConfig()
	newCfg := config.DefaultConfig()
	newCfg.Logging.Level = "error"

	LevelWatcher(log)(oldCfg, newCfg)
	assert.Equal(t, hclog.Error, log.GetLevel())

	buf.Reset()
	log.Warn("suppressed")
	assert.Empty(t, buf.String())
}
