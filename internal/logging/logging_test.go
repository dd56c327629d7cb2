package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigure_JSON(t *testing.T) {
	logger := log.New()
	var buf bytes.Buffer

	require.NoError(t, Configure(logger, &buf, "debug", "json"))
	logger.WithField("task_id", "abc").Debug("checking")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "abc", entry["task_id"])
	assert.Equal(t, "checking", entry["msg"])
	assert.Equal(t, "debug", entry["level"])
}

func TestConfigure_LevelFilters(t *testing.T) {
	logger := log.New()
	var buf bytes.Buffer

	require.NoError(t, Configure(logger, &buf, "warn", "text"))
	logger.Info("hidden")
	assert.Empty(t, buf.String())

	logger.Warn("shown")
	assert.Contains(t, buf.String(), "shown")
}

func TestConfigure_Invalid(t *testing.T) {
	logger := log.New()

	assert.Error(t, Configure(logger, &bytes.Buffer{}, "loud", "text"))
	assert.Error(t, Configure(logger, &bytes.Buffer{}, "info", "xml"))
}
