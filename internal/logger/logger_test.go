package logger

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_JSONDefault(t *testing.T) {
	var buf bytes.Buffer
	logger, err := New(&buf, "", "")
	require.NoError(t, err)

	logger.Debug("hidden")
	logger.Info("order settled", "order", "ord_1")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 1)

	var entry map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &entry))
	assert.Equal(t, "order settled", entry["msg"])
	assert.Equal(t, "ord_1", entry["order"])
}

func TestNew_TextDebug(t *testing.T) {
	var buf bytes.Buffer
	logger, err := New(&buf, "TEXT", "debug")
	require.NoError(t, err)

	logger.Debug("status poll", "loop", "bridge")
	assert.Contains(t, buf.String(), "loop=bridge")
}

func TestNew_Invalid(t *testing.T) {
	_, err := New(&bytes.Buffer{}, "yaml", "INFO")
	assert.ErrorContains(t, err, "invalid LOG_FORMAT")

	_, err = New(&bytes.Buffer{}, "json", "TRACE")
	assert.ErrorContains(t, err, "invalid LOG_LEVEL")
}
