package core

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func logLines(buf *bytes.Buffer) []map[string]interface{} {
	var lines []map[string]interface{}
	for _, raw := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if raw == "" {
			continue
		}
		var entry map[string]interface{}
		if json.Unmarshal([]byte(raw), &entry) == nil {
			lines = append(lines, entry)
		}
	}
	return lines
}

func TestProductionLoggerEmitsJSONLines(t *testing.T) {
	var buf bytes.Buffer
	logger := NewProductionLoggerWithWriter(&buf, LogInfo)

	logger.Info("Instance registered", map[string]interface{}{
		"agent": "publisher",
		"port":  8080,
	})

	lines := logLines(&buf)
	require.Len(t, lines, 1)
	assert.Equal(t, "info", lines[0]["level"])
	assert.Equal(t, "Instance registered", lines[0]["message"])
	assert.Equal(t, "publisher", lines[0]["agent"])
	assert.NotEmpty(t, lines[0]["timestamp"])
}

func TestProductionLoggerFiltersBelowLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := NewProductionLoggerWithWriter(&buf, LogWarn)

	logger.Debug("noise", nil)
	logger.Info("more noise", nil)
	logger.Warn("kept", nil)
	logger.Error("also kept", nil)

	lines := logLines(&buf)
	require.Len(t, lines, 2)
	assert.Equal(t, "warn", lines[0]["level"])
	assert.Equal(t, "error", lines[1]["level"])
}

func TestProductionLoggerFlattensErrors(t *testing.T) {
	var buf bytes.Buffer
	logger := NewProductionLoggerWithWriter(&buf, LogInfo)

	logger.Error("Dispatch failed", map[string]interface{}{
		"error": errors.New("connection refused"),
	})

	lines := logLines(&buf)
	require.Len(t, lines, 1)
	assert.Equal(t, "connection refused", lines[0]["error"])
}

func TestProductionLoggerWithComponent(t *testing.T) {
	var buf bytes.Buffer
	logger := NewProductionLoggerWithWriter(&buf, LogInfo).WithComponent("orchestrator/balancer")

	logger.Info("ready", nil)

	lines := logLines(&buf)
	require.Len(t, lines, 1)
	assert.Equal(t, "orchestrator/balancer", lines[0]["component"])
}
