package logger

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestInitWritesJSON(t *testing.T) {
	prev := Log
	t.Cleanup(func() { Log = prev })

	path := filepath.Join(t.TempDir(), "app.log")
	require.NoError(t, Init("info", "json", path))

	Debug("hidden")
	Info("model trained", zap.String("model_id", "m1"))
	Named("jobs").Warn("slow job")
	Sync()

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(raw)), "\n")
	require.Len(t, lines, 2)

	var first map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &first))
	assert.Equal(t, "info", first["level"])
	assert.Equal(t, "model trained", first["message"])
	assert.Equal(t, "m1", first["model_id"])

	var second map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[1]), &second))
	assert.Equal(t, "jobs", second["component"])
}

func TestInitRejectsBadSettings(t *testing.T) {
	prev := Log
	t.Cleanup(func() { Log = prev })

	assert.Error(t, Init("loud", "json", "stdout"))
	assert.Error(t, Init("info", "xml", "stdout"))
	assert.Error(t, Init("info", "json", filepath.Join(t.TempDir(), "missing", "app.log")))
}
