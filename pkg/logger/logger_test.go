package logger_test

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"

	"peerelect/pkg/logger"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, zapcore.DebugLevel, logger.ParseLevel("debug"))
	assert.Equal(t, zapcore.WarnLevel, logger.ParseLevel("warn"))
	assert.Equal(t, zapcore.ErrorLevel, logger.ParseLevel("error"))
	assert.Equal(t, zapcore.InfoLevel, logger.ParseLevel("verbose"))
}

func TestNew_WritesJSONWithPeerFields(t *testing.T) {
	path := filepath.Join(t.TempDir(), "peer.log")
	cfg := logger.DefaultConfig("peer-test")
	cfg.OutputPath = path

	base, err := logger.New(cfg)
	require.NoError(t, err)

	logger.ForPeer(base, "coordinator", "abc").Info("leader changed")
	logger.ForPeer(base, "coordinator", "abc").Debug("dropped")
	require.NoError(t, base.Sync())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 1, "debug must be filtered at info level")

	var entry map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &entry))
	assert.Equal(t, "leader changed", entry["message"])
	assert.Equal(t, "peer-test", entry["service"])
	assert.Equal(t, "abc", entry["client_id"])
	assert.Equal(t, "coordinator", entry["logger"])
}
