package observability

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/ai-chat-proxy/internal/config"
)

func TestSetupLogger_DevAndProd(t *testing.T) {
	require.NotNil(t, SetupLogger(config.Config{AppEnv: "dev", OTELServiceName: "svc"}))
	require.NotNil(t, SetupLogger(config.Config{AppEnv: "prod", OTELServiceName: "svc"}))
}

func TestNewLogger_Fields(t *testing.T) {
	var buf bytes.Buffer
	lg := newLogger(config.Config{AppEnv: "prod", OTELServiceName: "svc", AppVersion: "1.2.3"}, &buf)
	assert.False(t, lg.Enabled(context.Background(), slog.LevelDebug))
	lg.Info("hello")

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "svc", rec["service"])
	assert.Equal(t, "prod", rec["env"])
	assert.Equal(t, "1.2.3", rec["version"])
	assert.Equal(t, "hello", rec["msg"])
}

func TestNewLogger_DebugInDev(t *testing.T) {
	var buf bytes.Buffer
	lg := newLogger(config.Config{AppEnv: "dev"}, &buf)
	assert.True(t, lg.Enabled(context.Background(), slog.LevelDebug))
}
