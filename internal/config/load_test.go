package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func noEnv(string) (string, bool) { return "", false }

func TestLoadDefaults(t *testing.T) {
	cfg, meta, err := Load(WithEnvLookup(noEnv))
	require.NoError(t, err)

	assert.Equal(t, DefaultAddr, cfg.Server.Addr)
	assert.Equal(t, []string{"*"}, cfg.Server.AllowedOrigins)
	assert.Equal(t, DefaultFlowWaitTimeout, cfg.WebSocket.FlowWaitTimeout)
	assert.Equal(t, DefaultMaxTerminal, cfg.Store.MaxTerminal)
	assert.Equal(t, "console", cfg.Observability.Logging.Format)
	assert.Equal(t, SourceDefault, meta.Source("server.addr"))
	assert.Empty(t, meta.File())
	assert.False(t, meta.LoadedAt().IsZero())
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "crewwatch.yaml")
	content := `
server:
  addr: ":9100"
  allowed_origins: ["http://localhost:3000"]
websocket:
  flow_wait_timeout: 2s
store:
  terminal_ttl: 10m
  max_terminal: 8
observability:
  logging:
    level: DEBUG
    format: json
  tracing:
    enabled: true
    exporter: zipkin
    sample_rate: 0.5
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	cfg, meta, err := Load(WithConfigFile(path), WithEnvLookup(noEnv))
	require.NoError(t, err)

	assert.Equal(t, ":9100", cfg.Server.Addr)
	assert.Equal(t, []string{"http://localhost:3000"}, cfg.Server.AllowedOrigins)
	assert.Equal(t, 2*time.Second, cfg.WebSocket.FlowWaitTimeout)
	assert.Equal(t, 10*time.Minute, cfg.Store.TerminalTTL)
	assert.Equal(t, 8, cfg.Store.MaxTerminal)
	assert.Equal(t, DefaultReapInterval, cfg.Store.ReapInterval)
	assert.Equal(t, "debug", cfg.Observability.Logging.Level)
	assert.Equal(t, "zipkin", cfg.Observability.Tracing.Exporter)
	assert.Equal(t, 0.5, cfg.Observability.Tracing.SampleRate)
	assert.Equal(t, SourceFile, meta.Source("server.addr"))
	assert.Equal(t, SourceDefault, meta.Source("store.reap_interval"))
	assert.Equal(t, path, meta.File())
}

func TestLoadMissingExplicitFileFails(t *testing.T) {
	_, _, err := Load(WithConfigFile(filepath.Join(t.TempDir(), "missing.yaml")))
	require.Error(t, err)
}

func TestEnvironmentOverridesFile(t *testing.T) {
	t.Setenv("CREWWATCH_SERVER_ADDR", ":7000")
	t.Setenv("CREWWATCH_STORE_REAP_INTERVAL", "15s")
	t.Setenv("CREWWATCH_SERVER_ALLOWED_ORIGINS", "http://a.test, http://b.test")

	cfg, meta, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ":7000", cfg.Server.Addr)
	assert.Equal(t, 15*time.Second, cfg.Store.ReapInterval)
	assert.Equal(t, []string{"http://a.test", "http://b.test"}, cfg.Server.AllowedOrigins)
	assert.Equal(t, SourceEnv, meta.Source("server.addr"))
}

func TestOverridesWin(t *testing.T) {
	t.Setenv("CREWWATCH_SERVER_ADDR", ":7000")

	cfg, meta, err := Load(WithOverride("server.addr", ":6000"))
	require.NoError(t, err)

	assert.Equal(t, ":6000", cfg.Server.Addr)
	assert.Equal(t, SourceOverride, meta.Source("server.addr"))
}

func TestValidateCollectsErrors(t *testing.T) {
	cfg := Default()
	cfg.Server.Addr = ""
	cfg.Store.ReapInterval = 0
	cfg.WebSocket.FlowWaitTimeout = -time.Second
	cfg.Observability.Logging.Format = "xml"

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "server.addr must not be empty")
	assert.Contains(t, err.Error(), "store.reap_interval must be positive")
	assert.Contains(t, err.Error(), "websocket.flow_wait_timeout must be positive")
	assert.Contains(t, err.Error(), `"xml"`)
}

func TestYAMLRoundTrip(t *testing.T) {
	cfg := Default()
	cfg.Store.TerminalTTL = 90 * time.Second

	data, err := cfg.YAML()
	require.NoError(t, err)
	assert.Contains(t, string(data), "terminal_ttl: 1m30s")

	path := filepath.Join(t.TempDir(), "dump.yaml")
	require.NoError(t, os.WriteFile(path, data, 0o600))

	loaded, _, err := Load(WithConfigFile(path), WithEnvLookup(noEnv))
	require.NoError(t, err)
	assert.Equal(t, cfg.Store.TerminalTTL, loaded.Store.TerminalTTL)
	assert.Equal(t, cfg.Observability.Tracing.ServiceName, loaded.Observability.Tracing.ServiceName)
}
