package main

import (
	"bytes"
	"context"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"crewwatch/internal/config"
	"crewwatch/internal/server/bootstrap"

	"github.com/fatih/color"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	color.NoColor = true
}

func TestSocketURL(t *testing.T) {
	tests := []struct {
		name    string
		server  string
		flow    bool
		id      string
		want    string
		wantErr bool
	}{
		{name: "crew wildcard", server: "http://localhost:8000", want: "ws://localhost:8000/ws/crew-visualization"},
		{name: "crew by id", server: "http://localhost:8000/", id: "crew-1", want: "ws://localhost:8000/ws/crew-visualization/crew-1"},
		{name: "flow over tls", server: "https://mon.example.com/base", flow: true, id: "f 1", want: "wss://mon.example.com/base/ws/flow/f%201"},
		{name: "flow needs id", server: "http://localhost:8000", flow: true, wantErr: true},
		{name: "bad scheme", server: "ftp://localhost", wantErr: true},
		{name: "no host", server: "http://", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := socketURL(tt.server, tt.flow, tt.id)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestFormatMessage(t *testing.T) {
	crew := `{"type":"crew_state","payload":{"crew":{"id":"crew-1","name":"Writers","status":"running","started_at":"2024-01-01T10:00:00Z"},
		"agents":[{"id":"a","role":"Writer","name":"Writer","status":"running"}],
		"tasks":[{"id":"t","description":"write","status":"running","agent_id":"a"}],
		"steps":[{"id":"write","status":"running","started_at":"2024-01-01T10:00:01Z"}],
		"timestamp":"2024-01-01T10:00:01Z"}}`
	line, err := formatMessage([]byte(crew))
	require.NoError(t, err)
	assert.Contains(t, line, `crew crew-1 "Writers" running`)
	assert.Contains(t, line, "agents=1/1 tasks=0/1 steps=1")
	assert.Contains(t, line, "last=write(running)")

	flow := `{"type":"flow_state","payload":{"id":"f1","kind":"flow","name":"Pipeline","status":"failed","error":"boom","steps":[],"timestamp":"2024-01-01T10:00:01Z","created_at":"2024-01-01T10:00:00Z"}}`
	line, err = formatMessage([]byte(flow))
	require.NoError(t, err)
	assert.Contains(t, line, `flow f1 "Pipeline" failed steps=0`)
	assert.Contains(t, line, "error=boom")

	line, err = formatMessage([]byte(`{"type":"error","message":"No active execution"}`))
	require.NoError(t, err)
	assert.Equal(t, "error: No active execution", line)

	line, err = formatMessage([]byte(`{"type":"pong"}`))
	require.NoError(t, err)
	assert.Empty(t, line)

	_, err = formatMessage([]byte(`nope`))
	assert.Error(t, err)
}

func TestConfigShowAppliesFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "crewwatch.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  addr: \":9100\"\n"), 0o600))
	t.Setenv("CREWWATCH_STORE_MAX_TERMINAL", "12")

	var out bytes.Buffer
	cmd := newRootCommand()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"config", "show", "--config", path})
	require.NoError(t, cmd.Execute())

	assert.Contains(t, out.String(), "9100")
	assert.Contains(t, out.String(), "max_terminal: 12")

	out.Reset()
	cmd = newRootCommand()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"config", "sources", "--config", path})
	require.NoError(t, cmd.Execute())
	assert.Contains(t, out.String(), "config file: "+path)
	assert.Regexp(t, `server\.addr\s+file`, out.String())
	assert.Regexp(t, `store\.max_terminal\s+environment`, out.String())
}

func TestServeFlagsOverrideConfig(t *testing.T) {
	cmd := newServeCommand(&rootOptions{})
	require.NoError(t, cmd.ParseFlags([]string{"--addr", ":9200", "--flow-wait", "2s", "--allowed-origins", "http://a,http://b", "--metrics=false"}))

	cfg, meta, err := loadConfig(cmd, &rootOptions{}, serveBindings)
	require.NoError(t, err)
	assert.Equal(t, ":9200", cfg.Server.Addr)
	assert.Equal(t, 2*time.Second, cfg.WebSocket.FlowWaitTimeout)
	assert.Equal(t, []string{"http://a", "http://b"}, cfg.Server.AllowedOrigins)
	assert.False(t, cfg.Observability.Metrics.Enabled)
	assert.Equal(t, config.SourceOverride, meta.Source("server.addr"))
	assert.Equal(t, config.DefaultHeartbeatInterval, cfg.WebSocket.HeartbeatInterval)
}

func TestVersionCommand(t *testing.T) {
	var out bytes.Buffer
	cmd := newRootCommand()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"version"})
	require.NoError(t, cmd.Execute())
	assert.True(t, strings.HasPrefix(out.String(), "crewwatch dev"))
}

func TestWatchFlowUntilFinished(t *testing.T) {
	gin.SetMode(gin.TestMode)
	cfg := config.Default()
	cfg.WebSocket.HeartbeatInterval = 0
	container, err := bootstrap.BuildContainer(cfg, nil)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = container.Dispatcher.Run(ctx) }()
	srv := httptest.NewServer(container.Router("test"))
	defer srv.Close()
	defer container.Close()

	_, err = container.Control.Ingest([]byte(`{"type":"flow_started","source":{"id":"flow-1"},"data":{"name":"Pipeline"}}`))
	require.NoError(t, err)
	_, err = container.Control.Ingest([]byte(`{"type":"execution_finished","source":{"id":"flow-1"},"data":{"result":"ok"}}`))
	require.NoError(t, err)

	target, err := socketURL(srv.URL, true, "flow-1")
	require.NoError(t, err)

	var out bytes.Buffer
	watchCtx, watchCancel := context.WithTimeout(ctx, 5*time.Second)
	defer watchCancel()
	require.NoError(t, watch(watchCtx, target, false, &out))
	assert.Contains(t, out.String(), `flow flow-1 "Pipeline" completed`)
	assert.NoError(t, watchCtx.Err(), "watch should end when the flow socket closes")
}
