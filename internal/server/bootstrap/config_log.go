package bootstrap

import (
	"strings"

	"crewwatch/internal/config"
	"crewwatch/internal/logging"
)

// LogServerConfiguration prints the resolved configuration and where each
// value came from.
func LogServerConfiguration(logger logging.Logger, cfg config.Config, meta config.Metadata) {
	logger = logging.OrNop(logger)

	logger.Info("=== Server Configuration ===")
	if file := meta.File(); file != "" {
		logger.Info("Config file: %s", file)
	} else {
		logger.Info("Config file: (none)")
	}
	logger.Info("Listen address: %s (source=%s)", cfg.Server.Addr, meta.Source("server.addr"))
	origins := "*"
	if len(cfg.Server.AllowedOrigins) > 0 {
		origins = strings.Join(cfg.Server.AllowedOrigins, ",")
	}
	logger.Info("Allowed origins: %s (source=%s)", origins, meta.Source("server.allowed_origins"))
	logger.Info("Heartbeat interval: %s (source=%s)", cfg.WebSocket.HeartbeatInterval, meta.Source("websocket.heartbeat_interval"))
	logger.Info("Flow wait timeout: %s (source=%s)", cfg.WebSocket.FlowWaitTimeout, meta.Source("websocket.flow_wait_timeout"))
	logger.Info("Terminal TTL: %s, reap every %s, keep at most %d (source=%s)",
		cfg.Store.TerminalTTL, cfg.Store.ReapInterval, cfg.Store.MaxTerminal, meta.Source("store.terminal_ttl"))
	logger.Info("Telemetry events per execution: %d", cfg.Telemetry.MaxEvents)
	logger.Info("Log level: %s, format: %s", cfg.Observability.Logging.Level, cfg.Observability.Logging.Format)
	logger.Info("Metrics enabled: %t", cfg.Observability.Metrics.Enabled)
	if cfg.Observability.Tracing.Enabled {
		logger.Info("Tracing: %s (sample rate %.2f)", cfg.Observability.Tracing.Exporter, cfg.Observability.Tracing.SampleRate)
	} else {
		logger.Info("Tracing: disabled")
	}
	logger.Info("===========================")
}
