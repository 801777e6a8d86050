package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"crewwatch/internal/server/bootstrap"

	"github.com/spf13/cobra"
)

// serveBindings maps serve flags to configuration keys.
var serveBindings = map[string]string{
	"addr":             "server.addr",
	"allowed-origins":  "server.allowed_origins",
	"flow-wait":        "websocket.flow_wait_timeout",
	"heartbeat":        "websocket.heartbeat_interval",
	"terminal-ttl":     "store.terminal_ttl",
	"max-terminal":     "store.max_terminal",
	"log-level":        "observability.logging.level",
	"log-format":       "observability.logging.format",
	"metrics":          "observability.metrics.enabled",
	"tracing":          "observability.tracing.enabled",
	"tracing-exporter": "observability.tracing.exporter",
}

func newServeCommand(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the monitoring server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, meta, err := loadConfig(cmd, opts, serveBindings)
			if err != nil {
				return err
			}
			parent := cmd.Context()
			if parent == nil {
				parent = context.Background()
			}
			ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
			defer stop()
			return bootstrap.RunServer(ctx, cfg, meta, version, os.Stderr)
		},
	}

	flags := cmd.Flags()
	flags.String("addr", "", "listen address (default :8000)")
	flags.StringSlice("allowed-origins", nil, "allowed CORS and WebSocket origins")
	flags.Duration("flow-wait", 0, "how long a flow socket waits for its execution")
	flags.Duration("heartbeat", 0, "WebSocket ping interval")
	flags.Duration("terminal-ttl", 0, "how long finished executions are kept")
	flags.Int("max-terminal", 0, "maximum number of finished executions kept")
	flags.String("log-level", "", "debug, info, warn or error")
	flags.String("log-format", "", "json, text or console")
	flags.Bool("metrics", true, "expose Prometheus metrics")
	flags.Bool("tracing", false, "export execution traces")
	flags.String("tracing-exporter", "", "otlp or zipkin")
	return cmd
}
