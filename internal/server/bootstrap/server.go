package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"crewwatch/internal/config"
	"crewwatch/internal/logging"
	serverhttp "crewwatch/internal/server/http"

	"github.com/gin-gonic/gin"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 10 * time.Second

// RunServer builds every service from cfg and serves until ctx is cancelled.
func RunServer(ctx context.Context, cfg config.Config, meta config.Metadata, version string, logOutput io.Writer) error {
	logger := logging.NewComponentLogger("Main")

	obs, cleanupObs := InitObservability(cfg.Observability, logOutput, logger)
	defer cleanupObs()

	logger.Info("Starting crewwatch %s...", version)
	LogServerConfiguration(logger, cfg, meta)

	container, err := BuildContainer(cfg, obs)
	if err != nil {
		return fmt.Errorf("build container: %w", err)
	}

	ln, err := net.Listen("tcp", cfg.Server.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", cfg.Server.Addr, err)
	}
	return container.Serve(ctx, ln, version)
}

// Router builds the HTTP surface over the container's services.
func (c *Container) Router(version string) *gin.Engine {
	return serverhttp.NewRouter(serverhttp.RouterDeps{
		Control:  c.Control,
		Registry: c.Registry,
		Obs:      c.Obs,
	}, serverhttp.RouterConfig{
		AllowedOrigins:    c.Config.Server.AllowedOrigins,
		HeartbeatInterval: c.Config.WebSocket.HeartbeatInterval,
		FlowWaitTimeout:   c.Config.WebSocket.FlowWaitTimeout,
		ReadLimit:         c.Config.WebSocket.ReadLimit,
		Version:           version,
	})
}

// Serve runs the HTTP server, the broadcast dispatcher and the reaper until
// ctx is cancelled or one of them fails, then shuts everything down.
func (c *Container) Serve(ctx context.Context, ln net.Listener, version string) error {
	logger := logging.NewComponentLogger("Server")
	server := &http.Server{
		Handler:           c.Router(version),
		ReadHeaderTimeout: c.Config.Server.ReadTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return c.Dispatcher.Run(gctx)
	})
	g.Go(func() error {
		c.reapLoop(gctx)
		return nil
	})
	g.Go(func() error {
		logger.Info("Server listening on %s", ln.Addr())
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		c.Close()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
		logger.Info("Server stopped")
		return nil
	})
	return g.Wait()
}

// reapLoop evicts expired terminal executions on a fixed interval.
func (c *Container) reapLoop(ctx context.Context) {
	interval := c.Config.Store.ReapInterval
	if interval <= 0 {
		return
	}
	logger := logging.NewComponentLogger("Reaper")
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if evicted := c.Store.Reap(); len(evicted) > 0 {
				logger.Info("evicted %d terminal executions", len(evicted))
			}
		}
	}
}
