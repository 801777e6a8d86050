package bootstrap

import (
	"context"
	"io"
	"time"

	"crewwatch/internal/logging"
	"crewwatch/internal/observability"
)

// InitObservability best-effort initializes observability and returns a
// cleanup hook. Failures leave the server running without metrics or traces.
func InitObservability(cfg observability.Config, output io.Writer, logger logging.Logger) (*observability.Observability, func()) {
	obs, err := observability.New(cfg, output)
	if err != nil {
		logging.OrNop(logger).Warn("Observability disabled: %v", err)
		return nil, func() {}
	}
	logging.SetDefault(obs.Logger)

	cleanup := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := obs.Shutdown(ctx); err != nil {
			logging.OrNop(logger).Warn("Observability shutdown error: %v", err)
		}
	}
	return obs, cleanup
}
