package http

import (
	"net/http"
	"strings"
	"time"

	"crewwatch/internal/connection"
	"crewwatch/internal/control"
	"crewwatch/internal/logging"
	"crewwatch/internal/observability"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

// RouterDeps holds the services the HTTP surface is built on.
type RouterDeps struct {
	Control  *control.Service
	Registry *connection.Registry
	Obs      *observability.Observability
}

// RouterConfig holds configuration values for the HTTP router.
type RouterConfig struct {
	AllowedOrigins    []string
	HeartbeatInterval time.Duration
	FlowWaitTimeout   time.Duration
	ReadLimit         int64
	Version           string
	Debug             bool
}

func allowAllOrigins(origins []string) bool {
	if len(origins) == 0 {
		return true
	}
	for _, o := range origins {
		if strings.TrimSpace(o) == "*" {
			return true
		}
	}
	return false
}

func corsMiddleware(origins []string) gin.HandlerFunc {
	cfg := cors.DefaultConfig()
	if allowAllOrigins(origins) {
		cfg.AllowAllOrigins = true
	} else {
		cfg.AllowOrigins = origins
	}
	cfg.AllowMethods = []string{"GET", "POST", "DELETE", "OPTIONS"}
	cfg.AllowHeaders = []string{"Origin", "Content-Type", "Authorization", "X-Requested-With"}
	cfg.AllowWebSockets = true
	return cors.New(cfg)
}

func checkOrigin(origins []string) func(*http.Request) bool {
	if allowAllOrigins(origins) {
		return func(*http.Request) bool { return true }
	}
	allowed := make(map[string]bool, len(origins))
	for _, o := range origins {
		allowed[strings.TrimRight(strings.TrimSpace(o), "/")] = true
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || allowed[strings.TrimRight(origin, "/")]
	}
}

// NewRouter creates the HTTP router with every endpoint.
func NewRouter(deps RouterDeps, cfg RouterConfig) *gin.Engine {
	if !cfg.Debug {
		gin.SetMode(gin.ReleaseMode)
	}
	logger := logging.NewComponentLogger("Router")
	latencyLogger := logging.NewComponentLogger("HTTP")

	engine := gin.New()
	engine.Use(RecoveryMiddleware(logger))
	engine.Use(corsMiddleware(cfg.AllowedOrigins))
	engine.Use(ObservabilityMiddleware(deps.Obs, latencyLogger))

	var metrics *observability.MetricsCollector
	var tracer *observability.TracerProvider
	if deps.Obs != nil {
		metrics = deps.Obs.Metrics
		tracer = deps.Obs.Tracer
	}

	api := NewAPIHandler(deps.Control, deps.Registry, cfg.Version)
	ws := &WebSocketHandler{
		control:   deps.Control,
		registry:  deps.Registry,
		tracer:    tracer,
		heartbeat: cfg.HeartbeatInterval,
		flowWait:  cfg.FlowWaitTimeout,
		readLimit: cfg.ReadLimit,
		logger:    logging.NewComponentLogger("WebSocket"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     checkOrigin(cfg.AllowedOrigins),
		},
	}

	engine.GET("/health", api.HandleHealth)
	engine.GET("/metrics", gin.WrapH(metrics.Handler()))

	v1 := engine.Group("/api")
	{
		executions := v1.Group("/executions")
		executions.GET("", api.HandleListExecutions)
		executions.POST("", api.HandleStartExecution)
		executions.GET("/:id", api.HandleGetExecution)
		executions.DELETE("/:id", api.HandleEvictExecution)
		executions.POST("/:id/aliases", api.HandleRegisterAlias)
		executions.GET("/:id/traces", api.HandleGetTrace)

		v1.POST("/events", api.HandleIngestEvents)
	}

	engine.GET("/ws/crew-visualization", ws.HandleCrew)
	engine.GET("/ws/crew-visualization/:crew_id", ws.HandleCrew)
	engine.GET("/ws/flow/:flow_id", ws.HandleFlow)

	engine.NoRoute(func(c *gin.Context) {
		writeJSONError(c, http.StatusNotFound, "route not found", nil)
	})
	return engine
}
