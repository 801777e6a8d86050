package http

import (
	"bytes"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"crewwatch/internal/connection"
	"crewwatch/internal/control"
	"crewwatch/internal/execution"
	"crewwatch/internal/jsonx"
	"crewwatch/internal/observability"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const maxEventBodyBytes = 8 << 20

// APIHandler serves the REST surface.
type APIHandler struct {
	control   *control.Service
	registry  *connection.Registry
	version   string
	startedAt time.Time
}

// NewAPIHandler creates the REST handlers.
func NewAPIHandler(svc *control.Service, registry *connection.Registry, version string) *APIHandler {
	if version == "" {
		version = "dev"
	}
	return &APIHandler{control: svc, registry: registry, version: version, startedAt: time.Now()}
}

// HandleHealth reports liveness plus a few counters.
func (h *APIHandler) HandleHealth(c *gin.Context) {
	connections := 0
	if h.registry != nil {
		connections = h.registry.Len()
	}
	writeJSON(c, http.StatusOK, gin.H{
		"status":      "ok",
		"version":     h.version,
		"uptime":      time.Since(h.startedAt).Round(time.Second).String(),
		"executions":  h.control.Counts(),
		"connections": connections,
		"timestamp":   time.Now().UTC(),
	})
}

// HandleListExecutions lists tracked executions, optionally filtered by kind.
func (h *APIHandler) HandleListExecutions(c *gin.Context) {
	kind := execution.Kind(strings.ToLower(strings.TrimSpace(c.Query("kind"))))
	if kind != "" && !kind.Valid() {
		writeJSONError(c, http.StatusBadRequest, "invalid kind", nil)
		return
	}
	list := h.control.List(kind)
	writeJSON(c, http.StatusOK, gin.H{"executions": list, "total": len(list)})
}

// HandleStartExecution issues a canonical ID for a new execution.
func (h *APIHandler) HandleStartExecution(c *gin.Context) {
	var req control.StartRequest
	body, ok := readBody(c)
	if !ok {
		return
	}
	if err := jsonx.Unmarshal(body, &req); err != nil {
		writeJSONError(c, http.StatusBadRequest, "invalid request body", err)
		return
	}
	state, err := h.control.Start(c.Request.Context(), req)
	if err != nil {
		writeServiceError(c, "failed to start execution", err)
		return
	}
	writeJSON(c, http.StatusCreated, state)
}

// HandleGetExecution returns one execution by canonical ID or alias.
func (h *APIHandler) HandleGetExecution(c *gin.Context) {
	state, err := h.control.Get(c.Param("id"))
	if err != nil {
		writeServiceError(c, "execution not available", err)
		return
	}
	writeJSON(c, http.StatusOK, state)
}

// HandleEvictExecution removes a finished execution.
func (h *APIHandler) HandleEvictExecution(c *gin.Context) {
	if err := h.control.Evict(c.Param("id")); err != nil {
		writeServiceError(c, "failed to evict execution", err)
		return
	}
	c.Status(http.StatusNoContent)
}

func readBody(c *gin.Context) ([]byte, bool) {
	body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxEventBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSONError(c, http.StatusRequestEntityTooLarge, "request body too large", err)
			return nil, false
		}
		writeJSONError(c, http.StatusBadRequest, "failed to read request body", err)
		return nil, false
	}
	return bytes.TrimSpace(body), true
}

type aliasRequest struct {
	Alias string `json:"alias"`
}

// HandleRegisterAlias binds a framework-internal ID to an execution.
func (h *APIHandler) HandleRegisterAlias(c *gin.Context) {
	var req aliasRequest
	if err := jsonx.NewDecoder(c.Request.Body).Decode(&req); err != nil {
		writeJSONError(c, http.StatusBadRequest, "invalid request body", err)
		return
	}
	aliases, err := h.control.RegisterAlias(c.Param("id"), req.Alias)
	if err != nil {
		writeServiceError(c, "failed to register alias", err)
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"id": c.Param("id"), "aliases": aliases})
}

// HandleGetTrace returns the recorded trace of an execution.
func (h *APIHandler) HandleGetTrace(c *gin.Context) {
	trace, err := h.control.Trace(c.Param("id"))
	if err != nil {
		writeServiceError(c, "trace not available", err)
		return
	}
	writeJSON(c, http.StatusOK, trace)
}

// HandleIngestEvents accepts one event envelope or an array of them.
func (h *APIHandler) HandleIngestEvents(c *gin.Context) {
	body, ok := readBody(c)
	if !ok {
		return
	}
	if len(body) == 0 {
		writeJSONError(c, http.StatusBadRequest, "empty request body", nil)
		return
	}

	span := trace.SpanFromContext(c.Request.Context())
	if body[0] != '[' {
		eventType, err := h.control.Ingest(body)
		if err != nil {
			span.SetAttributes(observability.ErrorAttrs(err)...)
			writeServiceError(c, "invalid event", err)
			return
		}
		span.SetAttributes(attribute.String(observability.AttrEventType, string(eventType)))
		writeJSON(c, http.StatusAccepted, gin.H{"accepted": 1, "type": eventType})
		return
	}

	var raw []jsonx.RawMessage
	if err := jsonx.Unmarshal(body, &raw); err != nil {
		writeJSONError(c, http.StatusBadRequest, "invalid event batch", err)
		return
	}
	batch := make([][]byte, len(raw))
	for i := range raw {
		batch[i] = raw[i]
	}
	accepted, err := h.control.IngestBatch(batch)
	span.SetAttributes(attribute.Int("crewwatch.events.accepted", accepted))
	if err != nil {
		span.SetAttributes(observability.ErrorAttrs(err)...)
		writeJSON(c, statusFor(err), gin.H{"accepted": accepted, "error": err.Error()})
		return
	}
	writeJSON(c, http.StatusAccepted, gin.H{"accepted": accepted})
}
