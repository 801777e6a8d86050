package http

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"crewwatch/internal/async"
	"crewwatch/internal/connection"
	"crewwatch/internal/control"
	"crewwatch/internal/execution"
	"crewwatch/internal/fanout"
	"crewwatch/internal/jsonx"
	"crewwatch/internal/logging"
	"crewwatch/internal/observability"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const (
	writeWait        = 10 * time.Second
	flowPollInterval = 500 * time.Millisecond
)

// Inbound client message types.
const (
	clientRegisterCrew = "register_crew"
	clientRequestState = "request_state"
	clientPing         = "ping"
)

type clientMessage struct {
	Type   string `json:"type"`
	CrewID string `json:"crew_id,omitempty"`
}

// WebSocketHandler serves the live dashboards.
type WebSocketHandler struct {
	control   *control.Service
	registry  *connection.Registry
	tracer    *observability.TracerProvider
	upgrader  websocket.Upgrader
	heartbeat time.Duration
	flowWait  time.Duration
	readLimit int64
	logger    logging.Logger
}

// HandleCrew serves /ws/crew-visualization[/:crew_id]. Without a crew ID the
// client follows every crew until it registers for one.
func (h *WebSocketHandler) HandleCrew(c *gin.Context) {
	crewID := strings.TrimSpace(c.Param("crew_id"))
	ws, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("crew websocket upgrade failed: %v", err)
		return
	}

	s := h.open(ws, execution.KindCrew, crewID)
	defer s.close()

	now := time.Now().UTC()
	s.send(fanout.Message{
		Type:      fanout.TypeConnectionEstablished,
		ClientID:  s.id(),
		CrewID:    crewID,
		Timestamp: &now,
	})
	key := connection.WildcardKey(execution.KindCrew)
	if crewID != "" {
		key = h.canonical(crewID)
	}
	s.subscribe(key)

	s.readLoop(func(msg clientMessage) {
		switch msg.Type {
		case clientRegisterCrew:
			if msg.CrewID == "" {
				return
			}
			s.subscribe(h.canonical(msg.CrewID))
			s.send(fanout.Message{Type: fanout.TypeCrewRegistered, CrewID: msg.CrewID})
		case clientRequestState:
			s.sendState()
		case clientPing:
			s.send(fanout.Message{Type: fanout.TypePong})
		default:
			h.logger.Debug("ignoring client message %q from %s", msg.Type, s.id())
		}
	})
}

// HandleFlow serves /ws/flow/:flow_id. The execution may be announced shortly
// after the client connects, so the handler waits for it before giving up.
func (h *WebSocketHandler) HandleFlow(c *gin.Context) {
	flowID := strings.TrimSpace(c.Param("flow_id"))
	ws, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("flow websocket upgrade failed: %v", err)
		return
	}

	canonical, ok := h.waitForExecution(c.Request.Context(), flowID)
	if !ok {
		h.logger.Warn("no execution found for flow %s after %s", flowID, h.flowWait)
		h.reject(ws, fmt.Sprintf("No active execution found for flow %s. Please try running the flow again.", flowID))
		return
	}

	s := h.open(ws, execution.KindFlow, canonical)
	defer s.close()
	s.closeWhenFinished(canonical)
	s.subscribe(canonical)

	s.readLoop(func(msg clientMessage) {
		switch msg.Type {
		case clientRequestState:
			s.sendState()
		case clientPing:
			s.send(fanout.Message{Type: fanout.TypePong})
		}
	})
}

func (h *WebSocketHandler) canonical(id string) string {
	if c, ok := h.control.Resolve(id); ok {
		return c
	}
	return id
}

func (h *WebSocketHandler) waitForExecution(ctx context.Context, id string) (string, bool) {
	if c, ok := h.control.Resolve(id); ok {
		return c, true
	}
	if h.flowWait <= 0 {
		return "", false
	}
	deadline := time.NewTimer(h.flowWait)
	defer deadline.Stop()
	ticker := time.NewTicker(flowPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return "", false
		case <-deadline.C:
			return "", false
		case <-ticker.C:
			if c, ok := h.control.Resolve(id); ok {
				return c, true
			}
		}
	}
}

// reject sends an error message and closes a connection that never joined
// the registry.
func (h *WebSocketHandler) reject(ws *websocket.Conn, text string) {
	defer ws.Close()
	data, err := fanout.Encode(fanout.ErrorMessage(text))
	if err != nil {
		return
	}
	_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
	if err := ws.WriteMessage(websocket.TextMessage, data); err != nil {
		return
	}
	_ = ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "execution not found"),
		time.Now().Add(writeWait))
}

// wsSession ties one socket to its registry connection. The writer goroutine
// is the only one writing data frames; pings go through WriteControl.
type wsSession struct {
	h        *WebSocketHandler
	ws       *websocket.Conn
	conn     *connection.Connection
	kind     execution.Kind
	ctx      context.Context
	cancel   context.CancelFunc
	span     trace.Span
	done     chan struct{}
	mu       sync.Mutex
	finishOn string
}

func (h *WebSocketHandler) open(ws *websocket.Conn, kind execution.Kind, target string) *wsSession {
	conn := h.registry.Connect()
	ctx, cancel := context.WithCancel(context.Background())
	if target != "" {
		ctx = observability.ContextWithExecutionID(ctx, target)
	}
	var span trace.Span
	if h.tracer != nil {
		ctx, span = h.tracer.StartSpan(ctx, observability.SpanWSConnection,
			attribute.String(observability.AttrExecutionKind, string(kind)),
			attribute.String("crewwatch.client_id", conn.ID()),
		)
	}
	s := &wsSession{
		h:      h,
		ws:     ws,
		conn:   conn,
		kind:   kind,
		ctx:    ctx,
		cancel: cancel,
		span:   span,
		done:   make(chan struct{}),
	}
	if h.readLimit > 0 {
		ws.SetReadLimit(h.readLimit)
	}
	async.Go(h.logger, "ws-writer", s.writeLoop)
	if h.heartbeat > 0 {
		async.Go(h.logger, "ws-heartbeat", s.heartbeatLoop)
	}
	h.logger.Info("%s websocket %s connected (target=%q)", kind, conn.ID(), target)
	return s
}

func (s *wsSession) id() string { return s.conn.ID() }

func (s *wsSession) closeWhenFinished(id string) {
	s.mu.Lock()
	s.finishOn = id
	s.mu.Unlock()
}

func (s *wsSession) subscribe(key string) {
	if err := s.h.registry.Subscribe(s.id(), key); err != nil {
		s.h.logger.Warn("subscribe %s to %s: %v", s.id(), key, err)
	}
}

func (s *wsSession) send(msg fanout.Message) {
	data, err := fanout.Encode(msg)
	if err != nil {
		s.h.logger.Error("encode %s message: %v", msg.Type, err)
		return
	}
	if err := s.h.registry.Send(s.id(), data); err != nil && !errors.Is(err, connection.ErrUnknown) {
		s.h.logger.Warn("send %s to %s: %v", msg.Type, s.id(), err)
	}
}

// sendState answers request_state with the current snapshot of whatever the
// connection follows. Wildcard subscribers get every execution of the kind.
func (s *wsSession) sendState() {
	key := s.conn.Subscription()
	if key == "" {
		return
	}
	if key == connection.WildcardKey(s.kind) {
		for _, summary := range s.h.control.List(s.kind) {
			if state, err := s.h.control.Get(summary.ID); err == nil {
				s.send(fanout.StateMessage(state))
			}
		}
		return
	}
	state, err := s.h.control.Get(key)
	if err != nil {
		s.h.logger.Debug("no state for %s: %v", key, err)
		return
	}
	s.send(fanout.StateMessage(state))
}

func (s *wsSession) writeLoop() {
	defer close(s.done)
	defer s.ws.Close()
	defer s.cancel()

	for {
		msg, err := s.conn.Next(s.ctx)
		if err != nil {
			return
		}
		_ = s.ws.SetWriteDeadline(time.Now().Add(writeWait))
		if err := s.ws.WriteMessage(websocket.TextMessage, msg.Data); err != nil {
			s.h.logger.Debug("write to %s failed: %v", s.id(), err)
			return
		}
		if s.finished(msg) {
			_ = s.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "execution finished"),
				time.Now().Add(writeWait))
			return
		}
	}
}

// finished reports whether msg was the final snapshot of the execution the
// session closes on.
func (s *wsSession) finished(msg connection.Outbound) bool {
	s.mu.Lock()
	target := s.finishOn
	s.mu.Unlock()
	if target == "" || msg.ExecutionID != target || msg.Version == 0 {
		return false
	}
	state, err := s.h.control.Get(target)
	if err != nil {
		return false
	}
	return state.IsTerminal() && msg.Version >= state.Version
}

func (s *wsSession) heartbeatLoop() {
	ticker := time.NewTicker(s.h.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			if err := s.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				s.h.logger.Debug("heartbeat to %s failed: %v", s.id(), err)
				s.cancel()
				return
			}
		}
	}
}

// readLoop dispatches client messages until the socket fails or the writer
// gives up.
func (s *wsSession) readLoop(handle func(clientMessage)) {
	for {
		_, data, err := s.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.h.logger.Debug("read from %s: %v", s.id(), err)
			}
			return
		}
		var msg clientMessage
		if err := jsonx.Unmarshal(data, &msg); err != nil {
			s.h.logger.Warn("invalid JSON message from %s: %v", s.id(), err)
			continue
		}
		handle(msg)
	}
}

func (s *wsSession) close() {
	s.cancel()
	s.h.registry.Disconnect(s.id())
	<-s.done
	_ = s.ws.Close()
	if s.span != nil {
		observability.EndSpan(s.span, "")
	}
	s.h.logger.Info("%s websocket %s closed", s.kind, s.id())
}
