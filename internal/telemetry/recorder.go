// Package telemetry keeps a bounded trace of what happened inside each
// execution (LLM calls, tool usage, step and agent lifecycle) and mirrors it
// as OpenTelemetry spans.
package telemetry

import (
	"context"
	"sort"
	"sync"
	"time"

	"crewwatch/internal/execution"
	"crewwatch/internal/observability"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Event is one trace entry.
type Event struct {
	Type      string         `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	AgentID   string         `json:"agent_id,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
}

// Trace is the recorded history of one execution.
type Trace struct {
	ExecutionID string           `json:"execution_id"`
	Kind        execution.Kind   `json:"kind"`
	Name        string           `json:"name"`
	Status      execution.Status `json:"status"`
	StartedAt   time.Time        `json:"started_at"`
	EndedAt     *time.Time       `json:"ended_at,omitempty"`
	Events      []Event          `json:"events"`
	Dropped     int              `json:"dropped,omitempty"`
}

// CallKind distinguishes LLM calls from tool usage.
type CallKind string

const (
	CallLLM  CallKind = "llm_call"
	CallTool CallKind = "tool_usage"
)

// Call describes one phase of an LLM call or tool invocation. Name is the
// model for LLM calls and the tool name for tool usage.
type Call struct {
	Kind    CallKind
	Phase   string
	AgentID string
	Name    string
	Error   string
	Data    map[string]any
}

type traceState struct {
	trace  Trace
	ctx    context.Context
	root   trace.Span
	steps  map[string][]trace.Span
	agents map[string]trace.Span
	calls  map[string]trace.Span
}

// Recorder owns every execution trace.
type Recorder struct {
	mu        sync.Mutex
	traces    map[string]*traceState
	maxEvents int
	tracer    *observability.TracerProvider
	clock     func() time.Time
}

// NewRecorder keeps at most maxEvents entries per execution, dropping the
// oldest first.
func NewRecorder(maxEvents int, tracer *observability.TracerProvider) *Recorder {
	if maxEvents <= 0 {
		maxEvents = 500
	}
	if tracer == nil {
		tracer = observability.NewNoopTracerProvider()
	}
	return &Recorder{
		traces:    make(map[string]*traceState),
		maxEvents: maxEvents,
		tracer:    tracer,
		clock:     time.Now,
	}
}

func (r *Recorder) now(at time.Time) time.Time {
	if at.IsZero() {
		return r.clock()
	}
	return at
}

// StartExecution opens (or restarts) the trace for id.
func (r *Recorder) StartExecution(id string, kind execution.Kind, name string, at time.Time) {
	at = r.now(at)
	r.mu.Lock()
	defer r.mu.Unlock()

	if prev, ok := r.traces[id]; ok {
		endOpenSpans(prev, "restarted")
	}
	ctx := observability.ContextWithExecutionID(context.Background(), id)
	ctx, root := r.tracer.StartSpan(ctx, observability.SpanExecution,
		append(observability.ExecutionAttrs(id, string(kind)), attribute.String("crewwatch.name", name))...)
	r.traces[id] = &traceState{
		trace: Trace{
			ExecutionID: id,
			Kind:        kind,
			Name:        name,
			Status:      execution.StatusRunning,
			StartedAt:   at,
			Events:      []Event{},
		},
		ctx:    ctx,
		root:   root,
		steps:  make(map[string][]trace.Span),
		agents: make(map[string]trace.Span),
		calls:  make(map[string]trace.Span),
	}
	r.appendLocked(r.traces[id], Event{Type: string(kind) + ".started", Timestamp: at, Data: map[string]any{"name": name}})
}

// EndExecution closes the trace with a terminal status.
func (r *Recorder) EndExecution(id string, status execution.Status, output any, errText string, at time.Time) {
	at = r.now(at)
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.traces[id]
	if !ok || st.trace.EndedAt != nil {
		return
	}
	st.trace.Status = status
	st.trace.EndedAt = &at
	data := map[string]any{}
	if output != nil {
		data["output"] = output
	}
	if errText != "" {
		data["error"] = errText
	}
	r.appendLocked(st, Event{Type: string(st.trace.Kind) + "." + string(status), Timestamp: at, Data: data})
	endOpenSpans(st, "")
	if st.root != nil {
		st.root.SetAttributes(observability.StatusAttrs(string(status))...)
		observability.EndSpan(st.root, errText)
		st.root = nil
	}
}

// StartStep records a step start and opens a child span.
func (r *Recorder) StartStep(id, step string, scope execution.StepScope, at time.Time) {
	at = r.now(at)
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.traces[id]
	if !ok {
		return
	}
	_, span := r.tracer.Tracer().Start(st.ctx, observability.SpanStep, trace.WithAttributes(
		attribute.String(observability.AttrStepName, step),
		attribute.String("crewwatch.step_scope", string(scope)),
	))
	st.steps[step] = append(st.steps[step], span)
	r.appendLocked(st, Event{Type: "step.started", Timestamp: at, Data: map[string]any{"step": step, "scope": string(scope)}})
}

// EndStep records the end of the oldest open span for step.
func (r *Recorder) EndStep(id, step string, output any, errText string, at time.Time) {
	at = r.now(at)
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.traces[id]
	if !ok {
		return
	}
	if spans := st.steps[step]; len(spans) > 0 {
		observability.EndSpan(spans[0], errText)
		st.steps[step] = spans[1:]
	}
	data := map[string]any{"step": step}
	eventType := "step.completed"
	if errText != "" {
		eventType = "step.failed"
		data["error"] = errText
	} else if output != nil {
		data["output"] = output
	}
	r.appendLocked(st, Event{Type: eventType, Timestamp: at, Data: data})
}

// AgentStarted opens an agent span.
func (r *Recorder) AgentStarted(id, agentID, role, taskID string, at time.Time) {
	at = r.now(at)
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.traces[id]
	if !ok {
		return
	}
	if prev, open := st.agents[agentID]; open {
		observability.EndSpan(prev, "")
	}
	_, span := r.tracer.Tracer().Start(st.ctx, observability.SpanAgent, trace.WithAttributes(
		attribute.String(observability.AttrAgentRole, role),
		attribute.String("crewwatch.agent_id", agentID),
		attribute.String("crewwatch.task_id", taskID),
	))
	st.agents[agentID] = span
	r.appendLocked(st, Event{Type: "agent.started", Timestamp: at, AgentID: agentID, Data: map[string]any{"role": role, "task_id": taskID}})
}

// AgentEnded closes an agent span.
func (r *Recorder) AgentEnded(id, agentID string, output any, errText string, at time.Time) {
	at = r.now(at)
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.traces[id]
	if !ok {
		return
	}
	if span, open := st.agents[agentID]; open {
		observability.EndSpan(span, errText)
		delete(st.agents, agentID)
	}
	data := map[string]any{}
	eventType := "agent.completed"
	if errText != "" {
		eventType = "agent.failed"
		data["error"] = errText
	} else if output != nil {
		data["output"] = output
	}
	r.appendLocked(st, Event{Type: eventType, Timestamp: at, AgentID: agentID, Data: data})
}

// Record appends a pass-through event and mirrors it as a span event on the
// execution span.
func (r *Recorder) Record(id, eventType, agentID string, data map[string]any, at time.Time) bool {
	at = r.now(at)
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.traces[id]
	if !ok {
		return false
	}
	if st.root != nil {
		attrs := []attribute.KeyValue{attribute.String(observability.AttrEventType, eventType)}
		if agentID != "" {
			attrs = append(attrs, attribute.String("crewwatch.agent_id", agentID))
		}
		st.root.AddEvent(eventType, trace.WithAttributes(attrs...), trace.WithTimestamp(at))
	}
	r.appendLocked(st, Event{Type: eventType, Timestamp: at, AgentID: agentID, Data: data})
	return true
}

// RecordCall appends an LLM or tool event. A "started" phase opens a span
// keyed by kind, agent and name; any other phase closes it.
func (r *Recorder) RecordCall(id string, call Call, at time.Time) bool {
	at = r.now(at)
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.traces[id]
	if !ok {
		return false
	}
	key := string(call.Kind) + "/" + call.AgentID + "/" + call.Name
	if call.Phase == "started" {
		if prev, open := st.calls[key]; open {
			observability.EndSpan(prev, "")
		}
		spanName, nameAttr := observability.SpanLLMCall, observability.AttrModel
		if call.Kind == CallTool {
			spanName, nameAttr = observability.SpanToolUsage, observability.AttrToolName
		}
		_, span := r.tracer.Tracer().Start(st.ctx, spanName, trace.WithAttributes(
			attribute.String(nameAttr, call.Name),
			attribute.String("crewwatch.agent_id", call.AgentID),
		), trace.WithTimestamp(at))
		st.calls[key] = span
	} else if span, open := st.calls[key]; open {
		observability.EndSpan(span, call.Error)
		delete(st.calls, key)
	}

	data := call.Data
	if data == nil {
		data = map[string]any{}
	}
	if call.Name != "" {
		if call.Kind == CallTool {
			data["tool"] = call.Name
		} else {
			data["model"] = call.Name
		}
	}
	if call.Error != "" {
		data["error"] = call.Error
	}
	r.appendLocked(st, Event{Type: string(call.Kind) + "_" + call.Phase, Timestamp: at, AgentID: call.AgentID, Data: data})
	return true
}

func (r *Recorder) appendLocked(st *traceState, ev Event) {
	if len(st.trace.Events) >= r.maxEvents {
		over := len(st.trace.Events) - r.maxEvents + 1
		st.trace.Events = append(st.trace.Events[:0], st.trace.Events[over:]...)
		st.trace.Dropped += over
	}
	st.trace.Events = append(st.trace.Events, ev)
}

// Get returns a copy of the trace for id.
func (r *Recorder) Get(id string) (Trace, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.traces[id]
	if !ok {
		return Trace{}, false
	}
	out := st.trace
	out.Events = append([]Event(nil), st.trace.Events...)
	return out, true
}

// IDs lists executions with a recorded trace.
func (r *Recorder) IDs() []string {
	r.mu.Lock()
	ids := make([]string, 0, len(r.traces))
	for id := range r.traces {
		ids = append(ids, id)
	}
	r.mu.Unlock()
	sort.Strings(ids)
	return ids
}

// Forget drops the trace for id, ending any span still open.
func (r *Recorder) Forget(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.traces[id]
	if !ok {
		return
	}
	endOpenSpans(st, "evicted")
	if st.root != nil {
		observability.EndSpan(st.root, "")
	}
	delete(r.traces, id)
}

func endOpenSpans(st *traceState, errText string) {
	for name, spans := range st.steps {
		for _, span := range spans {
			observability.EndSpan(span, errText)
		}
		delete(st.steps, name)
	}
	for agentID, span := range st.agents {
		observability.EndSpan(span, errText)
		delete(st.agents, agentID)
	}
	for key, span := range st.calls {
		observability.EndSpan(span, errText)
		delete(st.calls, key)
	}
	if errText != "" && st.root != nil {
		observability.EndSpan(st.root, errText)
		st.root = nil
	}
}
