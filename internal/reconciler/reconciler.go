// Package reconciler turns framework events into execution state. Handlers
// resolve the canonical execution ID, apply the event to the store under the
// per-execution lock and feed the telemetry recorder. They never return
// errors or panic into the emitter: anything unexpected is logged and dropped.
package reconciler

import (
	"errors"
	"strconv"
	"strings"
	"time"

	"crewwatch/internal/eventbus"
	"crewwatch/internal/events"
	"crewwatch/internal/execution"
	"crewwatch/internal/identity"
	"crewwatch/internal/jsonx"
	"crewwatch/internal/logging"
	"crewwatch/internal/store"
	"crewwatch/internal/telemetry"
)

// BusKey is the registration key used on the event bus.
const BusKey = "reconciler"

// Drop reasons reported to metrics.
const (
	DropNoID      = "no_id"
	DropNoRecord  = "no_record"
	DropNoStep    = "no_step"
	DropNoTrace   = "no_trace"
	DropTerminal  = "terminal"
	DropMalformed = "malformed"
)

// Metrics is the subset of the metrics collector the reconciler reports to.
type Metrics interface {
	RecordDropped(eventType, reason string)
}

// Recorder receives the trace side of every event.
type Recorder interface {
	StartExecution(id string, kind execution.Kind, name string, at time.Time)
	EndExecution(id string, status execution.Status, output any, errText string, at time.Time)
	StartStep(id, step string, scope execution.StepScope, at time.Time)
	EndStep(id, step string, output any, errText string, at time.Time)
	AgentStarted(id, agentID, role, taskID string, at time.Time)
	AgentEnded(id, agentID string, output any, errText string, at time.Time)
	RecordCall(id string, call telemetry.Call, at time.Time) bool
}

// Reconciler owns the event handlers.
type Reconciler struct {
	store    *store.Store
	resolver *identity.Resolver
	assigner Assigner
	results  ResultExtractor
	recorder Recorder
	metrics  Metrics
	logger   logging.Logger
	clock    func() time.Time
}

// Option configures a Reconciler.
type Option func(*Reconciler)

// WithAssigner swaps the task to agent heuristic.
func WithAssigner(a Assigner) Option {
	return func(r *Reconciler) { r.assigner = a }
}

// WithResultExtractor swaps how the final output is derived.
func WithResultExtractor(e ResultExtractor) Option {
	return func(r *Reconciler) { r.results = e }
}

// WithRecorder attaches a telemetry recorder.
func WithRecorder(rec Recorder) Option {
	return func(r *Reconciler) { r.recorder = rec }
}

// WithMetrics reports dropped events.
func WithMetrics(m Metrics) Option {
	return func(r *Reconciler) { r.metrics = m }
}

// WithLogger sets the reconciler logger.
func WithLogger(logger logging.Logger) Option {
	return func(r *Reconciler) { r.logger = logging.OrNop(logger) }
}

// WithClock overrides the time source used when an event has no timestamp.
func WithClock(clock func() time.Time) Option {
	return func(r *Reconciler) { r.clock = clock }
}

// New builds a reconciler over st and resolver.
func New(st *store.Store, resolver *identity.Resolver, opts ...Option) *Reconciler {
	r := &Reconciler{
		store:    st,
		resolver: resolver,
		assigner: NewKeywordAssigner(),
		results:  NewStateResultExtractor(),
		logger:   logging.NewComponentLogger("Reconciler"),
		clock:    time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// Attach registers every handler on bus. Attaching twice is a no-op; it
// reports whether anything was registered.
func (r *Reconciler) Attach(bus *eventbus.Bus) bool {
	registered := false
	for _, t := range []events.Type{
		events.TypeExecutionInitRequested,
		events.TypeCrewKickoffStarted,
		events.TypeFlowStarted,
		events.TypeStepStarted,
		events.TypeStepFinished,
		events.TypeStepFailed,
		events.TypeExecutionFinished,
		events.TypeExecutionFailed,
		events.TypeAgentStarted,
		events.TypeAgentCompleted,
		events.TypeAgentError,
		events.TypeLLMCallStarted,
		events.TypeLLMCallCompleted,
		events.TypeLLMCallFailed,
		events.TypeToolUsageStarted,
		events.TypeToolUsageFinished,
		events.TypeToolUsageError,
	} {
		if bus.On(t, BusKey, r.Handle) {
			registered = true
		}
	}
	return registered
}

// Handle applies one event. It is safe to call from any goroutine.
func (r *Reconciler) Handle(source events.Source, event events.Event) {
	switch ev := event.(type) {
	case events.ExecutionInitRequested:
		r.onInit(ev)
	case events.ExecutionStarted:
		r.onStarted(source, ev)
	case events.StepStarted:
		r.onStepStarted(source, ev)
	case events.StepFinished:
		r.onStepFinished(source, ev)
	case events.StepFailed:
		r.onStepFailed(source, ev)
	case events.ExecutionFinished:
		r.onFinished(source, ev)
	case events.ExecutionFailed:
		r.onFailed(source, ev)
	case events.AgentExecution:
		r.onAgent(source, ev)
	case events.LLMCall:
		r.onLLMCall(source, ev)
	case events.ToolUsage:
		r.onToolUsage(source, ev)
	default:
		if event != nil {
			r.logger.Debug("ignoring unsupported event %T", event)
		}
	}
}

func (r *Reconciler) now(at time.Time) time.Time {
	if at.IsZero() {
		return r.clock()
	}
	return at
}

func (r *Reconciler) drop(eventType events.Type, id, reason string) {
	r.logger.Warn("dropping %s for %q: %s", eventType, id, reason)
	if r.metrics != nil {
		r.metrics.RecordDropped(string(eventType), reason)
	}
}

// resolve maps the source's identity onto a canonical ID.
func (r *Reconciler) resolve(source events.Source, kind execution.Kind, bind bool) string {
	var raw string
	if source != nil {
		raw = source.SourceID()
	}
	hints := identity.Hints{Kind: kind, Bind: bind}
	if aliased, ok := source.(events.AliasedSource); ok {
		hints.Aliases = aliased.Aliases()
	}
	return r.resolver.Resolve(raw, hints)
}

// mutate applies fn to an existing record, dropping the event when the record
// is unknown.
func (r *Reconciler) mutate(eventType events.Type, id string, fn func(*execution.State) bool) (execution.State, bool) {
	if id == "" {
		r.drop(eventType, id, DropNoID)
		return execution.State{}, false
	}
	state, changed, err := r.store.Mutate(id, fn)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			r.drop(eventType, id, DropNoRecord)
		} else {
			r.logger.Error("apply %s to %s: %v", eventType, id, err)
		}
		return execution.State{}, false
	}
	return state, changed
}

func (r *Reconciler) onInit(ev events.ExecutionInitRequested) {
	if ev.ExecutionID == "" || !ev.Kind.Valid() {
		r.drop(ev.EventType(), ev.ExecutionID, DropMalformed)
		return
	}
	at := r.now(ev.Timestamp)
	r.resolver.Track(ev.ExecutionID, ev.Kind)
	initial := execution.New(ev.ExecutionID, ev.Kind, ev.Name, execution.StatusInitializing, at)
	initial.Inputs = sanitizeMap(ev.Inputs)
	_, created := r.store.GetOrCreate(ev.ExecutionID, initial)
	if created {
		r.logger.Info("execution %s (%s %q) initializing", ev.ExecutionID, ev.Kind, ev.Name)
	}
}

func (r *Reconciler) onStarted(source events.Source, ev events.ExecutionStarted) {
	id := r.resolve(source, ev.Kind, true)
	if id == "" {
		r.drop(ev.EventType(), id, DropNoID)
		return
	}
	at := r.now(ev.Timestamp)

	if ev.Kind == execution.KindCrew {
		fresh := execution.New(id, execution.KindCrew, ev.Name, execution.StatusRunning, at)
		fresh.Inputs = sanitizeMap(ev.Inputs)
		if crew, ok := source.(events.CrewSource); ok {
			r.populateCrew(fresh, crew.Agents(), crew.Tasks())
		}
		r.store.Reset(id, fresh)
		r.logger.Info("crew %s (%q) started with %d agents and %d tasks", id, ev.Name, len(fresh.Agents), len(fresh.Tasks))
		r.startTrace(id, ev.Kind, ev.Name, at)
		return
	}

	terminal := false
	_, changed := r.store.Upsert(id, func() *execution.State {
		return execution.New(id, execution.KindFlow, ev.Name, execution.StatusRunning, at)
	}, func(st *execution.State) bool {
		if st.IsTerminal() {
			terminal = true
			return false
		}
		changed := st.Start(ev.Name, at)
		if st.Inputs == nil && len(ev.Inputs) > 0 {
			st.Inputs = sanitizeMap(ev.Inputs)
			changed = true
		}
		return changed
	})
	if terminal {
		r.drop(ev.EventType(), id, DropTerminal)
		return
	}
	if changed {
		r.logger.Info("flow %s (%q) started", id, ev.Name)
		r.startTrace(id, ev.Kind, ev.Name, at)
	}
}

func (r *Reconciler) startTrace(id string, kind execution.Kind, name string, at time.Time) {
	if r.recorder != nil {
		r.recorder.StartExecution(id, kind, name, at)
	}
}

// populateCrew fills agents and tasks, assigning an agent to every task that
// arrived without one.
func (r *Reconciler) populateCrew(st *execution.State, agents []events.AgentInfo, tasks []events.TaskInfo) {
	ids := make([]string, len(agents))
	for i, a := range agents {
		ids[i] = a.ID
		if ids[i] == "" {
			ids[i] = a.Role
		}
		name := a.Name
		if name == "" {
			name = a.Role
		}
		st.Agents = append(st.Agents, execution.Agent{
			ID:          ids[i],
			Role:        a.Role,
			Name:        name,
			Status:      execution.AgentWaiting,
			Description: truncate(a.Backstory, 100),
		})
	}

	for i, t := range tasks {
		taskID := t.ID
		if taskID == "" {
			taskID = "task_" + strconv.Itoa(i)
		}
		agentID := t.AgentID
		if agentID == "" && r.assigner != nil {
			if idx, ok := r.assigner.Assign(t, agents); ok && idx >= 0 && idx < len(ids) {
				agentID = ids[idx]
			}
		}
		st.Tasks = append(st.Tasks, execution.Task{
			ID:          taskID,
			Description: t.Description,
			Status:      execution.TaskPending,
			AgentID:     agentID,
		})
	}
}

func (r *Reconciler) onStepStarted(source events.Source, ev events.StepStarted) {
	if ev.Name == "" {
		r.drop(ev.EventType(), "", DropMalformed)
		return
	}
	id := r.resolve(source, ev.Kind, false)
	at := r.now(ev.Timestamp)
	scope := stepScope(ev.StepRef)

	state, changed := r.mutate(ev.EventType(), id, func(st *execution.State) bool {
		changed := st.StartStep(ev.Name, scope, at)
		if scope == execution.ScopeTask && st.Kind == execution.KindCrew {
			agentID := r.stepAgent(st, source, ev.StepRef)
			if st.UpsertTask(taskID(ev.StepRef), ev.Description, execution.TaskRunning, agentID, at) {
				changed = true
			}
			if agentID != "" && st.SetAgentStatus(agentID, execution.AgentRunning, at) {
				changed = true
			}
		}
		return changed
	})
	if changed && r.recorder != nil {
		r.recorder.StartStep(state.ID, ev.Name, scope, at)
	}
}

func (r *Reconciler) onStepFinished(source events.Source, ev events.StepFinished) {
	r.endStep(source, ev.EventType(), ev.StepRef, jsonx.Sanitize(ev.Output), "", ev.Timestamp)
}

func (r *Reconciler) onStepFailed(source events.Source, ev events.StepFailed) {
	errText := ev.Error
	if errText == "" {
		errText = "unknown error"
	}
	r.endStep(source, ev.EventType(), ev.StepRef, nil, errText, ev.Timestamp)
}

func (r *Reconciler) endStep(source events.Source, eventType events.Type, ref events.StepRef, output any, errText string, ts time.Time) {
	if ref.Name == "" {
		r.drop(eventType, "", DropMalformed)
		return
	}
	id := r.resolve(source, ref.Kind, false)
	at := r.now(ts)
	scope := stepScope(ref)

	missing := false
	state, changed := r.mutate(eventType, id, func(st *execution.State) bool {
		var changed bool
		if errText != "" {
			changed = st.FailStep(ref.Name, errText, at)
		} else {
			changed = st.FinishStep(ref.Name, output, at)
		}
		if !changed {
			missing = true
			return false
		}
		if scope == execution.ScopeTask && st.Kind == execution.KindCrew {
			status := execution.TaskCompleted
			if errText != "" {
				status = execution.TaskFailed
			}
			st.UpsertTask(taskID(ref), ref.Description, status, r.stepAgent(st, source, ref), at)
		}
		return true
	})
	if missing {
		r.drop(eventType, id, DropNoStep)
		return
	}
	if changed && r.recorder != nil {
		r.recorder.EndStep(state.ID, ref.Name, output, errText, at)
	}
}

// stepAgent names the agent working a task step: the event's, then the
// task's current assignment, then the agent the event came from.
func (r *Reconciler) stepAgent(st *execution.State, source events.Source, ref events.StepRef) string {
	if ref.AgentID != "" {
		return ref.AgentID
	}
	if task := st.Task(taskID(ref)); task != nil && task.AgentID != "" {
		return task.AgentID
	}
	if agent, ok := source.(events.AgentSource); ok {
		return agentByRole(st, agent.AgentRole())
	}
	return ""
}

func (r *Reconciler) onFinished(source events.Source, ev events.ExecutionFinished) {
	id := r.resolve(source, ev.Kind, false)
	at := r.now(ev.Timestamp)
	var output any
	if r.results != nil {
		output = jsonx.Sanitize(r.results.Extract(source, ev))
	}

	state, changed := r.mutate(ev.EventType(), id, func(st *execution.State) bool {
		if !st.Status.CanTransition(execution.StatusCompleted) {
			return false
		}
		if st.Kind == execution.KindCrew {
			st.CompleteCrewMembers(at)
		} else {
			st.CompleteRunningSteps(at)
		}
		return st.Complete(output, at)
	})
	if !changed {
		return
	}
	r.logger.Info("%s %s completed", state.Kind, state.ID)
	if r.recorder != nil {
		r.recorder.EndExecution(state.ID, execution.StatusCompleted, output, "", at)
	}
}

func (r *Reconciler) onFailed(source events.Source, ev events.ExecutionFailed) {
	id := r.resolve(source, ev.Kind, false)
	at := r.now(ev.Timestamp)
	errText := ev.Error
	if errText == "" {
		errText = "unknown error"
	}

	state, changed := r.mutate(ev.EventType(), id, func(st *execution.State) bool {
		return st.Fail(errText, at)
	})
	if !changed {
		return
	}
	r.logger.Warn("%s %s failed: %s", state.Kind, state.ID, errText)
	if r.recorder != nil {
		r.recorder.EndExecution(state.ID, execution.StatusFailed, nil, errText, at)
	}
}

func (r *Reconciler) onAgent(source events.Source, ev events.AgentExecution) {
	id := r.resolve(source, execution.KindCrew, false)
	at := r.now(ev.Timestamp)
	role := ev.AgentRole
	if role == "" {
		if agent, ok := source.(events.AgentSource); ok {
			role = agent.AgentRole()
		}
	}

	agentStatus, taskStatus := execution.AgentRunning, execution.TaskRunning
	switch ev.Phase {
	case events.AgentPhaseCompleted:
		agentStatus, taskStatus = execution.AgentCompleted, execution.TaskCompleted
	case events.AgentPhaseError:
		agentStatus, taskStatus = execution.AgentFailed, execution.TaskFailed
	}

	agentID := ev.AgentID
	state, changed := r.mutate(ev.EventType(), id, func(st *execution.State) bool {
		if st.Agent(agentID) == nil {
			agentID = agentByRole(st, role)
		}
		if agentID == "" {
			return false
		}
		changed := st.SetAgentStatus(agentID, agentStatus, at)
		if ev.TaskID != "" && st.UpsertTask(ev.TaskID, "", taskStatus, agentID, at) {
			changed = true
		}
		return changed
	})
	if state.ID == "" {
		return
	}
	if agentID == "" {
		r.logger.Debug("agent event for %s matches no agent (id=%q role=%q)", state.ID, ev.AgentID, role)
		return
	}
	if !changed || r.recorder == nil {
		return
	}
	switch ev.Phase {
	case events.AgentPhaseStarted:
		r.recorder.AgentStarted(state.ID, agentID, role, ev.TaskID, at)
	default:
		r.recorder.AgentEnded(state.ID, agentID, jsonx.Sanitize(ev.Output), ev.Error, at)
	}
}

func (r *Reconciler) onLLMCall(source events.Source, ev events.LLMCall) {
	data := map[string]any{}
	if ev.Prompt != nil {
		data["prompt"] = jsonx.Sanitize(ev.Prompt)
	}
	if ev.Response != nil {
		data["response"] = jsonx.Sanitize(ev.Response)
	}
	r.recordCall(source, ev.EventType(), telemetry.Call{
		Kind:    telemetry.CallLLM,
		Phase:   string(ev.Phase),
		AgentID: ev.AgentID,
		Name:    ev.Model,
		Error:   ev.Error,
		Data:    data,
	}, ev.Timestamp)
}

func (r *Reconciler) onToolUsage(source events.Source, ev events.ToolUsage) {
	data := map[string]any{}
	if len(ev.Args) > 0 {
		data["args"] = jsonx.Sanitize(ev.Args)
	}
	if ev.Output != nil {
		data["output"] = jsonx.Sanitize(ev.Output)
	}
	phase := string(ev.Phase)
	if ev.Phase == events.PhaseFailed {
		phase = "error"
	}
	r.recordCall(source, ev.EventType(), telemetry.Call{
		Kind:    telemetry.CallTool,
		Phase:   phase,
		AgentID: ev.AgentID,
		Name:    ev.ToolName,
		Error:   ev.Error,
		Data:    data,
	}, ev.Timestamp)
}

// recordCall forwards a telemetry-only event; it never touches the store.
func (r *Reconciler) recordCall(source events.Source, eventType events.Type, call telemetry.Call, ts time.Time) {
	if r.recorder == nil {
		return
	}
	id := r.resolve(source, "", false)
	if id == "" {
		r.drop(eventType, id, DropNoID)
		return
	}
	if call.Phase == "" {
		call.Phase = string(events.PhaseStarted)
	}
	if !r.recorder.RecordCall(id, call, r.now(ts)) {
		r.drop(eventType, id, DropNoTrace)
	}
}

func stepScope(ref events.StepRef) execution.StepScope {
	switch ref.Scope {
	case execution.ScopeTask, execution.ScopeTool:
		return ref.Scope
	}
	if ref.TaskID != "" {
		return execution.ScopeTask
	}
	return execution.ScopeMethod
}

func taskID(ref events.StepRef) string {
	if ref.TaskID != "" {
		return ref.TaskID
	}
	return ref.Name
}

func agentByRole(st *execution.State, role string) string {
	if role == "" {
		return ""
	}
	for _, a := range st.Agents {
		if strings.EqualFold(a.Role, role) {
			return a.ID
		}
	}
	return ""
}

func sanitizeMap(in map[string]any) map[string]any {
	if len(in) == 0 {
		return nil
	}
	out, _ := jsonx.Sanitize(in).(map[string]any)
	return out
}

func truncate(s string, n int) string {
	if len([]rune(s)) <= n {
		return s
	}
	return string([]rune(s)[:n]) + "..."
}
