package reconciler

import (
	"sync"
	"testing"
	"time"

	"crewwatch/internal/eventbus"
	"crewwatch/internal/events"
	"crewwatch/internal/execution"
	"crewwatch/internal/identity"
	"crewwatch/internal/logging"
	"crewwatch/internal/store"
	"crewwatch/internal/telemetry"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

type dropRecorder struct {
	mu    sync.Mutex
	drops []string
}

func (d *dropRecorder) RecordDropped(eventType, reason string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.drops = append(d.drops, eventType+":"+reason)
}

func (d *dropRecorder) all() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.drops...)
}

type harness struct {
	bus      *eventbus.Bus
	store    *store.Store
	resolver *identity.Resolver
	recorder *telemetry.Recorder
	drops    *dropRecorder
	rec      *Reconciler
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	st, err := store.New(16)
	require.NoError(t, err)
	h := &harness{
		bus:      eventbus.New(logging.Nop(), nil),
		store:    st,
		resolver: identity.NewResolver(),
		recorder: telemetry.NewRecorder(100, nil),
		drops:    &dropRecorder{},
	}
	h.rec = New(st, h.resolver,
		WithRecorder(h.recorder),
		WithMetrics(h.drops),
		WithLogger(logging.Nop()),
		WithClock(func() time.Time { return t0 }),
	)
	require.True(t, h.rec.Attach(h.bus))
	return h
}

func (h *harness) state(t *testing.T, id string) execution.State {
	t.Helper()
	st, err := h.store.Get(id)
	require.NoError(t, err)
	return st
}

func crewSource(id string) *events.StaticSource {
	return &events.StaticSource{
		ID:         id,
		CrewAgents: []events.AgentInfo{{ID: "A", Role: "Researcher"}},
		CrewTasks:  []events.TaskInfo{{ID: "T", Description: "Collect sources"}},
	}
}

func at(sec int) events.Base {
	return events.Base{Timestamp: t0.Add(time.Duration(sec) * time.Second)}
}

func TestScenarioRun1(t *testing.T) {
	h := newHarness(t)
	src := crewSource("internal-42")

	h.bus.Emit(nil, events.ExecutionInitRequested{Base: at(0), ExecutionID: "run1", Kind: execution.KindCrew, Name: "Crew"})
	assert.Equal(t, execution.StatusInitializing, h.state(t, "run1").Status)

	h.bus.Emit(src, events.ExecutionStarted{Base: at(1), Kind: execution.KindCrew, Name: "Crew"})
	h.bus.Emit(src, events.StepStarted{Base: at(2), StepRef: events.StepRef{Name: "T"}})
	h.bus.Emit(src, events.StepFinished{Base: at(3), StepRef: events.StepRef{Name: "T"}, Output: "ok"})
	h.bus.Emit(src, events.ExecutionFinished{Base: at(4), Result: "done"})

	st := h.state(t, "run1")
	assert.Equal(t, "run1", st.ID)
	assert.Equal(t, execution.StatusCompleted, st.Status)
	assert.Equal(t, "done", st.Output)
	require.Len(t, st.Steps, 1)
	assert.Equal(t, "T", st.Steps[0].ID)
	assert.Equal(t, execution.StatusCompleted, st.Steps[0].Status)
	assert.Equal(t, "ok", st.Steps[0].Outputs)

	require.Len(t, st.Agents, 1)
	assert.Equal(t, execution.AgentCompleted, st.Agents[0].Status)
	require.Len(t, st.Tasks, 1)
	assert.Equal(t, execution.TaskCompleted, st.Tasks[0].Status)
	assert.Equal(t, "A", st.Tasks[0].AgentID)

	canonical, ok := h.resolver.Lookup("internal-42")
	require.True(t, ok)
	assert.Equal(t, "run1", canonical)
	assert.Empty(t, h.drops.all())

	tr, ok := h.recorder.Get("run1")
	require.True(t, ok)
	assert.Equal(t, execution.StatusCompleted, tr.Status)
}

func TestPassthroughIDIsNotPairedWithAnotherRun(t *testing.T) {
	h := newHarness(t)
	src := crewSource("run1")

	h.bus.Emit(nil, events.ExecutionInitRequested{Base: at(0), ExecutionID: "run1", Kind: execution.KindCrew, Name: "Crew"})
	require.Equal(t, 1, h.resolver.Pending())

	h.bus.Emit(src, events.ExecutionStarted{Base: at(1), Kind: execution.KindCrew, Name: "Crew"})
	h.bus.Emit(src, events.StepStarted{Base: at(2), StepRef: events.StepRef{Name: "T"}})
	assert.Equal(t, 0, h.resolver.Pending())

	other := &events.StaticSource{
		ID:         "unrelated-internal",
		CrewAgents: []events.AgentInfo{{ID: "Z", Role: "Writer"}},
	}
	h.bus.Emit(other, events.ExecutionStarted{Base: at(3), Kind: execution.KindCrew, Name: "Other"})

	st := h.state(t, "run1")
	assert.Equal(t, "Crew", st.Name)
	assert.Equal(t, execution.StatusRunning, st.Status)
	require.Len(t, st.Steps, 1)
	assert.Equal(t, "T", st.Steps[0].ID)
	require.Len(t, st.Agents, 1)
	assert.Equal(t, "A", st.Agents[0].ID)

	canonical, ok := h.resolver.Lookup("unrelated-internal")
	require.True(t, ok)
	assert.Equal(t, "unrelated-internal", canonical)
	assert.Equal(t, "Other", h.state(t, "unrelated-internal").Name)
	assert.Equal(t, 0, h.resolver.Pending())
}

func TestCrewRestartClearsPreviousRun(t *testing.T) {
	h := newHarness(t)
	src := crewSource("crew-1")

	h.bus.Emit(src, events.ExecutionStarted{Base: at(0), Kind: execution.KindCrew, Name: "Crew"})
	h.bus.Emit(src, events.StepStarted{Base: at(1), StepRef: events.StepRef{Name: "T", Scope: execution.ScopeTask}})
	require.Len(t, h.state(t, "crew-1").Steps, 1)

	second := &events.StaticSource{
		ID:         "crew-1",
		CrewAgents: []events.AgentInfo{{ID: "B", Role: "Writer"}},
		CrewTasks:  []events.TaskInfo{{ID: "U", Description: "Write"}},
	}
	h.bus.Emit(second, events.ExecutionStarted{Base: at(2), Kind: execution.KindCrew, Name: "Crew"})

	st := h.state(t, "crew-1")
	assert.Equal(t, execution.StatusRunning, st.Status)
	assert.Empty(t, st.Steps)
	require.Len(t, st.Agents, 1)
	assert.Equal(t, "B", st.Agents[0].ID)
	require.Len(t, st.Tasks, 1)
	assert.Equal(t, "U", st.Tasks[0].ID)
}

func TestCrewKickoffAssignsAgents(t *testing.T) {
	h := newHarness(t)
	src := &events.StaticSource{
		ID: "crew-2",
		CrewAgents: []events.AgentInfo{
			{Role: "Content Writer", Backstory: "Writes"},
			{ID: "ra", Role: "Research Analyst", Name: "Rae"},
		},
		CrewTasks: []events.TaskInfo{
			{Description: "Research the competitive landscape"},
			{ID: "t2", Description: "Draft", AgentID: "Content Writer"},
		},
	}
	h.bus.Emit(src, events.ExecutionStarted{Base: at(0), Kind: execution.KindCrew, Name: "Crew"})

	st := h.state(t, "crew-2")
	require.Len(t, st.Agents, 2)
	assert.Equal(t, "Content Writer", st.Agents[0].ID)
	assert.Equal(t, "Content Writer", st.Agents[0].Name)
	assert.Equal(t, "Rae", st.Agents[1].Name)
	assert.Equal(t, execution.AgentWaiting, st.Agents[1].Status)

	require.Len(t, st.Tasks, 2)
	assert.Equal(t, "task_0", st.Tasks[0].ID)
	assert.Equal(t, "ra", st.Tasks[0].AgentID)
	assert.Equal(t, execution.TaskPending, st.Tasks[0].Status)
	assert.Equal(t, "Content Writer", st.Tasks[1].AgentID)
}

func TestAgentDescriptionTruncated(t *testing.T) {
	h := newHarness(t)
	long := make([]rune, 120)
	for i := range long {
		long[i] = 'x'
	}
	src := &events.StaticSource{ID: "crew-3", CrewAgents: []events.AgentInfo{{ID: "a", Role: "R", Backstory: string(long)}}}
	h.bus.Emit(src, events.ExecutionStarted{Kind: execution.KindCrew})

	desc := h.state(t, "crew-3").Agents[0].Description
	assert.Len(t, desc, 103)
	assert.Equal(t, "...", desc[100:])
}

func TestAgentLifecycleUpdatesTasks(t *testing.T) {
	h := newHarness(t)
	src := crewSource("crew-4")
	h.bus.Emit(src, events.ExecutionStarted{Base: at(0), Kind: execution.KindCrew})

	h.bus.Emit(src, events.AgentExecution{Base: at(1), Phase: events.AgentPhaseStarted, AgentID: "A", TaskID: "T"})
	st := h.state(t, "crew-4")
	assert.Equal(t, execution.AgentRunning, st.Agents[0].Status)
	assert.Equal(t, execution.TaskRunning, st.Tasks[0].Status)

	h.bus.Emit(src, events.AgentExecution{Base: at(2), Phase: events.AgentPhaseError, AgentRole: "researcher", TaskID: "T", Error: "rate limited"})
	st = h.state(t, "crew-4")
	assert.Equal(t, execution.AgentFailed, st.Agents[0].Status)
	assert.Equal(t, execution.TaskFailed, st.Tasks[0].Status)

	tr, _ := h.recorder.Get("crew-4")
	last := tr.Events[len(tr.Events)-1]
	assert.Equal(t, "agent.failed", last.Type)
	assert.Equal(t, "A", last.AgentID)
}

func TestTaskStepFallsBackToSourceAgent(t *testing.T) {
	h := newHarness(t)
	src := &events.StaticSource{
		ID:         "crew-5",
		CrewAgents: []events.AgentInfo{{ID: "w", Role: "Writer"}, {ID: "e", Role: "Editor"}, {ID: "p", Role: "Publisher"}},
	}
	h.bus.Emit(src, events.ExecutionStarted{Base: at(0), Kind: execution.KindCrew})

	agentSrc := &events.StaticSource{ID: "crew-5", Role: "Editor"}
	h.bus.Emit(agentSrc, events.StepStarted{Base: at(1), StepRef: events.StepRef{Name: "Polish", Scope: execution.ScopeTask, Description: "Polish the draft"}})

	st := h.state(t, "crew-5")
	require.Len(t, st.Tasks, 1)
	assert.Equal(t, "Polish", st.Tasks[0].ID)
	assert.Equal(t, "e", st.Tasks[0].AgentID)
	assert.Equal(t, execution.TaskRunning, st.Tasks[0].Status)
	assert.Equal(t, execution.AgentRunning, st.Agent("e").Status)
}

func TestFlowLifecycle(t *testing.T) {
	h := newHarness(t)
	src := &events.StaticSource{ID: "flow-internal", StateValues: map[string]any{"id": "flow-internal", "result": 42}}

	h.bus.Emit(nil, events.ExecutionInitRequested{Base: at(0), ExecutionID: "f1", Kind: execution.KindFlow, Name: "Pipeline"})
	h.bus.Emit(src, events.ExecutionStarted{Base: at(1), Kind: execution.KindFlow, Name: "Pipeline", Inputs: map[string]any{"topic": "go"}})
	h.bus.Emit(src, events.StepStarted{Base: at(2), StepRef: events.StepRef{Name: "fetch"}})
	h.bus.Emit(src, events.StepStarted{Base: at(3), StepRef: events.StepRef{Name: "parse"}})
	h.bus.Emit(src, events.StepFailed{Base: at(4), StepRef: events.StepRef{Name: "fetch"}, Error: "404"})
	h.bus.Emit(src, events.ExecutionFinished{Base: at(5), Result: "ignored"})

	st := h.state(t, "f1")
	assert.Equal(t, execution.StatusCompleted, st.Status)
	assert.Equal(t, 42, st.Output)
	assert.Equal(t, map[string]any{"topic": "go"}, st.Inputs)
	require.Len(t, st.Steps, 2)
	assert.Equal(t, execution.StatusFailed, st.Steps[0].Status)
	assert.Equal(t, "404", st.Steps[0].Error)
	assert.Equal(t, execution.StatusCompleted, st.Steps[1].Status, "running steps close with the flow")
}

func TestFlowStartOnTerminalRecordIgnored(t *testing.T) {
	h := newHarness(t)
	src := &events.StaticSource{ID: "f2"}
	h.bus.Emit(src, events.ExecutionStarted{Base: at(0), Kind: execution.KindFlow, Name: "F"})
	h.bus.Emit(src, events.ExecutionFailed{Base: at(1), Error: "boom"})
	h.bus.Emit(src, events.ExecutionStarted{Base: at(2), Kind: execution.KindFlow, Name: "F"})

	st := h.state(t, "f2")
	assert.Equal(t, execution.StatusFailed, st.Status)
	assert.Equal(t, "boom", st.Error)
	assert.Contains(t, h.drops.all(), "flow_started:terminal")
}

func TestSameInternalIDWithoutMappingCollides(t *testing.T) {
	h := newHarness(t)
	src := &events.StaticSource{ID: "shared"}
	h.bus.Emit(src, events.ExecutionStarted{Base: at(0), Kind: execution.KindFlow, Name: "A"})
	h.bus.Emit(src, events.ExecutionStarted{Base: at(1), Kind: execution.KindFlow, Name: "B"})

	assert.Equal(t, 1, h.store.Len())
	st := h.state(t, "shared")
	assert.Equal(t, "B", st.Name)
}

func TestMissingRecordAndStepAreDropped(t *testing.T) {
	h := newHarness(t)
	ghost := &events.StaticSource{ID: "ghost"}
	h.bus.Emit(ghost, events.StepStarted{StepRef: events.StepRef{Name: "s"}})
	h.bus.Emit(ghost, events.ExecutionFinished{Result: "x"})
	assert.Equal(t, 0, h.store.Len())

	src := &events.StaticSource{ID: "f3"}
	h.bus.Emit(src, events.ExecutionStarted{Kind: execution.KindFlow})
	h.bus.Emit(src, events.StepFinished{StepRef: events.StepRef{Name: "never-started"}, Output: 1})
	h.bus.Emit(src, events.StepStarted{})

	assert.Equal(t, []string{
		"step_started:no_record",
		"execution_finished:no_record",
		"step_finished:no_step",
		"step_started:malformed",
	}, h.drops.all())
	assert.Empty(t, h.state(t, "f3").Steps)
}

func TestStepStartedTwiceKeepsOneRunningEntry(t *testing.T) {
	h := newHarness(t)
	src := &events.StaticSource{ID: "f4"}
	h.bus.Emit(src, events.ExecutionStarted{Kind: execution.KindFlow})
	h.bus.Emit(src, events.StepStarted{StepRef: events.StepRef{Name: "loop"}})
	h.bus.Emit(src, events.StepStarted{StepRef: events.StepRef{Name: "loop"}})
	h.bus.Emit(src, events.StepFinished{StepRef: events.StepRef{Name: "loop"}, Output: "a"})
	h.bus.Emit(src, events.StepStarted{StepRef: events.StepRef{Name: "loop"}})

	steps := h.state(t, "f4").Steps
	require.Len(t, steps, 2)
	assert.Equal(t, execution.StatusCompleted, steps[0].Status)
	assert.Equal(t, execution.StatusRunning, steps[1].Status)
}

func TestTelemetryEventsDoNotMutateState(t *testing.T) {
	h := newHarness(t)
	src := &events.StaticSource{ID: "f5"}
	h.bus.Emit(src, events.ExecutionStarted{Kind: execution.KindFlow})
	before := h.state(t, "f5").Version

	h.bus.Emit(src, events.LLMCall{Phase: events.PhaseStarted, Model: "gpt-4o", Prompt: "hi"})
	h.bus.Emit(src, events.LLMCall{Phase: events.PhaseFinished, Model: "gpt-4o", Response: "hello"})
	h.bus.Emit(src, events.ToolUsage{Phase: events.PhaseFailed, ToolName: "search", Error: "down"})

	assert.Equal(t, before, h.state(t, "f5").Version)
	tr, ok := h.recorder.Get("f5")
	require.True(t, ok)
	var types []string
	for _, ev := range tr.Events {
		types = append(types, ev.Type)
	}
	assert.Equal(t, []string{"flow.started", "llm_call_started", "llm_call_finished", "tool_usage_error"}, types)

	h.bus.Emit(&events.StaticSource{ID: "nowhere"}, events.ToolUsage{ToolName: "x"})
	assert.Equal(t, []string{"tool_usage_started:no_trace"}, h.drops.all())
}

func TestAttachIsIdempotent(t *testing.T) {
	h := newHarness(t)
	assert.False(t, h.rec.Attach(h.bus))
	assert.Equal(t, 1, h.bus.HandlerCount(events.TypeStepStarted))
	assert.Equal(t, 1, h.bus.HandlerCount(events.TypeToolUsageError))
}

func TestUnserializableOutputIsCoerced(t *testing.T) {
	h := newHarness(t)
	src := &events.StaticSource{ID: "f6"}
	h.bus.Emit(src, events.ExecutionStarted{Kind: execution.KindFlow})
	h.bus.Emit(src, events.StepStarted{StepRef: events.StepRef{Name: "s"}})
	h.bus.Emit(src, events.StepFinished{StepRef: events.StepRef{Name: "s"}, Output: map[string]any{"fn": func() {}, "n": 1}})

	out, ok := h.state(t, "f6").Steps[0].Outputs.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, 1, out["n"])
	assert.IsType(t, "", out["fn"])
}

func TestConcurrentExecutions(t *testing.T) {
	h := newHarness(t)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			src := &events.StaticSource{ID: "flow-" + string(rune('a'+n))}
			h.bus.Emit(src, events.ExecutionStarted{Kind: execution.KindFlow})
			for j := 0; j < 20; j++ {
				h.bus.Emit(src, events.StepStarted{StepRef: events.StepRef{Name: "s"}})
				h.bus.Emit(src, events.StepFinished{StepRef: events.StepRef{Name: "s"}})
			}
			h.bus.Emit(src, events.ExecutionFinished{})
		}(i)
	}
	wg.Wait()

	for _, st := range h.store.List() {
		assert.Equal(t, execution.StatusCompleted, st.Status)
		assert.Len(t, st.Steps, 20)
	}
	assert.Equal(t, 8, h.store.Len())
}
