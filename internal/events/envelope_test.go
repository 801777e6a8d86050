package events

import (
	"errors"
	"testing"
	"time"

	"crewwatch/internal/execution"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeStepStarted(t *testing.T) {
	raw := `{
		"type": "step_started",
		"source": {"id": "flow-int-1", "aliases": ["obj:7"]},
		"timestamp": "2025-03-01T12:00:00Z",
		"data": {"name": "fetch", "scope": "method", "kind": "flow"}
	}`

	source, event, err := Decode([]byte(raw))
	require.NoError(t, err)

	assert.Equal(t, "flow-int-1", source.SourceID())
	aliased, ok := source.(AliasedSource)
	require.True(t, ok)
	assert.Equal(t, []string{"obj:7"}, aliased.Aliases())

	step, ok := event.(StepStarted)
	require.True(t, ok)
	assert.Equal(t, "fetch", step.Name)
	assert.Equal(t, execution.ScopeMethod, step.Scope)
	assert.Equal(t, time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC), step.OccurredAt().UTC())
}

func TestDecodeCrewKickoffForcesKind(t *testing.T) {
	raw := `{"type":"crew_kickoff_started","source":{"id":"crew-1","agents":[{"id":"a1","role":"Writer"}],"tasks":[{"id":"t1","description":"Write"}]},"data":{"name":"crew","kind":"flow"}}`

	source, event, err := Decode([]byte(raw))
	require.NoError(t, err)

	started, ok := event.(ExecutionStarted)
	require.True(t, ok)
	assert.Equal(t, execution.KindCrew, started.Kind)
	assert.Equal(t, TypeCrewKickoffStarted, started.EventType())

	crew, ok := source.(CrewSource)
	require.True(t, ok)
	require.Len(t, crew.Agents(), 1)
	assert.Equal(t, "Writer", crew.Agents()[0].Role)
	require.Len(t, crew.Tasks(), 1)
}

func TestDecodePhasesFromType(t *testing.T) {
	_, event, err := Decode([]byte(`{"type":"tool_usage_error","data":{"tool_name":"search","error":"timeout","phase":"started"}}`))
	require.NoError(t, err)

	tool, ok := event.(ToolUsage)
	require.True(t, ok)
	assert.Equal(t, PhaseFailed, tool.Phase)
	assert.True(t, tool.EventType().IsTelemetry())
}

func TestDecodeUnknownType(t *testing.T) {
	_, _, err := Decode([]byte(`{"type":"bogus"}`))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnknownType))
}

func TestDecodeMalformedPayload(t *testing.T) {
	_, _, err := Decode([]byte(`{"type":"step_failed","data":{"name":42}}`))
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrUnknownType))
}

func TestDecodeWithoutSource(t *testing.T) {
	source, event, err := Decode([]byte(`{"type":"execution_failed","data":{"error":"boom"}}`))
	require.NoError(t, err)
	assert.Equal(t, "", source.SourceID())
	assert.Equal(t, "boom", event.(ExecutionFailed).Error)
}

func TestEncodeDecodeAgentEvent(t *testing.T) {
	src := &StaticSource{ID: "crew-1"}
	ev := AgentExecution{Phase: AgentPhaseCompleted, AgentID: "a1", TaskID: "t1", Output: "draft"}

	data, err := Encode(src, ev)
	require.NoError(t, err)

	source, decoded, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, "crew-1", source.SourceID())
	assert.Equal(t, ev, decoded)
}

func TestEveryTypeIsKnown(t *testing.T) {
	for _, typ := range []Type{
		TypeExecutionInitRequested, TypeCrewKickoffStarted, TypeFlowStarted,
		TypeStepStarted, TypeStepFinished, TypeStepFailed,
		TypeExecutionFinished, TypeExecutionFailed,
		TypeAgentStarted, TypeAgentCompleted, TypeAgentError,
		TypeLLMCallStarted, TypeLLMCallCompleted, TypeLLMCallFailed,
		TypeToolUsageStarted, TypeToolUsageFinished, TypeToolUsageError,
	} {
		assert.True(t, Known(typ), typ)
	}
}
