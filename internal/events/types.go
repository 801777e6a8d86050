// Package events defines the framework events the monitor consumes and the
// capabilities an event source may expose.
package events

import (
	"time"

	"crewwatch/internal/execution"
)

// Type names an event on the bus and on the ingestion wire.
type Type string

const (
	TypeExecutionInitRequested Type = "execution_init_requested"
	TypeCrewKickoffStarted     Type = "crew_kickoff_started"
	TypeFlowStarted            Type = "flow_started"
	TypeStepStarted            Type = "step_started"
	TypeStepFinished           Type = "step_finished"
	TypeStepFailed             Type = "step_failed"
	TypeExecutionFinished      Type = "execution_finished"
	TypeExecutionFailed        Type = "execution_failed"

	TypeAgentStarted   Type = "agent_execution_started"
	TypeAgentCompleted Type = "agent_execution_completed"
	TypeAgentError     Type = "agent_execution_error"

	TypeLLMCallStarted   Type = "llm_call_started"
	TypeLLMCallCompleted Type = "llm_call_completed"
	TypeLLMCallFailed    Type = "llm_call_failed"

	TypeToolUsageStarted  Type = "tool_usage_started"
	TypeToolUsageFinished Type = "tool_usage_finished"
	TypeToolUsageError    Type = "tool_usage_error"
)

// Event is anything emitted on the bus.
type Event interface {
	EventType() Type
	OccurredAt() time.Time
}

// Base carries the fields shared by every event.
type Base struct {
	Timestamp time.Time `json:"timestamp,omitempty"`
}

// OccurredAt returns when the framework emitted the event.
func (b Base) OccurredAt() time.Time { return b.Timestamp }

// ExecutionInitRequested is emitted by the control plane when it issues a
// canonical ID, before the framework has started anything.
type ExecutionInitRequested struct {
	Base
	ExecutionID string         `json:"execution_id"`
	Kind        execution.Kind `json:"kind"`
	Name        string         `json:"name"`
	Inputs      map[string]any `json:"inputs,omitempty"`
}

func (ExecutionInitRequested) EventType() Type { return TypeExecutionInitRequested }

// ExecutionStarted is a crew kickoff or a flow start.
type ExecutionStarted struct {
	Base
	Kind   execution.Kind `json:"kind"`
	Name   string         `json:"name"`
	Inputs map[string]any `json:"inputs,omitempty"`
}

func (e ExecutionStarted) EventType() Type {
	if e.Kind == execution.KindCrew {
		return TypeCrewKickoffStarted
	}
	return TypeFlowStarted
}

// StepRef identifies a step and, for task-level steps, the crew members
// involved.
type StepRef struct {
	Name        string              `json:"name"`
	Scope       execution.StepScope `json:"scope,omitempty"`
	Kind        execution.Kind      `json:"kind,omitempty"`
	TaskID      string              `json:"task_id,omitempty"`
	AgentID     string              `json:"agent_id,omitempty"`
	Description string              `json:"description,omitempty"`
}

// StepStarted opens a method, task or tool step.
type StepStarted struct {
	Base
	StepRef
	Params map[string]any `json:"params,omitempty"`
}

func (StepStarted) EventType() Type { return TypeStepStarted }

// StepFinished completes the first running step with the same name.
type StepFinished struct {
	Base
	StepRef
	Output any `json:"output,omitempty"`
}

func (StepFinished) EventType() Type { return TypeStepFinished }

// StepFailed fails the first running step with the same name.
type StepFailed struct {
	Base
	StepRef
	Error string `json:"error"`
}

func (StepFailed) EventType() Type { return TypeStepFailed }

// ExecutionFinished ends the execution. Result is the framework's own result
// value; the reconciler prefers what it can extract from the source state.
type ExecutionFinished struct {
	Base
	Kind   execution.Kind `json:"kind,omitempty"`
	Name   string         `json:"name,omitempty"`
	Result any            `json:"result,omitempty"`
}

func (ExecutionFinished) EventType() Type { return TypeExecutionFinished }

// ExecutionFailed ends the execution with an upstream error.
type ExecutionFailed struct {
	Base
	Kind  execution.Kind `json:"kind,omitempty"`
	Name  string         `json:"name,omitempty"`
	Error string         `json:"error"`
}

func (ExecutionFailed) EventType() Type { return TypeExecutionFailed }

// AgentPhase is the lifecycle point of an agent event.
type AgentPhase string

const (
	AgentPhaseStarted   AgentPhase = "started"
	AgentPhaseCompleted AgentPhase = "completed"
	AgentPhaseError     AgentPhase = "error"
)

// AgentExecution reports a crew member starting, finishing or failing a task.
type AgentExecution struct {
	Base
	Phase     AgentPhase `json:"phase"`
	AgentID   string     `json:"agent_id"`
	AgentRole string     `json:"agent_role,omitempty"`
	TaskID    string     `json:"task_id,omitempty"`
	Output    any        `json:"output,omitempty"`
	Error     string     `json:"error,omitempty"`
}

func (e AgentExecution) EventType() Type {
	switch e.Phase {
	case AgentPhaseCompleted:
		return TypeAgentCompleted
	case AgentPhaseError:
		return TypeAgentError
	default:
		return TypeAgentStarted
	}
}

// CallPhase is the lifecycle point of a telemetry-only event.
type CallPhase string

const (
	PhaseStarted  CallPhase = "started"
	PhaseFinished CallPhase = "finished"
	PhaseFailed   CallPhase = "failed"
)

// LLMCall is a pass-through telemetry event; it never mutates state.
type LLMCall struct {
	Base
	Phase    CallPhase `json:"phase"`
	Model    string    `json:"model,omitempty"`
	AgentID  string    `json:"agent_id,omitempty"`
	Prompt   any       `json:"prompt,omitempty"`
	Response any       `json:"response,omitempty"`
	Error    string    `json:"error,omitempty"`
}

func (e LLMCall) EventType() Type {
	switch e.Phase {
	case PhaseFinished:
		return TypeLLMCallCompleted
	case PhaseFailed:
		return TypeLLMCallFailed
	default:
		return TypeLLMCallStarted
	}
}

// ToolUsage is a pass-through telemetry event; it never mutates state.
type ToolUsage struct {
	Base
	Phase    CallPhase      `json:"phase"`
	ToolName string         `json:"tool_name"`
	AgentID  string         `json:"agent_id,omitempty"`
	Args     map[string]any `json:"args,omitempty"`
	Output   any            `json:"output,omitempty"`
	Error    string         `json:"error,omitempty"`
}

func (e ToolUsage) EventType() Type {
	switch e.Phase {
	case PhaseFinished:
		return TypeToolUsageFinished
	case PhaseFailed:
		return TypeToolUsageError
	default:
		return TypeToolUsageStarted
	}
}

// IsTelemetry reports whether t only feeds traces.
func (t Type) IsTelemetry() bool {
	switch t {
	case TypeLLMCallStarted, TypeLLMCallCompleted, TypeLLMCallFailed,
		TypeToolUsageStarted, TypeToolUsageFinished, TypeToolUsageError:
		return true
	default:
		return false
	}
}
