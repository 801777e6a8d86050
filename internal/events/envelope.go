package events

import (
	"errors"
	"fmt"
	"time"

	"crewwatch/internal/execution"
	"crewwatch/internal/jsonx"
)

// ErrUnknownType is returned when an envelope names no known event.
var ErrUnknownType = errors.New("events: unknown event type")

// Envelope is the ingestion wire format: a typed event plus a description of
// the source it was emitted from.
type Envelope struct {
	Type      Type             `json:"type"`
	Source    *StaticSource    `json:"source,omitempty"`
	Timestamp time.Time        `json:"timestamp,omitempty"`
	Data      jsonx.RawMessage `json:"data,omitempty"`
}

var factories = map[Type]func() Event{
	TypeExecutionInitRequested: func() Event { return &ExecutionInitRequested{} },
	TypeCrewKickoffStarted:     func() Event { return &ExecutionStarted{Kind: execution.KindCrew} },
	TypeFlowStarted:            func() Event { return &ExecutionStarted{Kind: execution.KindFlow} },
	TypeStepStarted:            func() Event { return &StepStarted{} },
	TypeStepFinished:           func() Event { return &StepFinished{} },
	TypeStepFailed:             func() Event { return &StepFailed{} },
	TypeExecutionFinished:      func() Event { return &ExecutionFinished{} },
	TypeExecutionFailed:        func() Event { return &ExecutionFailed{} },
	TypeAgentStarted:           func() Event { return &AgentExecution{Phase: AgentPhaseStarted} },
	TypeAgentCompleted:         func() Event { return &AgentExecution{Phase: AgentPhaseCompleted} },
	TypeAgentError:             func() Event { return &AgentExecution{Phase: AgentPhaseError} },
	TypeLLMCallStarted:         func() Event { return &LLMCall{Phase: PhaseStarted} },
	TypeLLMCallCompleted:       func() Event { return &LLMCall{Phase: PhaseFinished} },
	TypeLLMCallFailed:          func() Event { return &LLMCall{Phase: PhaseFailed} },
	TypeToolUsageStarted:       func() Event { return &ToolUsage{Phase: PhaseStarted} },
	TypeToolUsageFinished:      func() Event { return &ToolUsage{Phase: PhaseFinished} },
	TypeToolUsageError:         func() Event { return &ToolUsage{Phase: PhaseFailed} },
}

// Known reports whether t is a registered event type.
func Known(t Type) bool {
	_, ok := factories[t]
	return ok
}

// Decode parses an envelope into its source and a value-typed event.
func Decode(data []byte) (Source, Event, error) {
	var env Envelope
	if err := jsonx.Unmarshal(data, &env); err != nil {
		return nil, nil, fmt.Errorf("decode envelope: %w", err)
	}
	return env.Open()
}

// Open decodes the typed payload of an already parsed envelope.
func (env Envelope) Open() (Source, Event, error) {
	factory, ok := factories[env.Type]
	if !ok {
		return nil, nil, fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
	}
	target := factory()
	if len(env.Data) > 0 && string(env.Data) != "null" {
		if err := jsonx.Unmarshal(env.Data, target); err != nil {
			return nil, nil, fmt.Errorf("decode %s payload: %w", env.Type, err)
		}
	}
	event := deref(target, env.Type)
	event = withTimestamp(event, env.Timestamp)

	var source Source
	if env.Source != nil {
		source = env.Source
	} else {
		source = &StaticSource{}
	}
	return source, event, nil
}

// Encode wraps event and source into an envelope.
func Encode(source *StaticSource, event Event) ([]byte, error) {
	data, err := jsonx.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", event.EventType(), err)
	}
	return jsonx.Marshal(Envelope{
		Type:      event.EventType(),
		Source:    source,
		Timestamp: event.OccurredAt(),
		Data:      data,
	})
}

// deref converts the decoding target back to the value type handlers switch
// on. The phase and kind implied by the envelope type win over the payload.
func deref(target Event, t Type) Event {
	switch e := target.(type) {
	case *ExecutionInitRequested:
		return *e
	case *ExecutionStarted:
		if t == TypeCrewKickoffStarted {
			e.Kind = execution.KindCrew
		} else {
			e.Kind = execution.KindFlow
		}
		return *e
	case *StepStarted:
		return *e
	case *StepFinished:
		return *e
	case *StepFailed:
		return *e
	case *ExecutionFinished:
		return *e
	case *ExecutionFailed:
		return *e
	case *AgentExecution:
		e.Phase = agentPhases[t]
		return *e
	case *LLMCall:
		e.Phase = callPhases[t]
		return *e
	case *ToolUsage:
		e.Phase = callPhases[t]
		return *e
	default:
		return target
	}
}

var agentPhases = map[Type]AgentPhase{
	TypeAgentStarted:   AgentPhaseStarted,
	TypeAgentCompleted: AgentPhaseCompleted,
	TypeAgentError:     AgentPhaseError,
}

var callPhases = map[Type]CallPhase{
	TypeLLMCallStarted:    PhaseStarted,
	TypeLLMCallCompleted:  PhaseFinished,
	TypeLLMCallFailed:     PhaseFailed,
	TypeToolUsageStarted:  PhaseStarted,
	TypeToolUsageFinished: PhaseFinished,
	TypeToolUsageError:    PhaseFailed,
}

func withTimestamp(event Event, ts time.Time) Event {
	if ts.IsZero() || !event.OccurredAt().IsZero() {
		return event
	}
	switch e := event.(type) {
	case ExecutionInitRequested:
		e.Timestamp = ts
		return e
	case ExecutionStarted:
		e.Timestamp = ts
		return e
	case StepStarted:
		e.Timestamp = ts
		return e
	case StepFinished:
		e.Timestamp = ts
		return e
	case StepFailed:
		e.Timestamp = ts
		return e
	case ExecutionFinished:
		e.Timestamp = ts
		return e
	case ExecutionFailed:
		e.Timestamp = ts
		return e
	case AgentExecution:
		e.Timestamp = ts
		return e
	case LLMCall:
		e.Timestamp = ts
		return e
	case ToolUsage:
		e.Timestamp = ts
		return e
	default:
		return event
	}
}
