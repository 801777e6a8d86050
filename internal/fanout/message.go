// Package fanout turns committed execution snapshots into client messages and
// delivers them to every subscribed connection without blocking the emitter.
package fanout

import (
	"fmt"
	"time"

	"crewwatch/internal/connection"
	"crewwatch/internal/execution"
	"crewwatch/internal/jsonx"
)

// Outbound message types.
const (
	TypeFlowState             = "flow_state"
	TypeCrewState             = "crew_state"
	TypeConnectionEstablished = "connection_established"
	TypeCrewRegistered        = "crew_registered"
	TypePong                  = "pong"
	TypeError                 = "error"
)

// Message is the WebSocket wire envelope. State messages carry Payload;
// control messages use the top-level fields dashboards already expect.
type Message struct {
	Type      string     `json:"type"`
	Payload   any        `json:"payload,omitempty"`
	ClientID  string     `json:"client_id,omitempty"`
	CrewID    string     `json:"crew_id,omitempty"`
	Message   string     `json:"message,omitempty"`
	Timestamp *time.Time `json:"timestamp,omitempty"`
}

// StateMessage renders a snapshot in the shape of its kind.
func StateMessage(state execution.State) Message {
	if state.Kind == execution.KindCrew {
		return Message{Type: TypeCrewState, Payload: state.CrewView()}
	}
	return Message{Type: TypeFlowState, Payload: state}
}

// ErrorMessage renders a connection-level error.
func ErrorMessage(text string) Message {
	return Message{Type: TypeError, Message: text}
}

// Encode serializes msg. Values the encoder rejects are coerced field by field
// rather than failing the message.
func Encode(msg Message) ([]byte, error) {
	data, err := jsonx.Marshal(msg)
	if err == nil {
		return data, nil
	}
	safe := map[string]any{"type": msg.Type}
	if msg.Payload != nil {
		raw, perr := jsonx.Marshal(msg.Payload)
		if perr == nil {
			var generic any
			if uerr := jsonx.Unmarshal(raw, &generic); uerr == nil {
				safe["payload"] = generic
			}
		}
		if _, ok := safe["payload"]; !ok {
			safe["payload"] = jsonx.Sanitize(payloadTree(msg.Payload))
		}
	}
	if msg.ClientID != "" {
		safe["client_id"] = msg.ClientID
	}
	if msg.CrewID != "" {
		safe["crew_id"] = msg.CrewID
	}
	if msg.Message != "" {
		safe["message"] = msg.Message
	}
	if msg.Timestamp != nil {
		safe["timestamp"] = *msg.Timestamp
	}
	out, serr := jsonx.MarshalSafe(safe)
	if serr != nil {
		return nil, fmt.Errorf("encode %s message: %w", msg.Type, err)
	}
	return out, nil
}

// payloadTree exposes the loosely typed members of known payloads so that
// sanitizing coerces only the offending values.
func payloadTree(payload any) any {
	switch p := payload.(type) {
	case execution.State:
		return stateTree(p)
	case execution.CrewSnapshot:
		return map[string]any{
			"crew": map[string]any{
				"id":           p.Crew.ID,
				"name":         p.Crew.Name,
				"status":       p.Crew.Status,
				"output":       p.Crew.Output,
				"error":        p.Crew.Error,
				"started_at":   p.Crew.StartedAt,
				"completed_at": p.Crew.CompletedAt,
			},
			"agents":    p.Agents,
			"tasks":     p.Tasks,
			"steps":     stepsTree(p.Steps),
			"timestamp": p.Timestamp,
		}
	default:
		return payload
	}
}

func stateTree(s execution.State) map[string]any {
	return map[string]any{
		"id":           s.ID,
		"kind":         s.Kind,
		"name":         s.Name,
		"status":       s.Status,
		"steps":        stepsTree(s.Steps),
		"agents":       s.Agents,
		"tasks":        s.Tasks,
		"inputs":       s.Inputs,
		"output":       s.Output,
		"error":        s.Error,
		"timestamp":    s.Timestamp,
		"created_at":   s.CreatedAt,
		"completed_at": s.CompletedAt,
	}
}

func stepsTree(steps []execution.Step) []any {
	out := make([]any, 0, len(steps))
	for _, step := range steps {
		out = append(out, map[string]any{
			"id":           step.ID,
			"scope":        step.Scope,
			"status":       step.Status,
			"outputs":      step.Outputs,
			"error":        step.Error,
			"started_at":   step.StartedAt,
			"completed_at": step.CompletedAt,
		})
	}
	return out
}

// SnapshotOutbound encodes a snapshot for a connection queue.
func SnapshotOutbound(state execution.State) (connection.Outbound, error) {
	data, err := Encode(StateMessage(state))
	if err != nil {
		return connection.Outbound{}, err
	}
	return connection.Outbound{Data: data, ExecutionID: state.ID, Version: state.Version}, nil
}
