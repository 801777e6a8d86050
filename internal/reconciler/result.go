package reconciler

import (
	"crewwatch/internal/events"
)

// ResultExtractor derives the output recorded when an execution finishes.
type ResultExtractor interface {
	Extract(source events.Source, event events.ExecutionFinished) any
}

// ResultExtractorFunc adapts a function to ResultExtractor.
type ResultExtractorFunc func(source events.Source, event events.ExecutionFinished) any

func (f ResultExtractorFunc) Extract(source events.Source, event events.ExecutionFinished) any {
	return f(source, event)
}

// StateResultExtractor probes the source state for a well-known result field,
// falls back to the whole state without identity fields, and finally to the
// event's own result.
type StateResultExtractor struct {
	Fields         []string
	IdentityFields []string
}

// NewStateResultExtractor returns the default probing order.
func NewStateResultExtractor() *StateResultExtractor {
	return &StateResultExtractor{
		Fields:         []string{"result", "output", "outputs", "final_result"},
		IdentityFields: []string{"id", "flow_id", "execution_id", "run_id"},
	}
}

func (e *StateResultExtractor) Extract(source events.Source, event events.ExecutionFinished) any {
	stateful, ok := source.(events.StatefulSource)
	if !ok {
		return event.Result
	}
	state := stateful.State()
	if len(state) == 0 {
		return event.Result
	}
	for _, field := range e.Fields {
		if v, ok := state[field]; ok && v != nil {
			return v
		}
	}

	skip := make(map[string]bool, len(e.IdentityFields))
	for _, f := range e.IdentityFields {
		skip[f] = true
	}
	rest := make(map[string]any, len(state))
	for k, v := range state {
		if !skip[k] {
			rest[k] = v
		}
	}
	if len(rest) == 0 {
		return event.Result
	}
	return rest
}
