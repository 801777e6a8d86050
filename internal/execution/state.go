// Package execution defines the mirrored state of a crew or flow run and the
// forward-only transitions applied to it by the reconciler.
package execution

import (
	"time"
)

// Kind distinguishes multi-agent crews from step-graph flows.
type Kind string

const (
	KindCrew Kind = "crew"
	KindFlow Kind = "flow"
)

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	return k == KindCrew || k == KindFlow
}

// Status represents the lifecycle state of an execution or a step.
type Status string

const (
	StatusInitializing Status = "initializing"
	StatusRunning      Status = "running"
	StatusCompleted    Status = "completed"
	StatusFailed       Status = "failed"
)

// IsTerminal reports whether the status is a final state.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed:
		return true
	default:
		return false
	}
}

func (s Status) rank() int {
	switch s {
	case StatusInitializing:
		return 1
	case StatusRunning:
		return 2
	case StatusCompleted, StatusFailed:
		return 3
	default:
		return 0
	}
}

// CanTransition reports whether moving from s to next keeps the lifecycle
// forward only. Nothing leaves a terminal status.
func (s Status) CanTransition(next Status) bool {
	if s.IsTerminal() {
		return false
	}
	return next.rank() > s.rank()
}

// AgentStatus tracks a crew member.
type AgentStatus string

const (
	AgentWaiting   AgentStatus = "waiting"
	AgentRunning   AgentStatus = "running"
	AgentCompleted AgentStatus = "completed"
	AgentFailed    AgentStatus = "failed"
)

// TaskStatus tracks a crew task.
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
)

// StepScope records which framework level produced a step.
type StepScope string

const (
	ScopeMethod StepScope = "method"
	ScopeTask   StepScope = "task"
	ScopeTool   StepScope = "tool"
)

// Step is one entry of the ordered step list. ID is the step, method or task
// name and is only unique within a single run.
type Step struct {
	ID          string     `json:"id"`
	Scope       StepScope  `json:"scope,omitempty"`
	Status      Status     `json:"status"`
	Outputs     any        `json:"outputs,omitempty"`
	Error       string     `json:"error,omitempty"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Agent is a crew member as reported by the framework.
type Agent struct {
	ID          string      `json:"id"`
	Role        string      `json:"role"`
	Name        string      `json:"name"`
	Status      AgentStatus `json:"status"`
	Description string      `json:"description,omitempty"`
}

// Task is a crew task and the agent it is assigned to.
type Task struct {
	ID          string     `json:"id"`
	Description string     `json:"description"`
	Status      TaskStatus `json:"status"`
	AgentID     string     `json:"agent_id,omitempty"`
}

// State mirrors one execution. Exactly one State exists per canonical ID.
type State struct {
	ID          string         `json:"id"`
	Kind        Kind           `json:"kind"`
	Name        string         `json:"name"`
	Status      Status         `json:"status"`
	Steps       []Step         `json:"steps"`
	Agents      []Agent        `json:"agents,omitempty"`
	Tasks       []Task         `json:"tasks,omitempty"`
	Inputs      map[string]any `json:"inputs,omitempty"`
	Output      any            `json:"output,omitempty"`
	Error       string         `json:"error,omitempty"`
	Timestamp   time.Time      `json:"timestamp"`
	CreatedAt   time.Time      `json:"created_at"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`

	// Version increases on every committed mutation. Connections use it to
	// discard snapshots older than one already delivered.
	Version uint64 `json:"-"`
}

// New returns a fresh record in the given status.
func New(id string, kind Kind, name string, status Status, now time.Time) *State {
	return &State{
		ID:        id,
		Kind:      kind,
		Name:      name,
		Status:    status,
		Steps:     []Step{},
		Timestamp: now,
		CreatedAt: now,
	}
}

// Clone returns a deep copy safe to hand to other goroutines. Output and step
// outputs are shared; they are never mutated after being set.
func (s *State) Clone() State {
	out := *s
	out.Steps = append([]Step(nil), s.Steps...)
	if out.Steps == nil {
		out.Steps = []Step{}
	}
	for i := range out.Steps {
		if t := out.Steps[i].CompletedAt; t != nil {
			v := *t
			out.Steps[i].CompletedAt = &v
		}
	}
	if s.Agents != nil {
		out.Agents = append([]Agent(nil), s.Agents...)
	}
	if s.Tasks != nil {
		out.Tasks = append([]Task(nil), s.Tasks...)
	}
	if s.Inputs != nil {
		out.Inputs = make(map[string]any, len(s.Inputs))
		for k, v := range s.Inputs {
			out.Inputs[k] = v
		}
	}
	if s.CompletedAt != nil {
		v := *s.CompletedAt
		out.CompletedAt = &v
	}
	return out
}

// Touch advances the timestamp without ever moving it backwards.
func (s *State) Touch(now time.Time) {
	if now.After(s.Timestamp) {
		s.Timestamp = now
	}
}

// IsTerminal reports whether the execution has finished.
func (s *State) IsTerminal() bool {
	return s.Status.IsTerminal()
}
