package events

// Source is the framework object an event was emitted from. Every capability
// beyond the ID is optional and discovered through the interfaces below.
type Source interface {
	// SourceID is the framework-internal run ID; it may be empty.
	SourceID() string
}

// AgentInfo describes a crew member as declared by the framework.
type AgentInfo struct {
	ID        string `json:"id,omitempty"`
	Role      string `json:"role"`
	Name      string `json:"name,omitempty"`
	Backstory string `json:"backstory,omitempty"`
}

// TaskInfo describes a crew task. AgentID is set when the framework already
// assigned an agent.
type TaskInfo struct {
	ID          string `json:"id,omitempty"`
	Description string `json:"description"`
	AgentID     string `json:"agent_id,omitempty"`
}

// CrewSource exposes crew members and tasks.
type CrewSource interface {
	Source
	Agents() []AgentInfo
	Tasks() []TaskInfo
}

// StatefulSource exposes the flow's state object.
type StatefulSource interface {
	Source
	State() map[string]any
}

// AliasedSource exposes additional identities, e.g. an object identity.
type AliasedSource interface {
	Source
	Aliases() []string
}

// AgentSource is a source that is itself an agent.
type AgentSource interface {
	Source
	AgentRole() string
}

// StaticSource is a plain value implementation of every source capability.
type StaticSource struct {
	ID          string         `json:"id,omitempty"`
	OtherIDs    []string       `json:"aliases,omitempty"`
	Role        string         `json:"role,omitempty"`
	CrewAgents  []AgentInfo    `json:"agents,omitempty"`
	CrewTasks   []TaskInfo     `json:"tasks,omitempty"`
	StateValues map[string]any `json:"state,omitempty"`
}

func (s *StaticSource) SourceID() string {
	if s == nil {
		return ""
	}
	return s.ID
}

func (s *StaticSource) Aliases() []string     { return s.OtherIDs }
func (s *StaticSource) Agents() []AgentInfo   { return s.CrewAgents }
func (s *StaticSource) Tasks() []TaskInfo     { return s.CrewTasks }
func (s *StaticSource) State() map[string]any { return s.StateValues }
func (s *StaticSource) AgentRole() string     { return s.Role }
