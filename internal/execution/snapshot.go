package execution

import "time"

// CrewSummary is the crew header of a crew snapshot.
type CrewSummary struct {
	ID          string     `json:"id"`
	Name        string     `json:"name"`
	Status      Status     `json:"status"`
	Output      any        `json:"output,omitempty"`
	Error       string     `json:"error,omitempty"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// CrewSnapshot is the payload dashboards expect for crew executions.
type CrewSnapshot struct {
	Crew      CrewSummary `json:"crew"`
	Agents    []Agent     `json:"agents"`
	Tasks     []Task      `json:"tasks"`
	Steps     []Step      `json:"steps"`
	Timestamp time.Time   `json:"timestamp"`
}

// CrewView projects a state into the crew snapshot shape.
func (s State) CrewView() CrewSnapshot {
	agents := s.Agents
	if agents == nil {
		agents = []Agent{}
	}
	tasks := s.Tasks
	if tasks == nil {
		tasks = []Task{}
	}
	steps := s.Steps
	if steps == nil {
		steps = []Step{}
	}
	return CrewSnapshot{
		Crew: CrewSummary{
			ID:          s.ID,
			Name:        s.Name,
			Status:      s.Status,
			Output:      s.Output,
			Error:       s.Error,
			StartedAt:   s.CreatedAt,
			CompletedAt: s.CompletedAt,
		},
		Agents:    agents,
		Tasks:     tasks,
		Steps:     steps,
		Timestamp: s.Timestamp,
	}
}
