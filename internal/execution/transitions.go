package execution

import "time"

// Start moves the execution to RUNNING. It reports whether anything changed.
func (s *State) Start(name string, now time.Time) bool {
	changed := false
	if name != "" && s.Name != name {
		s.Name = name
		changed = true
	}
	if s.Status.CanTransition(StatusRunning) {
		s.Status = StatusRunning
		changed = true
	}
	if changed {
		s.Touch(now)
	}
	return changed
}

// Complete sets the terminal COMPLETED status and the output. Output is only
// ever written here, once.
func (s *State) Complete(output any, now time.Time) bool {
	if !s.Status.CanTransition(StatusCompleted) {
		return false
	}
	s.Status = StatusCompleted
	s.Output = output
	s.CompletedAt = &now
	s.Touch(now)
	return true
}

// Fail sets the terminal FAILED status and the error text.
func (s *State) Fail(errText string, now time.Time) bool {
	if !s.Status.CanTransition(StatusFailed) {
		return false
	}
	s.Status = StatusFailed
	s.Error = errText
	s.CompletedAt = &now
	s.Touch(now)
	return true
}

// StartStep marks the first non-terminal entry named id as running, or
// appends a new running entry when none exists.
func (s *State) StartStep(id string, scope StepScope, now time.Time) bool {
	for i := range s.Steps {
		step := &s.Steps[i]
		if step.ID != id || step.Status.IsTerminal() {
			continue
		}
		if step.Status == StatusRunning {
			return false
		}
		step.Status = StatusRunning
		s.Touch(now)
		return true
	}
	s.Steps = append(s.Steps, Step{
		ID:        id,
		Scope:     scope,
		Status:    StatusRunning,
		StartedAt: now,
	})
	s.Touch(now)
	return true
}

// runningStep returns the first entry named id that is still RUNNING.
func (s *State) runningStep(id string) *Step {
	for i := range s.Steps {
		if s.Steps[i].ID == id && s.Steps[i].Status == StatusRunning {
			return &s.Steps[i]
		}
	}
	return nil
}

// FinishStep completes the first running entry named id. It reports false
// when no such entry exists.
func (s *State) FinishStep(id string, outputs any, now time.Time) bool {
	step := s.runningStep(id)
	if step == nil {
		return false
	}
	step.Status = StatusCompleted
	step.Outputs = outputs
	step.CompletedAt = &now
	s.Touch(now)
	return true
}

// FailStep fails the first running entry named id.
func (s *State) FailStep(id, errText string, now time.Time) bool {
	step := s.runningStep(id)
	if step == nil {
		return false
	}
	step.Status = StatusFailed
	step.Error = errText
	step.CompletedAt = &now
	s.Touch(now)
	return true
}

// CompleteRunningSteps closes every step still running.
func (s *State) CompleteRunningSteps(now time.Time) bool {
	changed := false
	for i := range s.Steps {
		if s.Steps[i].Status == StatusRunning {
			s.Steps[i].Status = StatusCompleted
			s.Steps[i].CompletedAt = &now
			changed = true
		}
	}
	if changed {
		s.Touch(now)
	}
	return changed
}

// Agent returns the agent with id, or nil.
func (s *State) Agent(id string) *Agent {
	for i := range s.Agents {
		if s.Agents[i].ID == id {
			return &s.Agents[i]
		}
	}
	return nil
}

// Task returns the task with id, or nil.
func (s *State) Task(id string) *Task {
	for i := range s.Tasks {
		if s.Tasks[i].ID == id {
			return &s.Tasks[i]
		}
	}
	return nil
}

// SetAgentStatus updates a known agent. Unknown agents are ignored.
func (s *State) SetAgentStatus(id string, status AgentStatus, now time.Time) bool {
	agent := s.Agent(id)
	if agent == nil || agent.Status == status {
		return false
	}
	agent.Status = status
	s.Touch(now)
	return true
}

// UpsertTask sets the status of task id, adding it when missing. A non-empty
// agentID replaces the current assignment.
func (s *State) UpsertTask(id, description string, status TaskStatus, agentID string, now time.Time) bool {
	task := s.Task(id)
	if task == nil {
		s.Tasks = append(s.Tasks, Task{ID: id, Description: description, Status: status, AgentID: agentID})
		s.Touch(now)
		return true
	}
	changed := false
	if task.Status != status {
		task.Status = status
		changed = true
	}
	if agentID != "" && task.AgentID != agentID {
		task.AgentID = agentID
		changed = true
	}
	if task.Description == "" && description != "" {
		task.Description = description
		changed = true
	}
	if changed {
		s.Touch(now)
	}
	return changed
}

// CompleteCrewMembers marks every agent and task completed.
func (s *State) CompleteCrewMembers(now time.Time) bool {
	changed := false
	for i := range s.Agents {
		if s.Agents[i].Status != AgentCompleted {
			s.Agents[i].Status = AgentCompleted
			changed = true
		}
	}
	for i := range s.Tasks {
		if s.Tasks[i].Status != TaskCompleted {
			s.Tasks[i].Status = TaskCompleted
			changed = true
		}
	}
	if changed {
		s.Touch(now)
	}
	return changed
}
