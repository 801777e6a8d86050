package reconciler

import (
	"strings"
	"unicode"

	"crewwatch/internal/events"
)

// Assigner picks the agent for a task that arrived without one. It returns
// the index into agents, or false when no agent fits.
type Assigner interface {
	Assign(task events.TaskInfo, agents []events.AgentInfo) (int, bool)
}

// Weights tune the keyword scorer.
type Weights struct {
	SharedWord    int
	MinWordLength int
	Research      int
	Analyst       int
}

// DefaultWeights is the scoring the dashboard has always used.
var DefaultWeights = Weights{
	SharedWord:    1,
	MinWordLength: 4,
	Research:      3,
	Analyst:       3,
}

var analystKeywords = []string{"analyz", "review", "report"}

var reportKeywords = []string{"report", "analyz", "review", "summarize"}

// KeywordAssigner scores every (task, role) pair and picks the highest; ties
// go to the agent seen first.
type KeywordAssigner struct {
	Weights Weights
}

// NewKeywordAssigner uses DefaultWeights.
func NewKeywordAssigner() *KeywordAssigner {
	return &KeywordAssigner{Weights: DefaultWeights}
}

// Score rates how well role matches the task description.
func (a *KeywordAssigner) Score(description, role string) int {
	desc := strings.ToLower(description)
	role = strings.ToLower(role)
	if role == "" {
		return 0
	}

	score := 0
	roleWords := wordSet(role)
	for word := range wordSet(desc) {
		if len(word) >= a.Weights.MinWordLength && roleWords[word] {
			score += a.Weights.SharedWord
		}
	}
	if strings.Contains(role, "research") && strings.Contains(desc, "research") {
		score += a.Weights.Research
	}
	if strings.Contains(role, "analyst") && containsAny(desc, analystKeywords) {
		score += a.Weights.Analyst
	}
	return score
}

// Assign implements Assigner.
func (a *KeywordAssigner) Assign(task events.TaskInfo, agents []events.AgentInfo) (int, bool) {
	if len(agents) == 0 {
		return 0, false
	}
	best, bestScore := -1, 0
	for i, agent := range agents {
		if score := a.Score(task.Description, agent.Role); score > bestScore {
			best, bestScore = i, score
		}
	}
	if best >= 0 {
		return best, true
	}

	desc := strings.ToLower(task.Description)
	switch len(agents) {
	case 1:
		return 0, true
	case 2:
		if strings.Contains(desc, "research") {
			return 0, true
		}
		if containsAny(desc, reportKeywords) {
			return 1, true
		}
	}
	return 0, false
}

func wordSet(s string) map[string]bool {
	words := strings.FieldsFunc(s, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	set := make(map[string]bool, len(words))
	for _, w := range words {
		set[w] = true
	}
	return set
}

func containsAny(s string, keywords []string) bool {
	for _, kw := range keywords {
		if strings.Contains(s, kw) {
			return true
		}
	}
	return false
}
