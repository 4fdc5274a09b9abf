package routing

import (
	"strings"
	"sync"
)

// Success-rate priors for agents with no recorded outcome of a task type.
const (
	incumbentPrior  = 80.0
	challengerPrior = 70.0
	switchMargin    = 10.0
)

// taskTypes is checked in order; the first bucket with a matching keyword
// wins.
var taskTypes = []struct {
	name     string
	keywords []string
}{
	{"api_development", []string{"api", "endpoint", "rest"}},
	{"database_operations", []string{"database", "query", "sql"}},
	{"testing", []string{"test", "testing", "validation"}},
	{"documentation", []string{"documentation", "docs", "readme"}},
	{"security", []string{"security", "auth", "authentication"}},
	{"performance", []string{"performance", "optimization", "cache"}},
}

// ClassifyTaskType buckets a task by keywords in its title and description.
func ClassifyTaskType(title, description string) string {
	text := strings.ToLower(title + " " + description)
	for _, tt := range taskTypes {
		for _, kw := range tt.keywords {
			if strings.Contains(text, kw) {
				return tt.name
			}
		}
	}
	return "general"
}

type learningKey struct {
	agent    string
	taskType string
}

// learningTable keeps an exponential moving average of success per
// (agent, task type), in percent.
type learningTable struct {
	mu    sync.RWMutex
	alpha float64
	rates map[learningKey]float64
}

func newLearningTable(alpha float64) *learningTable {
	if alpha <= 0 || alpha > 1 {
		alpha = 0.2
	}
	return &learningTable{alpha: alpha, rates: make(map[learningKey]float64)}
}

// rate returns the learned rate, or prior when nothing was recorded.
func (l *learningTable) rate(agent, taskType string, prior float64) float64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if r, ok := l.rates[learningKey{agent, taskType}]; ok {
		return r
	}
	return prior
}

// record folds one outcome into the average, starting from the challenger
// prior.
func (l *learningTable) record(agent, taskType string, success bool) float64 {
	target := 0.0
	if success {
		target = 100
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	k := learningKey{agent, taskType}
	prev, ok := l.rates[k]
	if !ok {
		prev = challengerPrior
	}
	next := prev + l.alpha*(target-prev)
	l.rates[k] = next
	return next
}

func (l *learningTable) snapshot() map[string]map[string]float64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make(map[string]map[string]float64)
	for k, v := range l.rates {
		if out[k.agent] == nil {
			out[k.agent] = make(map[string]float64)
		}
		out[k.agent][k.taskType] = v
	}
	return out
}
