package engine

import (
	"fmt"
	"sort"
	"sync"

	"go-net-flow/internal/models"
)

// PredicateEvaluator evaluates flow predicates against net data
type PredicateEvaluator interface {
	EvaluatePredicate(expression string, data map[string]interface{}) (bool, error)
}

// Evaluator decides task enablement and split routing for one net.
// IsEnabled has no observable side effects; the OR-join memo is internal and
// guarded, so an Evaluator may be shared by all cases of a net.
type Evaluator struct {
	net *models.Net

	mu   sync.Mutex
	memo map[string]orJoinMemo // taskID -> last resolution
}

// NewEvaluator creates an evaluator for the given net
func NewEvaluator(net *models.Net) *Evaluator {
	return &Evaluator{
		net:  net,
		memo: make(map[string]orJoinMemo),
	}
}

// Net returns the net the evaluator works on
func (e *Evaluator) Net() *models.Net {
	return e.net
}

// IsEnabled reports whether the task's join is satisfied by the marking.
// liveTasks are the tasks currently executing in the net instance; tasks with
// instances recorded in the marking are treated as live too.
func (e *Evaluator) IsEnabled(taskID string, marking *models.Marking, liveTasks []string) bool {
	task := e.net.Task(taskID)
	if task == nil {
		return false
	}
	preset := e.net.PredecessorConditions(taskID)
	switch task.Join {
	case models.JoinAND:
		for _, c := range preset {
			if !marking.IsMarked(c) {
				return false
			}
		}
		return len(preset) > 0
	case models.JoinXOR:
		for _, c := range preset {
			if marking.IsMarked(c) {
				return true
			}
		}
		return false
	case models.JoinOR:
		return e.orJoinEnabled(task, marking, liveTasks)
	default:
		return false
	}
}

// EnabledTasks returns every enabled task, sorted by id
func (e *Evaluator) EnabledTasks(marking *models.Marking, liveTasks []string) []string {
	var enabled []string
	for _, id := range e.net.TaskIDs() {
		if e.IsEnabled(id, marking, liveTasks) {
			enabled = append(enabled, id)
		}
	}
	return enabled
}

// IsOrJoinBlocked reports whether an OR-join has input but cannot fire yet
func (e *Evaluator) IsOrJoinBlocked(taskID string, marking *models.Marking, liveTasks []string) bool {
	task := e.net.Task(taskID)
	if task == nil || task.Join != models.JoinOR {
		return false
	}
	if !e.anyMarked(taskID, marking) {
		return false
	}
	return !e.IsEnabled(taskID, marking, liveTasks)
}

// Consume removes the tokens the task's join takes when it fires and returns the
// conditions they came from. The marking is left untouched on error.
func (e *Evaluator) Consume(taskID string, marking *models.Marking) ([]string, error) {
	task := e.net.Task(taskID)
	if task == nil {
		return nil, fmt.Errorf("unknown task %s", taskID)
	}
	preset := e.net.PredecessorConditions(taskID)
	var take []string
	switch task.Join {
	case models.JoinAND:
		for _, c := range preset {
			if !marking.IsMarked(c) {
				return nil, fmt.Errorf("task %s: AND-join input %s is empty", taskID, c)
			}
		}
		take = preset
	case models.JoinXOR:
		for _, c := range preset {
			if marking.IsMarked(c) {
				take = []string{c}
				break
			}
		}
	case models.JoinOR:
		for _, c := range preset {
			if marking.IsMarked(c) {
				take = append(take, c)
			}
		}
	}
	if len(take) == 0 {
		return nil, fmt.Errorf("task %s: no input token to consume", taskID)
	}
	for _, c := range take {
		if err := marking.RemoveToken(c); err != nil {
			return nil, err
		}
	}
	return append([]string(nil), take...), nil
}

// Produce puts one token into each target condition
func (e *Evaluator) Produce(targets []string, marking *models.Marking) {
	for _, c := range targets {
		marking.AddTokens(c, 1)
	}
}

func (e *Evaluator) anyMarked(taskID string, marking *models.Marking) bool {
	for _, c := range e.net.PredecessorConditions(taskID) {
		if marking.IsMarked(c) {
			return true
		}
	}
	return false
}

func liveSet(marking *models.Marking, liveTasks []string) []string {
	seen := make(map[string]bool, len(liveTasks))
	var out []string
	for _, t := range append(append([]string(nil), liveTasks...), marking.ActiveTasks()...) {
		if !seen[t] {
			seen[t] = true
			out = append(out, t)
		}
	}
	sort.Strings(out)
	return out
}
