package engine

import (
	"strings"

	"go-net-flow/internal/models"
)

type orJoinMemo struct {
	signature string
	enabled   bool
}

// orJoinEnabled decides an OR-join: at least one input is marked and no empty input
// can still receive a token from the live part of the net.
// Results are memoised per task against the marking signature, so repeated checks
// between events cost one string comparison.
func (e *Evaluator) orJoinEnabled(task *models.Task, marking *models.Marking, liveTasks []string) bool {
	if !e.anyMarked(task.ID, marking) {
		return false
	}
	live := liveSet(marking, liveTasks)
	signature := marking.Signature() + "#" + strings.Join(live, ",")

	e.mu.Lock()
	if m, ok := e.memo[task.ID]; ok && m.signature == signature {
		e.mu.Unlock()
		return m.enabled
	}
	e.mu.Unlock()

	enabled := e.resolveOrJoin(task.ID, marking, live)

	e.mu.Lock()
	e.memo[task.ID] = orJoinMemo{signature: signature, enabled: enabled}
	e.mu.Unlock()
	return enabled
}

// resolveOrJoin runs the reachability check for one OR-join.
//
// First the net is restricted backwards to the nodes that can reach one of the
// join's empty inputs without passing through the join itself. Then tokens are
// propagated forward from the live locations inside that region (marked conditions
// and executing tasks) until a fixpoint: a task counts as able to fire once its
// join could be satisfied by conditions already reached. Splits are assumed to
// produce on every branch and other OR-joins to behave as XOR-joins, so the result
// errs towards waiting. The join is enabled iff no empty input was reached.
func (e *Evaluator) resolveOrJoin(joinID string, marking *models.Marking, live []string) bool {
	var empty []string
	for _, c := range e.net.PredecessorConditions(joinID) {
		if !marking.IsMarked(c) {
			empty = append(empty, c)
		}
	}
	if len(empty) == 0 {
		return true
	}

	region := e.backwardRegion(joinID, empty)

	reached := make(map[string]bool)
	fired := make(map[string]bool)
	var queue []string
	reach := func(c string) {
		if region[c] && !reached[c] {
			reached[c] = true
			queue = append(queue, c)
		}
	}
	fire := func(t string) {
		fired[t] = true
		for _, c := range e.net.SuccessorConditions(t) {
			reach(c)
		}
	}

	for _, c := range marking.MarkedConditions() {
		reach(c)
	}
	for _, t := range live {
		if t != joinID && region[t] {
			fire(t)
		}
	}

	for len(queue) > 0 {
		c := queue[0]
		queue = queue[1:]
		for _, t := range e.net.TasksFedBy(c) {
			if t == joinID || fired[t] || !region[t] {
				continue
			}
			if e.couldFire(t, reached) {
				fire(t)
			}
		}
	}

	for _, c := range empty {
		if reached[c] {
			return false
		}
	}
	return true
}

// backwardRegion collects every node from which one of the targets is reachable
// without passing through the join.
func (e *Evaluator) backwardRegion(joinID string, targets []string) map[string]bool {
	region := make(map[string]bool, len(targets))
	queue := make([]string, 0, len(targets))
	for _, c := range targets {
		region[c] = true
		queue = append(queue, c)
	}
	for len(queue) > 0 {
		node := queue[0]
		queue = queue[1:]
		var preds []string
		if e.net.IsCondition(node) {
			preds = e.net.ProducersOf(node)
		} else {
			preds = e.net.PredecessorConditions(node)
		}
		for _, p := range preds {
			if p == joinID || region[p] {
				continue
			}
			region[p] = true
			queue = append(queue, p)
		}
	}
	return region
}

// couldFire reports whether the task's join can be satisfied by the reached conditions.
func (e *Evaluator) couldFire(taskID string, reached map[string]bool) bool {
	preset := e.net.PredecessorConditions(taskID)
	if e.net.Task(taskID).Join == models.JoinAND {
		for _, c := range preset {
			if !reached[c] {
				return false
			}
		}
		return len(preset) > 0
	}
	for _, c := range preset {
		if reached[c] {
			return true
		}
	}
	return false
}
