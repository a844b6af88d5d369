package models

import (
	"fmt"
	"sort"
)

func (n *Net) validateBoundaries() []string {
	var problems []string
	if len(n.preset[n.input]) > 0 {
		problems = append(problems, fmt.Sprintf("input condition %s has incoming flows", n.input))
	}
	if len(n.postset[n.output]) > 0 {
		problems = append(problems, fmt.Sprintf("output condition %s has outgoing flows", n.output))
	}
	for _, id := range n.conditionIDs {
		if id == n.input || id == n.output {
			continue
		}
		if len(n.preset[id]) == 0 {
			problems = append(problems, fmt.Sprintf("condition %s has no incoming flow (only the input condition may)", id))
		}
		if len(n.postset[id]) == 0 {
			problems = append(problems, fmt.Sprintf("condition %s has no outgoing flow (only the output condition may)", id))
		}
	}
	return problems
}

func (n *Net) validateTask(t *Task) []string {
	var problems []string
	add := func(format string, args ...interface{}) {
		problems = append(problems, fmt.Sprintf("task %s: ", t.ID)+fmt.Sprintf(format, args...))
	}

	if len(n.preset[t.ID]) == 0 {
		add("no incoming flow")
	}
	if len(n.postset[t.ID]) == 0 {
		add("no outgoing flow")
	}
	switch t.Join {
	case JoinAND, JoinXOR, JoinOR:
	default:
		add("unknown join type %q", t.Join)
	}
	switch t.Split {
	case SplitAND, SplitXOR, SplitOR:
	default:
		add("unknown split type %q", t.Split)
	}

	switch t.Kind {
	case TaskKindComposite:
		if t.Decomposition == nil || t.Decomposition.Net == nil {
			add("composite task without decomposition")
		}
	case TaskKindAtomic, TaskKindEmpty:
		if t.Decomposition != nil {
			add("%s task cannot carry a decomposition", t.Kind)
		}
	default:
		add("unknown task kind %q", t.Kind)
	}

	if mi := t.MultiInstance; mi != nil {
		if t.Kind == TaskKindEmpty {
			add("empty task cannot be multi-instance")
		}
		if mi.Min < 1 || mi.Max < mi.Min {
			add("multi-instance bounds must satisfy 1 <= min <= max (got min=%d max=%d)", mi.Min, mi.Max)
		}
		if mi.Threshold < 0 || mi.Threshold > mi.Max {
			add("multi-instance threshold %d outside [0, %d]", mi.Threshold, mi.Max)
		}
		switch mi.Mode {
		case CreationStatic, CreationDynamic:
		default:
			add("unknown creation mode %q", mi.Mode)
		}
	}

	defaults := 0
	for _, f := range n.outFlows[t.ID] {
		if t.Split == SplitAND && (f.HasPredicate() || f.IsDefault) {
			add("AND-split flow to %s cannot carry a predicate or default flag", f.Target)
		}
		if f.IsDefault {
			defaults++
		}
	}
	if defaults > 1 {
		add("%d default flows, at most one allowed", defaults)
	}

	for _, id := range t.CancellationSet {
		if !n.IsTask(id) && !n.IsCondition(id) {
			add("cancellation set references unknown element %s", id)
		}
	}

	if t.Timer != nil {
		if t.Timer.After <= 0 {
			add("timer duration must be positive")
		}
		if t.Timer.Action != TimeoutCancel && t.Timer.Action != TimeoutEscalate {
			add("unknown timer action %q", t.Timer.Action)
		}
	}
	return problems
}

// validateConnectivity checks that every node lies on a path from input to output.
func (n *Net) validateConnectivity() []string {
	forward := n.reach(n.input, n.postset)
	backward := n.reach(n.output, n.preset)

	var problems []string
	for _, ids := range [][]string{n.conditionIDs, n.taskIDs} {
		for _, id := range ids {
			if !forward[id] {
				problems = append(problems, fmt.Sprintf("%s is not reachable from input condition %s", id, n.input))
			}
			if !backward[id] {
				problems = append(problems, fmt.Sprintf("%s cannot reach output condition %s", id, n.output))
			}
		}
	}
	return problems
}

// reach runs a breadth-first search from start over the given adjacency table.
func (n *Net) reach(start string, adjacency map[string][]string) map[string]bool {
	seen := map[string]bool{start: true}
	queue := []string{start}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, next := range adjacency[cur] {
			if !seen[next] {
				seen[next] = true
				queue = append(queue, next)
			}
		}
	}
	return seen
}

// validateJoins rejects AND-joins whose every input is produced only by one XOR-split,
// which can mark at most one of them per firing.
func (n *Net) validateJoins() []string {
	var problems []string
	for _, id := range n.taskIDs {
		t := n.tasks[id]
		preset := n.preset[id]
		if t.Join != JoinAND || len(preset) < 2 {
			continue
		}
		producer := ""
		exclusive := true
		for _, c := range preset {
			producers := n.preset[c]
			if len(producers) != 1 || (producer != "" && producers[0] != producer) {
				exclusive = false
				break
			}
			producer = producers[0]
		}
		if exclusive && producer != "" && n.tasks[producer].Split == SplitXOR {
			problems = append(problems, fmt.Sprintf("task %s: AND-join waits on exclusive branches of XOR-split %s", id, producer))
		}
	}
	sort.Strings(problems)
	return problems
}
