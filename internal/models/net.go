package models

import (
	"fmt"
	"sort"
	"strings"
)

// Net is an immutable workflow net: conditions, tasks and the flows between them,
// with one input and one output condition. Build one with NetBuilder.
// A Net is never mutated after Build and is safe for concurrent reads.
type Net struct {
	id         string
	name       string
	conditions map[string]*Condition
	tasks      map[string]*Task
	flows      []*Flow
	input      string
	output     string

	preset   map[string][]string // node -> direct predecessors, declaration order
	postset  map[string][]string // node -> direct successors, declaration order
	outFlows map[string][]*Flow  // task -> flows to its successor conditions

	taskIDs      []string // sorted
	conditionIDs []string // sorted
}

// ID returns the net id
func (n *Net) ID() string { return n.id }

// Name returns the net name
func (n *Net) Name() string { return n.name }

// InputCondition returns the id of the unique input condition
func (n *Net) InputCondition() string { return n.input }

// OutputCondition returns the id of the unique output condition
func (n *Net) OutputCondition() string { return n.output }

// Task returns the task with the given id, or nil
func (n *Net) Task(id string) *Task { return n.tasks[id] }

// Condition returns the condition with the given id, or nil
func (n *Net) Condition(id string) *Condition { return n.conditions[id] }

// IsTask returns true if id names a task of this net
func (n *Net) IsTask(id string) bool {
	_, ok := n.tasks[id]
	return ok
}

// IsCondition returns true if id names a condition of this net
func (n *Net) IsCondition(id string) bool {
	_, ok := n.conditions[id]
	return ok
}

// TaskIDs returns all task ids in sorted order
func (n *Net) TaskIDs() []string { return n.taskIDs }

// ConditionIDs returns all condition ids in sorted order
func (n *Net) ConditionIDs() []string { return n.conditionIDs }

// Flows returns the expanded flows of the net (implicit conditions included)
func (n *Net) Flows() []*Flow { return n.flows }

// TasksFedBy returns the tasks consuming from the given condition
func (n *Net) TasksFedBy(conditionID string) []string {
	if !n.IsCondition(conditionID) {
		return nil
	}
	return n.postset[conditionID]
}

// PredecessorConditions returns the conditions a task consumes from
func (n *Net) PredecessorConditions(taskID string) []string {
	if !n.IsTask(taskID) {
		return nil
	}
	return n.preset[taskID]
}

// SuccessorConditions returns the conditions a task produces into
func (n *Net) SuccessorConditions(taskID string) []string {
	if !n.IsTask(taskID) {
		return nil
	}
	return n.postset[taskID]
}

// ProducersOf returns the tasks producing into the given condition
func (n *Net) ProducersOf(conditionID string) []string {
	if !n.IsCondition(conditionID) {
		return nil
	}
	return n.preset[conditionID]
}

// OutgoingFlows returns a task's outgoing flows in declaration order
func (n *Net) OutgoingFlows(taskID string) []*Flow {
	return n.outFlows[taskID]
}

// CancellationSet returns the ids voided when the task fires
func (n *Net) CancellationSet(taskID string) []string {
	t := n.tasks[taskID]
	if t == nil {
		return nil
	}
	return t.CancellationSet
}

// Decompositions returns every net reachable through composite tasks, this one excluded
func (n *Net) Decompositions() []*Net {
	var out []*Net
	seen := map[*Net]bool{n: true}
	queue := []*Net{n}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, id := range cur.taskIDs {
			t := cur.tasks[id]
			if t.Decomposition == nil || t.Decomposition.Net == nil || seen[t.Decomposition.Net] {
				continue
			}
			seen[t.Decomposition.Net] = true
			out = append(out, t.Decomposition.Net)
			queue = append(queue, t.Decomposition.Net)
		}
	}
	return out
}

// String returns a string representation of the net
func (n *Net) String() string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Net{ID: %s, Name: %s}\n", n.id, n.name))
	sb.WriteString(fmt.Sprintf("  Conditions (%d): %s\n", len(n.conditionIDs), strings.Join(n.conditionIDs, ", ")))
	sb.WriteString(fmt.Sprintf("  Tasks (%d):\n", len(n.taskIDs)))
	for _, id := range n.taskIDs {
		sb.WriteString(fmt.Sprintf("    %s\n", n.tasks[id].String()))
	}
	sb.WriteString(fmt.Sprintf("  Flows (%d):\n", len(n.flows)))
	for _, f := range n.flows {
		sb.WriteString(fmt.Sprintf("    %s\n", f.String()))
	}
	return sb.String()
}

// NetBuilder collects the elements of a net and validates them in Build
type NetBuilder struct {
	id         string
	name       string
	input      *Condition
	output     *Condition
	conditions []*Condition
	tasks      []*Task
	flows      []*Flow
}

// NewNetBuilder creates a builder for a net with the given id and name
func NewNetBuilder(id, name string) *NetBuilder {
	return &NetBuilder{id: id, name: name}
}

// InputCondition declares the input condition
func (b *NetBuilder) InputCondition(id, name string) *NetBuilder {
	b.input = &Condition{ID: id, Name: name, Kind: ConditionInput}
	return b
}

// OutputCondition declares the output condition
func (b *NetBuilder) OutputCondition(id, name string) *NetBuilder {
	b.output = &Condition{ID: id, Name: name, Kind: ConditionOutput}
	return b
}

// AddCondition adds an internal condition
func (b *NetBuilder) AddCondition(c *Condition) *NetBuilder {
	b.conditions = append(b.conditions, c)
	return b
}

// AddTask adds a task
func (b *NetBuilder) AddTask(t *Task) *NetBuilder {
	b.tasks = append(b.tasks, t)
	return b
}

// AddFlow adds a flow; declaration order is kept for XOR evaluation
func (b *NetBuilder) AddFlow(f *Flow) *NetBuilder {
	b.flows = append(b.flows, f)
	return b
}

// Connect adds plain flows along the given chain of node ids
func (b *NetBuilder) Connect(ids ...string) *NetBuilder {
	for i := 0; i+1 < len(ids); i++ {
		b.AddFlow(NewFlow(ids[i], ids[i+1]))
	}
	return b
}

// Build validates the collected elements and returns the immutable net.
// Any violation is reported as a *SpecModelError listing every problem found.
func (b *NetBuilder) Build() (*Net, error) {
	n := &Net{
		id:         b.id,
		name:       b.name,
		conditions: make(map[string]*Condition),
		tasks:      make(map[string]*Task),
		preset:     make(map[string][]string),
		postset:    make(map[string][]string),
		outFlows:   make(map[string][]*Flow),
	}
	var problems []string
	addProblem := func(format string, args ...interface{}) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	if b.id == "" {
		addProblem("net id is empty")
	}
	if b.input == nil {
		addProblem("no input condition declared")
	}
	if b.output == nil {
		addProblem("no output condition declared")
	}

	addCondition := func(c *Condition) {
		if c == nil {
			return
		}
		if c.ID == "" {
			addProblem("condition with empty id")
			return
		}
		if _, dup := n.conditions[c.ID]; dup {
			addProblem("duplicate condition id: %s", c.ID)
			return
		}
		n.conditions[c.ID] = c.Clone()
	}
	addCondition(b.input)
	addCondition(b.output)
	for _, c := range b.conditions {
		if c != nil && c.Kind != ConditionInternal && c.Kind != "" {
			addProblem("condition %s: only one input and one output condition allowed", c.ID)
			continue
		}
		addCondition(c)
		if c != nil {
			if cond := n.conditions[c.ID]; cond != nil {
				cond.Kind = ConditionInternal
			}
		}
	}
	if b.input != nil {
		n.input = b.input.ID
	}
	if b.output != nil {
		n.output = b.output.ID
	}

	for _, t := range b.tasks {
		if t == nil || t.ID == "" {
			addProblem("task with empty id")
			continue
		}
		if _, dup := n.tasks[t.ID]; dup {
			addProblem("duplicate task id: %s", t.ID)
			continue
		}
		if _, clash := n.conditions[t.ID]; clash {
			addProblem("id %s used by both a condition and a task", t.ID)
			continue
		}
		n.tasks[t.ID] = t.Clone()
	}

	seenFlows := make(map[string]bool)
	link := func(f *Flow) {
		key := f.Source + "\x00" + f.Target
		if seenFlows[key] {
			addProblem("duplicate flow %s -> %s", f.Source, f.Target)
			return
		}
		seenFlows[key] = true
		n.flows = append(n.flows, f)
		n.postset[f.Source] = append(n.postset[f.Source], f.Target)
		n.preset[f.Target] = append(n.preset[f.Target], f.Source)
		if n.IsTask(f.Source) {
			n.outFlows[f.Source] = append(n.outFlows[f.Source], f)
		}
	}
	for i, raw := range b.flows {
		if raw == nil {
			continue
		}
		f := raw.Clone()
		f.Order = i
		srcTask, srcCond := n.IsTask(f.Source), n.IsCondition(f.Source)
		tgtTask, tgtCond := n.IsTask(f.Target), n.IsCondition(f.Target)
		switch {
		case !srcTask && !srcCond:
			addProblem("flow %s -> %s references unknown node %s", f.Source, f.Target, f.Source)
		case !tgtTask && !tgtCond:
			addProblem("flow %s -> %s references unknown node %s", f.Source, f.Target, f.Target)
		case srcCond && tgtCond:
			addProblem("flow %s -> %s connects two conditions", f.Source, f.Target)
		case srcCond && (f.HasPredicate() || f.IsDefault):
			addProblem("flow %s -> %s: predicates belong on flows leaving a task", f.Source, f.Target)
		case srcTask && tgtTask:
			implicit := ImplicitConditionID(f.Source, f.Target)
			if _, exists := n.conditions[implicit]; exists {
				addProblem("duplicate flow %s -> %s", f.Source, f.Target)
				continue
			}
			n.conditions[implicit] = &Condition{ID: implicit, Name: implicit, Kind: ConditionInternal, Implicit: true}
			link(&Flow{Source: f.Source, Target: implicit, Predicate: f.Predicate, IsDefault: f.IsDefault, Order: f.Order})
			link(&Flow{Source: implicit, Target: f.Target, Order: f.Order})
		default:
			link(f)
		}
	}

	for id := range n.tasks {
		n.taskIDs = append(n.taskIDs, id)
	}
	sort.Strings(n.taskIDs)
	for id := range n.conditions {
		n.conditionIDs = append(n.conditionIDs, id)
	}
	sort.Strings(n.conditionIDs)

	if len(problems) == 0 {
		problems = append(problems, n.validateBoundaries()...)
		for _, id := range n.taskIDs {
			problems = append(problems, n.validateTask(n.tasks[id])...)
		}
	}
	if len(problems) == 0 {
		problems = append(problems, n.validateConnectivity()...)
		problems = append(problems, n.validateJoins()...)
	}
	if len(problems) > 0 {
		return nil, &SpecModelError{NetID: b.id, Problems: problems}
	}
	return n, nil
}
