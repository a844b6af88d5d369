package models

import (
	"fmt"
	"time"
)

// JoinType is the synchronisation rule applied to a task's incoming flows
type JoinType string

const (
	JoinAND JoinType = "AND"
	JoinXOR JoinType = "XOR"
	JoinOR  JoinType = "OR"
)

// SplitType is the routing rule applied to a task's outgoing flows
type SplitType string

const (
	SplitAND SplitType = "AND"
	SplitXOR SplitType = "XOR"
	SplitOR  SplitType = "OR"
)

// TaskKind tags the task variant. Only COMPOSITE carries a decomposition.
type TaskKind string

const (
	TaskKindAtomic    TaskKind = "ATOMIC"    // external work, started by a client
	TaskKindEmpty     TaskKind = "EMPTY"     // routing only, fires and completes at once
	TaskKindComposite TaskKind = "COMPOSITE" // body is a nested net
)

// CreationMode controls whether instances can be added after the task fired
type CreationMode string

const (
	CreationStatic  CreationMode = "STATIC"
	CreationDynamic CreationMode = "DYNAMIC"
)

// TimeoutAction is what a work item timer does on expiry
type TimeoutAction string

const (
	TimeoutCancel   TimeoutAction = "CANCEL"
	TimeoutEscalate TimeoutAction = "ESCALATE"
)

// MultiInstance describes how many work items one firing creates.
// CountExpr is a Lua expression over net data; a number sets the count, a list
// sets the count to its length and hands one element to each instance under InstanceVar.
type MultiInstance struct {
	Min         int          `json:"min"`
	Max         int          `json:"max"`
	Threshold   int          `json:"threshold"` // 0 means all created instances
	Mode        CreationMode `json:"mode"`
	CountExpr   string       `json:"countExpr,omitempty"`
	InstanceVar string       `json:"instanceVar,omitempty"`
	OutputVar   string       `json:"outputVar,omitempty"`
}

// Clone creates a copy of the policy
func (mi *MultiInstance) Clone() *MultiInstance {
	if mi == nil {
		return nil
	}
	clone := *mi
	return &clone
}

// Timer arms a deadline on every instance created for the task
type Timer struct {
	After  time.Duration `json:"after"`
	Action TimeoutAction `json:"action"`
}

// Task is a node of the net that does work
type Task struct {
	ID              string         `json:"id"`
	Name            string         `json:"name"`
	Join            JoinType       `json:"join"`
	Split           SplitType      `json:"split"`
	Kind            TaskKind       `json:"kind"`
	Decomposition   *Decomposition `json:"decomposition,omitempty"`
	MultiInstance   *MultiInstance `json:"multiInstance,omitempty"`
	CancellationSet []string       `json:"cancellationSet,omitempty"`
	OutputSchema    *ParamSchema   `json:"-"`
	Timer           *Timer         `json:"timer,omitempty"`
}

// NewTask creates an atomic task with XOR join and AND split
func NewTask(id, name string) *Task {
	return &Task{
		ID:    id,
		Name:  name,
		Join:  JoinXOR,
		Split: SplitAND,
		Kind:  TaskKindAtomic,
	}
}

// NewEmptyTask creates a routing-only task
func NewEmptyTask(id, name string) *Task {
	t := NewTask(id, name)
	t.Kind = TaskKindEmpty
	return t
}

// NewCompositeTask creates a task whose body is the given net
func NewCompositeTask(id, name string, net *Net) *Task {
	t := NewTask(id, name)
	t.Kind = TaskKindComposite
	t.Decomposition = &Decomposition{Net: net}
	return t
}

// WithJoin sets the join type
func (t *Task) WithJoin(join JoinType) *Task {
	t.Join = join
	return t
}

// WithSplit sets the split type
func (t *Task) WithSplit(split SplitType) *Task {
	t.Split = split
	return t
}

// WithMultiInstance attaches a multi-instance policy
func (t *Task) WithMultiInstance(mi *MultiInstance) *Task {
	t.MultiInstance = mi
	return t
}

// WithCancellationSet sets the ids voided when the task fires
func (t *Task) WithCancellationSet(ids ...string) *Task {
	t.CancellationSet = append([]string(nil), ids...)
	return t
}

// WithOutputSchema sets the schema validated on completion
func (t *Task) WithOutputSchema(schema *ParamSchema) *Task {
	t.OutputSchema = schema
	return t
}

// WithTimer arms a timer on every instance of the task
func (t *Task) WithTimer(after time.Duration, action TimeoutAction) *Task {
	t.Timer = &Timer{After: after, Action: action}
	return t
}

// IsComposite returns true if the task runs a nested net
func (t *Task) IsComposite() bool {
	return t.Kind == TaskKindComposite
}

// IsEmpty returns true if the task only routes tokens
func (t *Task) IsEmpty() bool {
	return t.Kind == TaskKindEmpty
}

// IsMultiInstance returns true if the task may create more than one instance
func (t *Task) IsMultiInstance() bool {
	return t.MultiInstance != nil
}

// Threshold returns the number of completed instances that lets the task exit
func (t *Task) Threshold(created int) int {
	if t.MultiInstance == nil || t.MultiInstance.Threshold <= 0 || t.MultiInstance.Threshold > created {
		return created
	}
	return t.MultiInstance.Threshold
}

// String returns a string representation of the task
func (t *Task) String() string {
	return fmt.Sprintf("Task{ID: %s, Kind: %s, Join: %s, Split: %s}", t.ID, t.Kind, t.Join, t.Split)
}

// Clone creates a shallow copy; the decomposition net is shared since nets are immutable.
func (t *Task) Clone() *Task {
	clone := *t
	clone.Decomposition = t.Decomposition.Clone()
	clone.MultiInstance = t.MultiInstance.Clone()
	clone.CancellationSet = append([]string(nil), t.CancellationSet...)
	if t.Timer != nil {
		timer := *t.Timer
		clone.Timer = &timer
	}
	return &clone
}
