package models

import "fmt"

// ConditionKind distinguishes the net's boundary conditions from internal ones
type ConditionKind string

const (
	ConditionInput    ConditionKind = "INPUT"
	ConditionOutput   ConditionKind = "OUTPUT"
	ConditionInternal ConditionKind = "INTERNAL"
)

// Condition represents a place tokens can occupy between tasks
type Condition struct {
	ID       string        `json:"id"`
	Name     string        `json:"name"`
	Kind     ConditionKind `json:"kind"`
	Implicit bool          `json:"implicit,omitempty"` // inserted for a task-to-task flow
}

// NewCondition creates an internal condition
func NewCondition(id, name string) *Condition {
	return &Condition{
		ID:   id,
		Name: name,
		Kind: ConditionInternal,
	}
}

// ImplicitConditionID names the condition standing in for a direct task-to-task flow
func ImplicitConditionID(sourceTask, targetTask string) string {
	return fmt.Sprintf("c{%s_%s}", sourceTask, targetTask)
}

// String returns a string representation of the condition
func (c *Condition) String() string {
	return fmt.Sprintf("Condition{ID: %s, Name: %s, Kind: %s}", c.ID, c.Name, c.Kind)
}

// Clone creates a copy of the condition
func (c *Condition) Clone() *Condition {
	clone := *c
	return &clone
}
