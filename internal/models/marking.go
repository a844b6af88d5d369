package models

import (
	"fmt"
	"sort"
	"strings"
)

// Marking represents the state of one net instance:
// token counts per condition and the active work item instances per task.
// A Marking is owned by a single case runner and is not safe for concurrent use.
type Marking struct {
	tokens    map[string]int
	instances map[string]map[string]struct{}
}

// MarkingSnapshot is the serialisable form of a Marking
type MarkingSnapshot struct {
	Tokens    map[string]int      `json:"tokens"`    // conditionID -> count
	Instances map[string][]string `json:"instances"` // taskID -> work item ids
}

// NewMarking creates a new empty marking
func NewMarking() *Marking {
	return &Marking{
		tokens:    make(map[string]int),
		instances: make(map[string]map[string]struct{}),
	}
}

// RestoreMarking rebuilds a marking from its snapshot
func RestoreMarking(s MarkingSnapshot) *Marking {
	m := NewMarking()
	for c, n := range s.Tokens {
		if n > 0 {
			m.tokens[c] = n
		}
	}
	for t, ids := range s.Instances {
		for _, id := range ids {
			m.AddInstance(t, id)
		}
	}
	return m
}

// AddTokens puts n tokens into the condition
func (m *Marking) AddTokens(conditionID string, n int) {
	if n <= 0 {
		return
	}
	m.tokens[conditionID] += n
}

// RemoveToken takes one token out of the condition
func (m *Marking) RemoveToken(conditionID string) error {
	if m.tokens[conditionID] == 0 {
		return fmt.Errorf("condition %s holds no token", conditionID)
	}
	m.tokens[conditionID]--
	if m.tokens[conditionID] == 0 {
		delete(m.tokens, conditionID)
	}
	return nil
}

// ClearCondition removes every token from the condition and returns how many there were
func (m *Marking) ClearCondition(conditionID string) int {
	n := m.tokens[conditionID]
	delete(m.tokens, conditionID)
	return n
}

// Tokens returns the token count of the condition
func (m *Marking) Tokens(conditionID string) int {
	return m.tokens[conditionID]
}

// IsMarked returns true if the condition holds at least one token
func (m *Marking) IsMarked(conditionID string) bool {
	return m.tokens[conditionID] > 0
}

// MarkedConditions returns the ids of conditions holding tokens, sorted
func (m *Marking) MarkedConditions() []string {
	ids := make([]string, 0, len(m.tokens))
	for c := range m.tokens {
		ids = append(ids, c)
	}
	sort.Strings(ids)
	return ids
}

// TotalTokens returns the number of tokens over all conditions
func (m *Marking) TotalTokens() int {
	total := 0
	for _, n := range m.tokens {
		total += n
	}
	return total
}

// AddInstance records an active work item for the task
func (m *Marking) AddInstance(taskID, workItemID string) {
	set := m.instances[taskID]
	if set == nil {
		set = make(map[string]struct{})
		m.instances[taskID] = set
	}
	set[workItemID] = struct{}{}
}

// RemoveInstance drops an active work item; it returns false if it was not recorded
func (m *Marking) RemoveInstance(taskID, workItemID string) bool {
	set := m.instances[taskID]
	if _, ok := set[workItemID]; !ok {
		return false
	}
	delete(set, workItemID)
	if len(set) == 0 {
		delete(m.instances, taskID)
	}
	return true
}

// ClearInstances drops every active work item of the task and returns their ids
func (m *Marking) ClearInstances(taskID string) []string {
	ids := m.Instances(taskID)
	delete(m.instances, taskID)
	return ids
}

// Instances returns the active work item ids of the task, sorted
func (m *Marking) Instances(taskID string) []string {
	set := m.instances[taskID]
	ids := make([]string, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// IsBusy returns true if the task has active instances
func (m *Marking) IsBusy(taskID string) bool {
	return len(m.instances[taskID]) > 0
}

// ActiveTasks returns the ids of tasks with active instances, sorted
func (m *Marking) ActiveTasks() []string {
	ids := make([]string, 0, len(m.instances))
	for t := range m.instances {
		ids = append(ids, t)
	}
	sort.Strings(ids)
	return ids
}

// IsEmpty returns true if no tokens and no active instances remain
func (m *Marking) IsEmpty() bool {
	return len(m.tokens) == 0 && len(m.instances) == 0
}

// Signature is a canonical string of the live state, used as a memo key
func (m *Marking) Signature() string {
	var sb strings.Builder
	for _, c := range m.MarkedConditions() {
		sb.WriteString(c)
		sb.WriteByte('=')
		sb.WriteString(fmt.Sprint(m.tokens[c]))
		sb.WriteByte(';')
	}
	sb.WriteByte('|')
	for _, t := range m.ActiveTasks() {
		sb.WriteString(t)
		sb.WriteByte(';')
	}
	return sb.String()
}

// Snapshot returns the serialisable form of the marking
func (m *Marking) Snapshot() MarkingSnapshot {
	s := MarkingSnapshot{
		Tokens:    make(map[string]int, len(m.tokens)),
		Instances: make(map[string][]string, len(m.instances)),
	}
	for c, n := range m.tokens {
		s.Tokens[c] = n
	}
	for t := range m.instances {
		s.Instances[t] = m.Instances(t)
	}
	return s
}

// Clone creates a deep copy of the marking
func (m *Marking) Clone() *Marking {
	return RestoreMarking(m.Snapshot())
}

// String returns a string representation of the marking
func (m *Marking) String() string {
	var parts []string
	for _, c := range m.MarkedConditions() {
		parts = append(parts, fmt.Sprintf("%s:%d", c, m.tokens[c]))
	}
	for _, t := range m.ActiveTasks() {
		parts = append(parts, fmt.Sprintf("%s%v", t, m.Instances(t)))
	}
	return "Marking{" + strings.Join(parts, ", ") + "}"
}
