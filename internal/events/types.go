package events

import (
	"time"
)

// EventType identifies what happened to a case
type EventType string

// Case lifecycle events
const (
	EventCaseLaunched   EventType = "case.launched"
	EventCaseCompleted  EventType = "case.completed"
	EventCaseCancelled  EventType = "case.cancelled"
	EventCaseSuspended  EventType = "case.suspended"
	EventCaseResumed    EventType = "case.resumed"
	EventCaseDeadlocked EventType = "case.deadlocked"
	EventCaseFault      EventType = "case.fault"
)

// Task and work item events
const (
	EventTaskEnabled       EventType = "task.enabled"
	EventWorkItemStarted   EventType = "workitem.started"
	EventWorkItemCompleted EventType = "workitem.completed"
	EventWorkItemCancelled EventType = "workitem.cancelled"
	EventWorkItemFailed    EventType = "workitem.failed"
	EventWorkItemEscalated EventType = "workitem.escalated"
	EventOrJoinBlocked     EventType = "orjoin.blocked" // diagnostic only
)

// String returns the string representation of the event type.
func (t EventType) String() string {
	return string(t)
}

// EndsCase reports whether no further events follow for the case
func (t EventType) EndsCase() bool {
	return t == EventCaseCompleted || t == EventCaseCancelled || t == EventCaseDeadlocked
}

// Event is emitted after a case event has been committed to the marking.
// NetID is the net instance the event refers to; it equals the case id for the root net.
type Event struct {
	Type       EventType              `json:"type"`
	Timestamp  time.Time              `json:"timestamp"`
	CaseID     string                 `json:"caseId"`
	NetID      string                 `json:"netId,omitempty"`
	TaskID     string                 `json:"taskId,omitempty"`
	WorkItemID string                 `json:"workItemId,omitempty"`
	Payload    map[string]interface{} `json:"payload,omitempty"`
	Err        string                 `json:"error,omitempty"`
}

// Filter selects events for a subscription. All fields are ANDed; empty fields match anything.
type Filter struct {
	Types  []EventType `json:"types,omitempty"`
	CaseID string      `json:"caseId,omitempty"`
	TaskID string      `json:"taskId,omitempty"`
}

// Matches determines if the given event matches this filter's criteria.
func (f *Filter) Matches(event Event) bool {
	if len(f.Types) > 0 {
		matched := false
		for _, t := range f.Types {
			if event.Type == t {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	if f.CaseID != "" && event.CaseID != f.CaseID {
		return false
	}
	if f.TaskID != "" && event.TaskID != f.TaskID {
		return false
	}
	return true
}
