package models

import (
	"fmt"
	"sort"
	"time"
)

// WorkItemStatus represents the status of a work item
type WorkItemStatus string

const (
	WorkItemStatusEnabled   WorkItemStatus = "ENABLED"
	WorkItemStatusFired     WorkItemStatus = "FIRED"
	WorkItemStatusExecuting WorkItemStatus = "EXECUTING"
	WorkItemStatusComplete  WorkItemStatus = "COMPLETE"
	WorkItemStatusCancelled WorkItemStatus = "CANCELLED"
	WorkItemStatusFailed    WorkItemStatus = "FAILED"
)

// WorkItemPriority represents the priority of a work item
type WorkItemPriority string

const (
	WorkItemPriorityLow    WorkItemPriority = "LOW"
	WorkItemPriorityNormal WorkItemPriority = "NORMAL"
	WorkItemPriorityHigh   WorkItemPriority = "HIGH"
	WorkItemPriorityUrgent WorkItemPriority = "URGENT"
)

var workItemTransitions = map[WorkItemStatus][]WorkItemStatus{
	WorkItemStatusEnabled:   {WorkItemStatusFired, WorkItemStatusCancelled},
	WorkItemStatusFired:     {WorkItemStatusExecuting, WorkItemStatusComplete, WorkItemStatusCancelled, WorkItemStatusFailed},
	WorkItemStatusExecuting: {WorkItemStatusComplete, WorkItemStatusCancelled, WorkItemStatusFailed, WorkItemStatusFired},
}

// WorkItem is one runtime instance of a task.
// A task firing produces a parent item (the one that was enabled) and one child per instance.
type WorkItem struct {
	ID            string                 `json:"id"`
	CaseID        string                 `json:"caseId"`
	NetID         string                 `json:"netId"` // net instance the item belongs to
	TaskID        string                 `json:"taskId"`
	Name          string                 `json:"name"`
	Status        WorkItemStatus         `json:"status"`
	Priority      WorkItemPriority       `json:"priority"`
	ParentID      string                 `json:"parentId,omitempty"`
	Children      []string               `json:"children,omitempty"`
	InstanceIndex int                    `json:"instanceIndex"`
	Data          map[string]interface{} `json:"data"`
	Output        map[string]interface{} `json:"output,omitempty"`
	CancelledBy   string                 `json:"cancelledBy,omitempty"`
	FailureReason string                 `json:"failureReason,omitempty"`
	Escalated     bool                   `json:"escalated,omitempty"`
	CreatedAt     time.Time              `json:"createdAt"`
	StartedAt     *time.Time             `json:"startedAt,omitempty"`
	CompletedAt   *time.Time             `json:"completedAt,omitempty"`
	DueDate       *time.Time             `json:"dueDate,omitempty"`
}

// NewWorkItem creates a new enabled work item
func NewWorkItem(id, caseID, netID, taskID, name string) *WorkItem {
	return &WorkItem{
		ID:        id,
		CaseID:    caseID,
		NetID:     netID,
		TaskID:    taskID,
		Name:      name,
		Status:    WorkItemStatusEnabled,
		Priority:  WorkItemPriorityNormal,
		Data:      make(map[string]interface{}),
		CreatedAt: time.Now(),
	}
}

// Transition moves the item to a new status, rejecting moves the lifecycle does not allow.
func (w *WorkItem) Transition(to WorkItemStatus, at time.Time) error {
	allowed := false
	for _, s := range workItemTransitions[w.Status] {
		if s == to {
			allowed = true
			break
		}
	}
	if !allowed {
		return &StateTransitionError{Entity: "work item", ID: w.ID, From: string(w.Status), To: string(to)}
	}
	w.Status = to
	switch to {
	case WorkItemStatusExecuting:
		w.StartedAt = &at
	case WorkItemStatusFired:
		w.StartedAt = nil
	case WorkItemStatusComplete, WorkItemStatusCancelled, WorkItemStatusFailed:
		w.CompletedAt = &at
	}
	return nil
}

// IsParent returns true if the item groups the instances of one task firing
func (w *WorkItem) IsParent() bool {
	return w.ParentID == ""
}

// IsActive returns true if the item is fired or executing
func (w *WorkItem) IsActive() bool {
	return w.Status == WorkItemStatusFired || w.Status == WorkItemStatusExecuting
}

// IsTerminated returns true if the item reached a final status
func (w *WorkItem) IsTerminated() bool {
	return w.Status == WorkItemStatusComplete || w.Status == WorkItemStatusCancelled || w.Status == WorkItemStatusFailed
}

// IsOverdue returns true if the item is past its timer deadline and still running
func (w *WorkItem) IsOverdue() bool {
	return w.DueDate != nil && !w.IsTerminated() && time.Now().After(*w.DueDate)
}

// GetDuration returns how long the item has been executing
func (w *WorkItem) GetDuration() time.Duration {
	if w.StartedAt == nil {
		return 0
	}
	if w.CompletedAt != nil {
		return w.CompletedAt.Sub(*w.StartedAt)
	}
	return time.Since(*w.StartedAt)
}

// Clone creates a deep copy of the work item
func (w *WorkItem) Clone() *WorkItem {
	clone := *w
	clone.Children = append([]string(nil), w.Children...)
	clone.Data = CopyData(w.Data)
	if w.Output != nil {
		clone.Output = CopyData(w.Output)
	}
	clone.StartedAt = cloneTime(w.StartedAt)
	clone.CompletedAt = cloneTime(w.CompletedAt)
	clone.DueDate = cloneTime(w.DueDate)
	return &clone
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}

// String returns a string representation of the work item
func (w *WorkItem) String() string {
	return fmt.Sprintf("WorkItem{ID: %s, Task: %s, Status: %s}", w.ID, w.TaskID, w.Status)
}

// WorkItemFilter selects work items; zero fields match everything
type WorkItemFilter struct {
	CaseID     string           `json:"caseId,omitempty"`
	NetID      string           `json:"netId,omitempty"`
	TaskID     string           `json:"taskId,omitempty"`
	Status     []WorkItemStatus `json:"status,omitempty"`
	Priority   WorkItemPriority `json:"priority,omitempty"`
	ParentOnly bool             `json:"parentOnly,omitempty"`
	ChildOnly  bool             `json:"childOnly,omitempty"`
	Overdue    *bool            `json:"overdue,omitempty"`
}

// Matches checks if a work item matches the filter criteria
func (f *WorkItemFilter) Matches(w *WorkItem) bool {
	if f.CaseID != "" && w.CaseID != f.CaseID {
		return false
	}
	if f.NetID != "" && w.NetID != f.NetID {
		return false
	}
	if f.TaskID != "" && w.TaskID != f.TaskID {
		return false
	}
	if len(f.Status) > 0 {
		found := false
		for _, s := range f.Status {
			if w.Status == s {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.Priority != "" && w.Priority != f.Priority {
		return false
	}
	if f.ParentOnly && !w.IsParent() {
		return false
	}
	if f.ChildOnly && w.IsParent() {
		return false
	}
	if f.Overdue != nil && *f.Overdue != w.IsOverdue() {
		return false
	}
	return true
}

// SortWorkItems orders items by creation time, then id
func SortWorkItems(items []*WorkItem) {
	sort.Slice(items, func(i, j int) bool {
		if !items[i].CreatedAt.Equal(items[j].CreatedAt) {
			return items[i].CreatedAt.Before(items[j].CreatedAt)
		}
		return items[i].ID < items[j].ID
	})
}
