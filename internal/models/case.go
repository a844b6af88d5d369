package models

import (
	"fmt"
	"time"
)

// CaseStatus represents the status of a case
type CaseStatus string

const (
	CaseStatusRunning    CaseStatus = "RUNNING"
	CaseStatusSuspended  CaseStatus = "SUSPENDED"
	CaseStatusCompleted  CaseStatus = "COMPLETED"
	CaseStatusCancelled  CaseStatus = "CANCELLED"
	CaseStatusDeadlocked CaseStatus = "DEADLOCKED"
)

// IsTerminal returns true for statuses a case never leaves
func (s CaseStatus) IsTerminal() bool {
	return s == CaseStatusCompleted || s == CaseStatusCancelled || s == CaseStatusDeadlocked
}

// NetState is the persisted state of one net instance, with the sub-nets of its
// running composite tasks nested below it.
type NetState struct {
	NetInstanceID string                 `json:"netInstanceId"`
	NetID         string                 `json:"netId"`
	WorkItemID    string                 `json:"workItemId,omitempty"` // composite instance this net runs for
	Marking       MarkingSnapshot        `json:"marking"`
	Data          map[string]interface{} `json:"data,omitempty"`
	Subnets       []*NetState            `json:"subnets,omitempty"`
}

// CaseState is a consistent snapshot of a case, enough to rebuild its runner
type CaseState struct {
	CaseID      string                 `json:"caseId"`
	SpecID      string                 `json:"specId"`
	Status      CaseStatus             `json:"status"`
	Marking     MarkingSnapshot        `json:"marking"`
	Subnets     []*NetState            `json:"subnets,omitempty"`
	WorkItems   []*WorkItem            `json:"workItems"`
	CaseData    map[string]interface{} `json:"caseData"`
	Sequence    int                    `json:"sequence"` // last work item sequence number handed out
	CreatedAt   time.Time              `json:"createdAt"`
	UpdatedAt   time.Time              `json:"updatedAt"`
	CompletedAt *time.Time             `json:"completedAt,omitempty"`
}

// ActiveWorkItems returns the items of the snapshot that have not terminated
func (s *CaseState) ActiveWorkItems() []*WorkItem {
	var out []*WorkItem
	for _, w := range s.WorkItems {
		if !w.IsTerminated() {
			out = append(out, w)
		}
	}
	return out
}

// Summary reduces the state to its listing form
func (s *CaseState) Summary() *CaseSummary {
	return &CaseSummary{
		ID:          s.CaseID,
		SpecID:      s.SpecID,
		Status:      s.Status,
		CreatedAt:   s.CreatedAt,
		UpdatedAt:   s.UpdatedAt,
		CompletedAt: s.CompletedAt,
		ActiveItems: len(s.ActiveWorkItems()),
	}
}

// String returns a string representation of the case state
func (s *CaseState) String() string {
	return fmt.Sprintf("Case{ID: %s, Spec: %s, Status: %s, WorkItems: %d}", s.CaseID, s.SpecID, s.Status, len(s.WorkItems))
}

// CaseSummary is the listing form of a case
type CaseSummary struct {
	ID          string     `json:"id"`
	SpecID      string     `json:"specId"`
	Status      CaseStatus `json:"status"`
	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
	ActiveItems int        `json:"activeItems"`
}

// GetDuration returns the running time of the case
func (c *CaseSummary) GetDuration() time.Duration {
	if c.CompletedAt != nil {
		return c.CompletedAt.Sub(c.CreatedAt)
	}
	return time.Since(c.CreatedAt)
}

// CaseFilter selects cases; zero fields match everything
type CaseFilter struct {
	SpecID        string       `json:"specId,omitempty"`
	Status        []CaseStatus `json:"status,omitempty"`
	CreatedAfter  *time.Time   `json:"createdAfter,omitempty"`
	CreatedBefore *time.Time   `json:"createdBefore,omitempty"`
}

// Matches checks if a case matches the filter criteria
func (f *CaseFilter) Matches(c *CaseSummary) bool {
	if f.SpecID != "" && c.SpecID != f.SpecID {
		return false
	}
	if len(f.Status) > 0 {
		found := false
		for _, s := range f.Status {
			if c.Status == s {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.CreatedAfter != nil && c.CreatedAt.Before(*f.CreatedAfter) {
		return false
	}
	if f.CreatedBefore != nil && c.CreatedAt.After(*f.CreatedBefore) {
		return false
	}
	return true
}
