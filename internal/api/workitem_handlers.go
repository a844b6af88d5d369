package api

import "net/http"

// Request structures for work item management

type WorkItemRequest struct {
	WorkItemID string `json:"workItemId" validate:"required"`
}

type CompleteWorkItemRequest struct {
	WorkItemID string                 `json:"workItemId" validate:"required"`
	Output     map[string]interface{} `json:"output,omitempty"`
}

type ReasonRequest struct {
	WorkItemID string `json:"workItemId" validate:"required"`
	Reason     string `json:"reason,omitempty"`
}

type AddInstanceRequest struct {
	ParentID string                 `json:"parentId" validate:"required"`
	Data     map[string]interface{} `json:"data,omitempty"`
}

// ListEnabledWorkItems returns the items of a case a client can start now
func (s *Server) ListEnabledWorkItems(w http.ResponseWriter, r *http.Request) {
	if !s.allow(w, r, http.MethodGet) {
		return
	}
	caseID, ok := s.requireParam(w, r, "caseId")
	if !ok {
		return
	}
	items, err := s.manager.ListEnabledWorkItems(caseID)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.writeSuccess(w, items, "")
}

// GetWorkItem returns one work item
func (s *Server) GetWorkItem(w http.ResponseWriter, r *http.Request) {
	if !s.allow(w, r, http.MethodGet) {
		return
	}
	id, ok := s.requireParam(w, r, "id")
	if !ok {
		return
	}
	item, err := s.manager.GetWorkItem(id)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.writeSuccess(w, item, "")
}

// StartWorkItem starts an enabled item, or a fired instance of a multi-instance task
func (s *Server) StartWorkItem(w http.ResponseWriter, r *http.Request) {
	if !s.allow(w, r, http.MethodPost) {
		return
	}
	var req WorkItemRequest
	if !s.decode(w, r, &req) {
		return
	}
	item, err := s.manager.StartWorkItem(r.Context(), req.WorkItemID)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.writeSuccess(w, item, "Work item started successfully")
}

// CompleteWorkItem completes an executing item with its output data
func (s *Server) CompleteWorkItem(w http.ResponseWriter, r *http.Request) {
	if !s.allow(w, r, http.MethodPost) {
		return
	}
	var req CompleteWorkItemRequest
	if !s.decode(w, r, &req) {
		return
	}
	res, err := s.manager.CompleteWorkItem(r.Context(), req.WorkItemID, req.Output)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.writeSuccess(w, res, "Work item completed successfully")
}

// CancelWorkItem cancels an active item
func (s *Server) CancelWorkItem(w http.ResponseWriter, r *http.Request) {
	if !s.allow(w, r, http.MethodPost) {
		return
	}
	var req ReasonRequest
	if !s.decode(w, r, &req) {
		return
	}
	item, err := s.manager.CancelWorkItem(r.Context(), req.WorkItemID, req.Reason)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.writeSuccess(w, item, "Work item cancelled successfully")
}

// FailWorkItem marks an executing item as failed
func (s *Server) FailWorkItem(w http.ResponseWriter, r *http.Request) {
	if !s.allow(w, r, http.MethodPost) {
		return
	}
	var req ReasonRequest
	if !s.decode(w, r, &req) {
		return
	}
	item, err := s.manager.FailWorkItem(r.Context(), req.WorkItemID, req.Reason)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.writeSuccess(w, item, "Work item failed")
}

// RollbackWorkItem returns an executing item to the fired state
func (s *Server) RollbackWorkItem(w http.ResponseWriter, r *http.Request) {
	if !s.allow(w, r, http.MethodPost) {
		return
	}
	var req WorkItemRequest
	if !s.decode(w, r, &req) {
		return
	}
	item, err := s.manager.RollbackWorkItem(r.Context(), req.WorkItemID)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.writeSuccess(w, item, "Work item rolled back successfully")
}

// AddWorkItemInstance adds an instance to a running dynamic multi-instance task
func (s *Server) AddWorkItemInstance(w http.ResponseWriter, r *http.Request) {
	if !s.allow(w, r, http.MethodPost) {
		return
	}
	var req AddInstanceRequest
	if !s.decode(w, r, &req) {
		return
	}
	item, err := s.manager.AddWorkItemInstance(r.Context(), req.ParentID, req.Data)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.writeSuccess(w, item, "Instance added successfully")
}
