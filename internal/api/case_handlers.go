package api

import (
	"net/http"
	"strings"
	"time"

	"go-net-flow/internal/models"
)

// Request structures for case management

type LaunchCaseRequest struct {
	SpecID string                 `json:"specId" validate:"required"`
	Data   map[string]interface{} `json:"data,omitempty"`
}

type CaseActionRequest struct {
	CaseID string `json:"caseId" validate:"required"`
	Reason string `json:"reason,omitempty"`
}

// LaunchCaseResponse carries the new case and the items it offers right away
type LaunchCaseResponse struct {
	CaseID    string             `json:"caseId"`
	Status    models.CaseStatus  `json:"status"`
	WorkItems []*models.WorkItem `json:"workItems"`
}

// LaunchCase starts a case of a registered spec
func (s *Server) LaunchCase(w http.ResponseWriter, r *http.Request) {
	if !s.allow(w, r, http.MethodPost) {
		return
	}
	var req LaunchCaseRequest
	if !s.decode(w, r, &req) {
		return
	}
	caseID, err := s.manager.LaunchCase(r.Context(), req.SpecID, req.Data)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	state, err := s.manager.GetCaseState(caseID)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	items, err := s.manager.ListEnabledWorkItems(caseID)
	if err != nil {
		// the case may already have finished
		items = nil
	}
	s.writeSuccess(w, LaunchCaseResponse{CaseID: caseID, Status: state.Status, WorkItems: items}, "Case launched successfully")
}

// GetCase returns the committed state of a case
func (s *Server) GetCase(w http.ResponseWriter, r *http.Request) {
	if !s.allow(w, r, http.MethodGet) {
		return
	}
	id, ok := s.requireParam(w, r, "id")
	if !ok {
		return
	}
	state, err := s.manager.GetCaseState(id)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.writeSuccess(w, state, "")
}

// QueryCases lists case summaries. Supported parameters are specId, status
// (comma separated), createdAfter and createdBefore (RFC 3339).
func (s *Server) QueryCases(w http.ResponseWriter, r *http.Request) {
	if !s.allow(w, r, http.MethodGet) {
		return
	}
	q := r.URL.Query()
	filter := &models.CaseFilter{SpecID: q.Get("specId")}
	if status := q.Get("status"); status != "" {
		for _, st := range strings.Split(status, ",") {
			filter.Status = append(filter.Status, models.CaseStatus(strings.ToUpper(strings.TrimSpace(st))))
		}
	}
	for param, dst := range map[string]**time.Time{
		"createdAfter":  &filter.CreatedAfter,
		"createdBefore": &filter.CreatedBefore,
	} {
		v := q.Get(param)
		if v == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, "invalid_parameter", "Parameter "+param+" must be RFC 3339: "+err.Error())
			return
		}
		*dst = &t
	}
	s.writeSuccess(w, s.manager.QueryCases(filter), "")
}

// GetCaseStatistics returns aggregate counts over all known cases
func (s *Server) GetCaseStatistics(w http.ResponseWriter, r *http.Request) {
	if !s.allow(w, r, http.MethodGet) {
		return
	}
	s.writeSuccess(w, s.manager.GetCaseStatistics(), "")
}

// CancelCase cancels a running or suspended case
func (s *Server) CancelCase(w http.ResponseWriter, r *http.Request) {
	s.caseAction(w, r, "Case cancelled successfully", func(req CaseActionRequest) error {
		return s.manager.CancelCase(r.Context(), req.CaseID, req.Reason)
	})
}

// SuspendCase suspends a running case
func (s *Server) SuspendCase(w http.ResponseWriter, r *http.Request) {
	s.caseAction(w, r, "Case suspended successfully", func(req CaseActionRequest) error {
		return s.manager.SuspendCase(r.Context(), req.CaseID)
	})
}

// ResumeCase resumes a suspended case
func (s *Server) ResumeCase(w http.ResponseWriter, r *http.Request) {
	s.caseAction(w, r, "Case resumed successfully", func(req CaseActionRequest) error {
		return s.manager.ResumeCase(r.Context(), req.CaseID)
	})
}

func (s *Server) caseAction(w http.ResponseWriter, r *http.Request, message string, fn func(CaseActionRequest) error) {
	if !s.allow(w, r, http.MethodPost) {
		return
	}
	var req CaseActionRequest
	if !s.decode(w, r, &req) {
		return
	}
	if err := fn(req); err != nil {
		s.writeEngineError(w, err)
		return
	}
	state, err := s.manager.GetCaseState(req.CaseID)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.writeSuccess(w, state.Summary(), message)
}

// GetCaseWorkItems lists the work items of a case. Optional parameters are
// taskId and status (comma separated).
func (s *Server) GetCaseWorkItems(w http.ResponseWriter, r *http.Request) {
	if !s.allow(w, r, http.MethodGet) {
		return
	}
	caseID, ok := s.requireParam(w, r, "caseId")
	if !ok {
		return
	}
	q := r.URL.Query()
	filter := &models.WorkItemFilter{TaskID: q.Get("taskId")}
	if status := q.Get("status"); status != "" {
		for _, st := range strings.Split(status, ",") {
			filter.Status = append(filter.Status, models.WorkItemStatus(strings.ToUpper(strings.TrimSpace(st))))
		}
	}
	items, err := s.manager.ListWorkItems(caseID, filter)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.writeSuccess(w, items, "")
}
