package api

import (
	"io"
	"net/http"
	"sort"

	"go-net-flow/internal/models"
)

const maxSpecSize = 4 << 20

// SpecInfo summarises a registered net
type SpecInfo struct {
	ID              string `json:"id"`
	Name            string `json:"name"`
	InputCondition  string `json:"inputCondition"`
	OutputCondition string `json:"outputCondition"`
	Tasks           int    `json:"tasks"`
	Conditions      int    `json:"conditions"`
}

// SpecDetail is the full structure of a net and of the nets its composite tasks run
type SpecDetail struct {
	SpecInfo
	TaskDetails    []TaskInfo     `json:"taskDetails"`
	Flows          []*models.Flow `json:"flows"`
	Decompositions []SpecDetail   `json:"decompositions,omitempty"`
}

// TaskInfo is a task plus the id of the net it decomposes into
type TaskInfo struct {
	*models.Task
	SubNet string `json:"subNet,omitempty"`
}

func specInfo(net *models.Net) SpecInfo {
	return SpecInfo{
		ID:              net.ID(),
		Name:            net.Name(),
		InputCondition:  net.InputCondition(),
		OutputCondition: net.OutputCondition(),
		Tasks:           len(net.TaskIDs()),
		Conditions:      len(net.ConditionIDs()),
	}
}

// specDetail describes net; when nested is set every reachable sub-net is listed too
func specDetail(net *models.Net, nested bool) SpecDetail {
	d := SpecDetail{SpecInfo: specInfo(net), Flows: net.Flows()}
	for _, id := range net.TaskIDs() {
		task := net.Task(id)
		info := TaskInfo{Task: task}
		if task.IsComposite() {
			info.SubNet = task.Decomposition.Net.ID()
		}
		d.TaskDetails = append(d.TaskDetails, info)
	}
	if nested {
		for _, sub := range net.Decompositions() {
			d.Decompositions = append(d.Decompositions, specDetail(sub, false))
		}
	}
	return d
}

// LoadSpec parses a YAML or JSON net document and registers its root net
func (s *Server) LoadSpec(w http.ResponseWriter, r *http.Request) {
	if !s.allow(w, r, http.MethodPost) {
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxSpecSize))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid_body", "Failed to read body: "+err.Error())
		return
	}
	net, err := s.parser.Parse(body)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid_spec", "Failed to parse net: "+err.Error())
		return
	}
	if err := s.manager.RegisterSpec(net); err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.logger.InfoContext(r.Context(), "spec loaded", "spec_id", net.ID())
	s.writeSuccess(w, specInfo(net), "Spec loaded successfully")
}

// ListSpecs returns every registered spec ordered by id
func (s *Server) ListSpecs(w http.ResponseWriter, r *http.Request) {
	if !s.allow(w, r, http.MethodGet) {
		return
	}
	specs := s.manager.Specs()
	sort.Slice(specs, func(i, j int) bool { return specs[i].ID() < specs[j].ID() })
	out := make([]SpecInfo, 0, len(specs))
	for _, spec := range specs {
		out = append(out, specInfo(spec))
	}
	s.writeSuccess(w, out, "")
}

// GetSpec returns the structure of one spec
func (s *Server) GetSpec(w http.ResponseWriter, r *http.Request) {
	if !s.allow(w, r, http.MethodGet) {
		return
	}
	id, ok := s.requireParam(w, r, "id")
	if !ok {
		return
	}
	spec, err := s.manager.Spec(id)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.writeSuccess(w, specDetail(spec, true), "")
}

// DeleteSpec unregisters a spec that has no running cases
func (s *Server) DeleteSpec(w http.ResponseWriter, r *http.Request) {
	if !s.allow(w, r, http.MethodDelete) {
		return
	}
	id, ok := s.requireParam(w, r, "id")
	if !ok {
		return
	}
	if err := s.manager.UnregisterSpec(id); err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.writeSuccess(w, nil, "Spec deleted successfully")
}
