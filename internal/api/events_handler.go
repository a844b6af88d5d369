package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"go-net-flow/internal/events"
)

// StreamEvents streams engine events as server-sent events until the client
// goes away. Optional parameters are caseId, taskId and types (comma separated).
func (s *Server) StreamEvents(w http.ResponseWriter, r *http.Request) {
	if !s.allow(w, r, http.MethodGet) {
		return
	}
	if s.bus == nil {
		s.writeError(w, http.StatusNotImplemented, "events_disabled", "Event streaming is not enabled")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeError(w, http.StatusInternalServerError, "streaming_unsupported", "Streaming is not supported")
		return
	}

	q := r.URL.Query()
	filter := events.Filter{CaseID: q.Get("caseId"), TaskID: q.Get("taskId")}
	if types := q.Get("types"); types != "" {
		for _, t := range strings.Split(types, ",") {
			filter.Types = append(filter.Types, events.EventType(strings.TrimSpace(t)))
		}
	}
	ch, cleanup := s.bus.Subscribe(r.Context(), filter, 0)
	defer cleanup()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				s.logger.ErrorContext(r.Context(), "failed to encode event", "type", ev.Type, "error", err)
				continue
			}
			if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// EventLag reports how many events of a case were dropped for lagging
// subscribers, so a client can tell its stream is incomplete and reload the case.
func (s *Server) EventLag(w http.ResponseWriter, r *http.Request) {
	if !s.allow(w, r, http.MethodGet) {
		return
	}
	if s.bus == nil {
		s.writeError(w, http.StatusNotImplemented, "events_disabled", "Event streaming is not enabled")
		return
	}
	caseID, ok := s.requireParam(w, r, "caseId")
	if !ok {
		return
	}
	s.writeSuccess(w, map[string]interface{}{"caseId": caseID, "dropped": s.bus.Lag(caseID)}, "")
}
