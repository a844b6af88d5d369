package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	case_manager "go-net-flow/internal/case"
	"go-net-flow/internal/events"
	"go-net-flow/internal/logging"
	"go-net-flow/internal/models"
)

const approvalSpec = `
id: approval
name: Approval
inputCondition: i
outputCondition: o
tasks:
  - id: request
    outputSchema:
      type: object
      required: [amount]
      properties:
        amount: {type: number}
  - id: route
    kind: empty
    split: xor
  - id: approve
  - id: reject
flows:
  - {from: i, to: request}
  - {from: request, to: route}
  - {from: route, to: approve, predicate: "amount > 100"}
  - {from: route, to: reject, default: true}
  - {from: approve, to: o}
  - {from: reject, to: o}
`

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Message string          `json:"message"`
	Error   string          `json:"error"`
}

func newTestServer(t *testing.T, opts ...Option) (*Server, http.Handler) {
	t.Helper()
	m := case_manager.NewManager(case_manager.WithLogger(logging.Discard()))
	t.Cleanup(func() { m.Close(context.Background()) })
	s := NewServer(m, append([]Option{WithLogger(logging.Discard())}, opts...)...)
	return s, s.Routes()
}

func do(t *testing.T, h http.Handler, method, path string, body interface{}) (int, envelope) {
	t.Helper()
	var reader *bytes.Reader
	switch b := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case string:
		reader = bytes.NewReader([]byte(b))
	default:
		data, err := json.Marshal(b)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	var env envelope
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &env), rr.Body.String())
	return rr.Code, env
}

func loadApproval(t *testing.T, h http.Handler) {
	t.Helper()
	code, env := do(t, h, http.MethodPost, "/api/specs/load", approvalSpec)
	require.Equal(t, http.StatusOK, code, env.Message)
	require.True(t, env.Success)
}

func launch(t *testing.T, h http.Handler) LaunchCaseResponse {
	t.Helper()
	code, env := do(t, h, http.MethodPost, "/api/cases/launch", LaunchCaseRequest{SpecID: "approval"})
	require.Equal(t, http.StatusOK, code, env.Message)
	var res LaunchCaseResponse
	require.NoError(t, json.Unmarshal(env.Data, &res))
	return res
}

func TestSpecEndpoints(t *testing.T) {
	_, h := newTestServer(t)
	loadApproval(t, h)

	code, env := do(t, h, http.MethodGet, "/api/specs/list", nil)
	require.Equal(t, http.StatusOK, code)
	var specs []SpecInfo
	require.NoError(t, json.Unmarshal(env.Data, &specs))
	require.Len(t, specs, 1)
	assert.Equal(t, "approval", specs[0].ID)
	assert.Equal(t, 4, specs[0].Tasks)

	code, env = do(t, h, http.MethodGet, "/api/specs/get?id=approval", nil)
	require.Equal(t, http.StatusOK, code)
	var detail map[string]interface{}
	require.NoError(t, json.Unmarshal(env.Data, &detail))
	assert.Len(t, detail["taskDetails"], 4)

	code, env = do(t, h, http.MethodGet, "/api/specs/get?id=nope", nil)
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, "not_found", env.Error)

	code, env = do(t, h, http.MethodGet, "/api/specs/get", nil)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "missing_parameter", env.Error)

	code, env = do(t, h, http.MethodPost, "/api/specs/load", "id: broken\ntasks: []\nflows: []\n")
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "invalid_spec", env.Error)

	code, _ = do(t, h, http.MethodDelete, "/api/specs/delete?id=approval", nil)
	assert.Equal(t, http.StatusOK, code)
}

func TestCaseLifecycleOverHTTP(t *testing.T) {
	_, h := newTestServer(t)
	loadApproval(t, h)

	launched := launch(t, h)
	assert.Equal(t, models.CaseStatusRunning, launched.Status)
	require.Len(t, launched.WorkItems, 1)
	request := launched.WorkItems[0]
	assert.Equal(t, "request", request.TaskID)

	code, env := do(t, h, http.MethodPost, "/api/workitems/start", WorkItemRequest{WorkItemID: request.ID})
	require.Equal(t, http.StatusOK, code, env.Message)
	var started models.WorkItem
	require.NoError(t, json.Unmarshal(env.Data, &started))
	assert.Equal(t, models.WorkItemStatusExecuting, started.Status)

	// output must match the task's schema
	code, env = do(t, h, http.MethodPost, "/api/workitems/complete", CompleteWorkItemRequest{
		WorkItemID: started.ID,
		Output:     map[string]interface{}{"amount": "lots"},
	})
	assert.Equal(t, http.StatusUnprocessableEntity, code)
	assert.Equal(t, "invalid_data", env.Error)

	code, env = do(t, h, http.MethodPost, "/api/workitems/complete", CompleteWorkItemRequest{
		WorkItemID: started.ID,
		Output:     map[string]interface{}{"amount": 250},
	})
	require.Equal(t, http.StatusOK, code, env.Message)

	code, env = do(t, h, http.MethodPost, "/api/workitems/complete", CompleteWorkItemRequest{WorkItemID: started.ID})
	assert.Equal(t, http.StatusConflict, code)
	assert.Equal(t, "invalid_state", env.Error)

	code, env = do(t, h, http.MethodGet, "/api/workitems/enabled?caseId="+launched.CaseID, nil)
	require.Equal(t, http.StatusOK, code)
	var enabled []*models.WorkItem
	require.NoError(t, json.Unmarshal(env.Data, &enabled))
	require.Len(t, enabled, 1)
	assert.Equal(t, "approve", enabled[0].TaskID)

	code, _ = do(t, h, http.MethodPost, "/api/workitems/start", WorkItemRequest{WorkItemID: enabled[0].ID})
	require.Equal(t, http.StatusOK, code)
	code, _ = do(t, h, http.MethodPost, "/api/workitems/complete", CompleteWorkItemRequest{WorkItemID: enabled[0].ID + ".1"})
	require.Equal(t, http.StatusOK, code)

	code, env = do(t, h, http.MethodGet, "/api/cases/get?id="+launched.CaseID, nil)
	require.Equal(t, http.StatusOK, code)
	var state models.CaseState
	require.NoError(t, json.Unmarshal(env.Data, &state))
	assert.Equal(t, models.CaseStatusCompleted, state.Status)
	assert.EqualValues(t, 250, state.CaseData["amount"])
}

func TestCaseActionsOverHTTP(t *testing.T) {
	_, h := newTestServer(t)
	loadApproval(t, h)
	launched := launch(t, h)

	code, env := do(t, h, http.MethodPost, "/api/cases/suspend", CaseActionRequest{CaseID: launched.CaseID})
	require.Equal(t, http.StatusOK, code, env.Message)

	code, env = do(t, h, http.MethodPost, "/api/workitems/start", WorkItemRequest{WorkItemID: launched.WorkItems[0].ID})
	assert.Equal(t, http.StatusConflict, code)

	code, _ = do(t, h, http.MethodPost, "/api/cases/resume", CaseActionRequest{CaseID: launched.CaseID})
	require.Equal(t, http.StatusOK, code)
	code, _ = do(t, h, http.MethodPost, "/api/cases/cancel", CaseActionRequest{CaseID: launched.CaseID, Reason: "withdrawn"})
	require.Equal(t, http.StatusOK, code)

	code, env = do(t, h, http.MethodGet, "/api/cases/query?status=cancelled", nil)
	require.Equal(t, http.StatusOK, code)
	var summaries []*models.CaseSummary
	require.NoError(t, json.Unmarshal(env.Data, &summaries))
	require.Len(t, summaries, 1)
	assert.Equal(t, launched.CaseID, summaries[0].ID)

	code, env = do(t, h, http.MethodGet, "/api/cases/list", nil)
	require.Equal(t, http.StatusOK, code)
	summaries = nil
	require.NoError(t, json.Unmarshal(env.Data, &summaries))
	assert.Len(t, summaries, 1)

	code, env = do(t, h, http.MethodGet, "/api/cases/workitems?caseId="+launched.CaseID+"&status=cancelled", nil)
	require.Equal(t, http.StatusOK, code)
	var items []*models.WorkItem
	require.NoError(t, json.Unmarshal(env.Data, &items))
	assert.NotEmpty(t, items)
}

func TestRequestValidation(t *testing.T) {
	_, h := newTestServer(t)

	code, env := do(t, h, http.MethodPost, "/api/cases/launch", LaunchCaseRequest{})
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "invalid_request", env.Error)

	code, env = do(t, h, http.MethodPost, "/api/cases/launch", "{not json")
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "invalid_json", env.Error)

	code, env = do(t, h, http.MethodGet, "/api/cases/launch", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, code)
	assert.Equal(t, "method_not_allowed", env.Error)

	code, env = do(t, h, http.MethodPost, "/api/workitems/start", WorkItemRequest{WorkItemID: "nope:A:1"})
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, "not_found", env.Error)

	code, _ = do(t, h, http.MethodGet, "/api/cases/query?createdAfter=yesterday", nil)
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestHealthAndCORS(t *testing.T) {
	_, h := newTestServer(t)
	code, env := do(t, h, http.MethodGet, "/api/health", nil)
	require.Equal(t, http.StatusOK, code)
	assert.True(t, env.Success)

	req := httptest.NewRequest(http.MethodOptions, "/api/cases/launch", nil)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "*", rr.Header().Get("Access-Control-Allow-Origin"))
}

func TestStreamEvents(t *testing.T) {
	bus := events.NewEventBus()
	defer bus.Close()
	m := case_manager.NewManager(case_manager.WithLogger(logging.Discard()), case_manager.WithEventBus(bus))
	defer m.Close(context.Background())
	s := NewServer(m, WithLogger(logging.Discard()), WithEventBus(bus))
	srv := httptest.NewServer(s.Routes())
	defer srv.Close()

	loadApproval(t, s.Routes())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/events/stream?types=case.launched", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	caseID, err := m.LaunchCase(context.Background(), "approval", nil)
	require.NoError(t, err)

	scanner := bufio.NewScanner(resp.Body)
	var data string
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "data: ") {
			data = strings.TrimPrefix(line, "data: ")
			break
		}
	}
	require.NotEmpty(t, data)
	var ev events.Event
	require.NoError(t, json.Unmarshal([]byte(data), &ev))
	assert.Equal(t, events.EventCaseLaunched, ev.Type)
	assert.Equal(t, caseID, ev.CaseID)
}

func TestEventLag(t *testing.T) {
	_, plain := newTestServer(t)
	code, _ := do(t, plain, http.MethodGet, "/api/events/lag?caseId=c9", nil)
	assert.Equal(t, http.StatusNotImplemented, code)

	bus := events.NewEventBus()
	defer bus.Close()
	_, h := newTestServer(t, WithEventBus(bus))
	_, cleanup := bus.Subscribe(context.Background(), events.Filter{CaseID: "c9"}, 1)
	defer cleanup()
	for i := 0; i < 3; i++ {
		require.NoError(t, bus.Publish(context.Background(), events.Event{Type: events.EventTaskEnabled, CaseID: "c9"}))
	}

	code, env := do(t, h, http.MethodGet, "/api/events/lag?caseId=c9", nil)
	require.Equal(t, http.StatusOK, code, env.Message)
	var lag struct {
		CaseID  string `json:"caseId"`
		Dropped int    `json:"dropped"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &lag))
	assert.Equal(t, "c9", lag.CaseID)
	assert.Equal(t, 2, lag.Dropped)

	code, _ = do(t, h, http.MethodGet, "/api/events/lag", nil)
	assert.Equal(t, http.StatusBadRequest, code)
}
