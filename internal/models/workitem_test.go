package models

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWorkItemTransitions(t *testing.T) {
	now := time.Now()
	item := NewWorkItem("c:A:1.1", "c", "c", "A", "A")
	item.ParentID = "c:A:1"

	require.NoError(t, item.Transition(WorkItemStatusFired, now))
	require.NoError(t, item.Transition(WorkItemStatusExecuting, now))
	assert.NotNil(t, item.StartedAt)
	assert.True(t, item.IsActive())

	// rollback clears the start
	require.NoError(t, item.Transition(WorkItemStatusFired, now))
	assert.Nil(t, item.StartedAt)

	require.NoError(t, item.Transition(WorkItemStatusExecuting, now))
	require.NoError(t, item.Transition(WorkItemStatusComplete, now.Add(time.Second)))
	assert.True(t, item.IsTerminated())
	assert.Equal(t, time.Second, item.GetDuration())

	err := item.Transition(WorkItemStatusExecuting, now)
	assert.True(t, errors.Is(err, ErrStateTransition))

	enabled := NewWorkItem("c:B:2", "c", "c", "B", "B")
	assert.True(t, enabled.IsParent())
	assert.Error(t, enabled.Transition(WorkItemStatusExecuting, now), "enabled items fire first")
}

func TestWorkItemFilterAndClone(t *testing.T) {
	past := time.Now().Add(-time.Minute)
	item := NewWorkItem("c:A:1.1", "c", "c/sub", "A", "A")
	item.ParentID = "c:A:1"
	item.Status = WorkItemStatusExecuting
	item.DueDate = &past
	item.Data["lines"] = []interface{}{map[string]interface{}{"sku": "x"}}

	overdue := true
	assert.True(t, (&WorkItemFilter{CaseID: "c", ChildOnly: true, Overdue: &overdue}).Matches(item))
	assert.False(t, (&WorkItemFilter{ParentOnly: true}).Matches(item))
	assert.False(t, (&WorkItemFilter{NetID: "c"}).Matches(item))
	assert.False(t, (&WorkItemFilter{Status: []WorkItemStatus{WorkItemStatusEnabled}}).Matches(item))

	clone := item.Clone()
	clone.Data["lines"].([]interface{})[0].(map[string]interface{})["sku"] = "y"
	*clone.DueDate = past.Add(time.Hour)
	assert.Equal(t, "x", item.Data["lines"].([]interface{})[0].(map[string]interface{})["sku"])
	assert.Equal(t, past, *item.DueDate)
}

func TestDecompositionMappings(t *testing.T) {
	d := &Decomposition{
		InputMapping:  map[string]string{"doc": "document"},
		OutputMapping: map[string]string{"verdict": "result"},
	}
	assert.Equal(t, map[string]interface{}{"document": "d-1"}, d.ChildData(map[string]interface{}{"doc": "d-1", "other": 1}))
	assert.Equal(t, map[string]interface{}{"result": "ok"}, d.ParentOutput(map[string]interface{}{"verdict": "ok", "scratch": true}))

	whole := &Decomposition{}
	assert.Equal(t, map[string]interface{}{"a": 1}, whole.ChildData(map[string]interface{}{"a": 1}))
}

func TestParamSchemaNormalisesGoValues(t *testing.T) {
	schema := MustParamSchema("t", `{"type": "object", "properties": {"n": {"type": "integer"}}, "required": ["n"]}`)
	assert.Equal(t, "t", schema.Name())
	assert.NoError(t, schema.Validate(map[string]interface{}{"n": 3}))
	assert.Error(t, schema.Validate(map[string]interface{}{"n": "3"}))
	assert.Error(t, schema.Validate(nil))

	_, err := NewParamSchema("bad", []byte(`{"type": 5}`))
	assert.Error(t, err)
}
