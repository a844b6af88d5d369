package workitem

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go-net-flow/internal/engine"
	"go-net-flow/internal/expression"
	"go-net-flow/internal/models"
)

func sequenceNet(t *testing.T, task *models.Task) *models.Net {
	t.Helper()
	net, err := models.NewNetBuilder("seq", "Sequence").
		InputCondition("i", "start").
		OutputCondition("o", "end").
		AddTask(task).
		Connect("i", task.ID, "o").
		Build()
	require.NoError(t, err)
	return net
}

func newLifecycle(t *testing.T, net *models.Net, opts Options) (*Lifecycle, *models.Marking, *Repository) {
	t.Helper()
	exprs := expression.NewEvaluator()
	t.Cleanup(exprs.Close)
	marking := models.NewMarking()
	marking.AddTokens(net.InputCondition(), 1)
	items := NewRepository()
	return NewLifecycle("case1", "seq", engine.NewEvaluator(net), marking, items, exprs, opts), marking, items
}

func TestLifecycleFireStartComplete(t *testing.T) {
	net := sequenceNet(t, models.NewTask("A", "Approve"))
	lc, marking, items := newLifecycle(t, net, Options{})
	data := map[string]interface{}{"amount": 10}

	res, err := lc.Fire("A", "", data)
	require.NoError(t, err)
	require.Len(t, res.Instances, 1)
	assert.Equal(t, "case1:A:1", res.Parent.ID)
	assert.Equal(t, "case1:A:1.1", res.Instances[0].ID)
	assert.Equal(t, models.WorkItemStatusFired, res.Parent.Status)
	assert.Equal(t, []string{"i"}, res.Consumed)
	assert.Equal(t, 0, marking.Tokens("i"))
	assert.True(t, marking.IsBusy("A"))

	child := res.Instances[0]
	_, err = lc.Start(child.ID)
	require.NoError(t, err)
	assert.Equal(t, models.WorkItemStatusExecuting, child.Status)
	assert.NotNil(t, child.StartedAt)

	outcome, err := lc.Complete(child.ID, map[string]interface{}{"approved": true}, data)
	require.NoError(t, err)
	assert.True(t, outcome.TaskExited)
	assert.Equal(t, []string{"o"}, outcome.Produced)
	assert.Equal(t, 1, marking.Tokens("o"))
	assert.False(t, marking.IsBusy("A"))
	assert.Equal(t, true, data["approved"])
	assert.Equal(t, 10, data["amount"])

	parent, err := items.Get(res.Parent.ID)
	require.NoError(t, err)
	assert.Equal(t, models.WorkItemStatusComplete, parent.Status)
}

func TestLifecycleDoubleCompleteRejected(t *testing.T) {
	net := sequenceNet(t, models.NewTask("A", "A"))
	lc, marking, _ := newLifecycle(t, net, Options{})
	data := map[string]interface{}{}

	res, err := lc.Fire("A", "", data)
	require.NoError(t, err)
	id := res.Instances[0].ID
	_, err = lc.Start(id)
	require.NoError(t, err)
	_, err = lc.Complete(id, nil, data)
	require.NoError(t, err)
	before := marking.Signature()

	_, err = lc.Complete(id, nil, data)
	require.Error(t, err)
	assert.True(t, errors.Is(err, models.ErrStateTransition))
	assert.Equal(t, before, marking.Signature())
}

func TestLifecycleCompleteRequiresExecuting(t *testing.T) {
	net := sequenceNet(t, models.NewTask("A", "A"))
	lc, marking, _ := newLifecycle(t, net, Options{})

	res, err := lc.Fire("A", "", nil)
	require.NoError(t, err)

	_, err = lc.Complete(res.Instances[0].ID, nil, map[string]interface{}{})
	assert.True(t, errors.Is(err, models.ErrStateTransition))
	_, err = lc.Complete(res.Parent.ID, nil, map[string]interface{}{})
	assert.True(t, errors.Is(err, models.ErrStateTransition))
	assert.Equal(t, 0, marking.Tokens("o"))
}

func TestLifecycleEndedTaskItemRejectsExit(t *testing.T) {
	net := sequenceNet(t, models.NewTask("A", "A"))
	lc, marking, items := newLifecycle(t, net, Options{})
	data := map[string]interface{}{}

	res, err := lc.Fire("A", "", data)
	require.NoError(t, err)
	child := res.Instances[0]
	_, err = lc.Start(child.ID)
	require.NoError(t, err)

	parent, err := items.Get(res.Parent.ID)
	require.NoError(t, err)
	parent.Status = models.WorkItemStatusCancelled

	_, err = lc.Complete(child.ID, map[string]interface{}{"x": 1}, data)
	require.Error(t, err)
	assert.True(t, errors.Is(err, models.ErrStateTransition))
	assert.Equal(t, models.WorkItemStatusExecuting, child.Status)
	assert.Equal(t, 0, marking.Tokens("o"))
	assert.True(t, marking.IsBusy("A"))
	assert.Empty(t, data)

	_, err = lc.Fail(child.ID, "broken", data)
	assert.True(t, errors.Is(err, models.ErrStateTransition))
	assert.Equal(t, models.WorkItemStatusExecuting, child.Status)
}

func TestLifecycleOutputValidation(t *testing.T) {
	schema := models.MustParamSchema("seq.A", `{
		"type": "object",
		"required": ["decision"],
		"properties": {"decision": {"type": "string", "enum": ["approve", "reject"]}}
	}`)
	net := sequenceNet(t, models.NewTask("A", "A").WithOutputSchema(schema))
	lc, marking, _ := newLifecycle(t, net, Options{})
	data := map[string]interface{}{}

	res, err := lc.Fire("A", "", data)
	require.NoError(t, err)
	child := res.Instances[0]
	_, err = lc.Start(child.ID)
	require.NoError(t, err)

	_, err = lc.Complete(child.ID, map[string]interface{}{"decision": "maybe"}, data)
	require.Error(t, err)
	var dve *models.DataValidationError
	require.True(t, errors.As(err, &dve))
	assert.Equal(t, child.ID, dve.WorkItemID)
	assert.Equal(t, models.WorkItemStatusExecuting, child.Status)
	assert.Equal(t, 0, marking.Tokens("o"))
	assert.Empty(t, data)

	_, err = lc.Complete(child.ID, map[string]interface{}{"decision": "approve"}, data)
	require.NoError(t, err)
	assert.Equal(t, "approve", data["decision"])
}

func TestLifecycleFireNotEnabled(t *testing.T) {
	net := sequenceNet(t, models.NewTask("A", "A"))
	lc, marking, items := newLifecycle(t, net, Options{})
	require.NoError(t, marking.RemoveToken("i"))

	_, err := lc.Fire("A", "", nil)
	assert.True(t, errors.Is(err, models.ErrStateTransition))
	assert.Equal(t, 0, items.Count())
}

func TestLifecycleEnableThenFireAndWithdraw(t *testing.T) {
	net := sequenceNet(t, models.NewTask("A", "A"))
	lc, _, _ := newLifecycle(t, net, Options{})

	enabled, err := lc.Enable("A", nil)
	require.NoError(t, err)
	assert.Equal(t, models.WorkItemStatusEnabled, enabled.Status)

	res, err := lc.Fire("A", enabled.ID, nil)
	require.NoError(t, err)
	assert.Same(t, enabled, res.Parent)
	assert.Equal(t, models.WorkItemStatusFired, enabled.Status)

	_, err = lc.Withdraw(enabled.ID, "lost")
	assert.True(t, errors.Is(err, models.ErrStateTransition))

	other, err := lc.Enable("A", nil)
	require.NoError(t, err)
	withdrawn, err := lc.Withdraw(other.ID, "deferred choice")
	require.NoError(t, err)
	assert.Equal(t, models.WorkItemStatusCancelled, withdrawn.Status)
	assert.Equal(t, "deferred choice", withdrawn.CancelledBy)
}

func TestLifecycleMultiInstanceThreshold(t *testing.T) {
	task := models.NewTask("R", "Review").WithMultiInstance(&models.MultiInstance{
		Min: 3, Max: 3, Threshold: 2, Mode: models.CreationStatic, OutputVar: "reviews",
	})
	net := sequenceNet(t, task)
	lc, marking, _ := newLifecycle(t, net, Options{})
	data := map[string]interface{}{}

	res, err := lc.Fire("R", "", data)
	require.NoError(t, err)
	require.Len(t, res.Instances, 3)
	assert.Len(t, marking.Instances("R"), 3)
	for _, inst := range res.Instances {
		_, err := lc.Start(inst.ID)
		require.NoError(t, err)
	}

	outcome, err := lc.Complete(res.Instances[0].ID, map[string]interface{}{"score": 1}, data)
	require.NoError(t, err)
	assert.False(t, outcome.TaskExited)
	assert.Equal(t, 0, marking.Tokens("o"))

	outcome, err = lc.Complete(res.Instances[1].ID, map[string]interface{}{"score": 2}, data)
	require.NoError(t, err)
	assert.True(t, outcome.TaskExited)
	require.Len(t, outcome.Withdrawn, 1)
	assert.Equal(t, res.Instances[2].ID, outcome.Withdrawn[0].ID)
	assert.Equal(t, models.WorkItemStatusCancelled, res.Instances[2].Status)
	assert.Equal(t, 1, marking.Tokens("o"))
	assert.False(t, marking.IsBusy("R"))

	reviews, ok := data["reviews"].([]interface{})
	require.True(t, ok)
	assert.Len(t, reviews, 2)

	_, err = lc.Complete(res.Instances[2].ID, nil, data)
	var race *models.CancellationRaceError
	assert.True(t, errors.As(err, &race))
}

func TestLifecycleMultiInstanceFromList(t *testing.T) {
	task := models.NewTask("R", "Review").WithMultiInstance(&models.MultiInstance{
		Min: 1, Max: 5, Mode: models.CreationStatic, CountExpr: "reviewers", InstanceVar: "reviewer",
	})
	net := sequenceNet(t, task)
	lc, _, _ := newLifecycle(t, net, Options{})

	res, err := lc.Fire("R", "", map[string]interface{}{"reviewers": []interface{}{"ann", "bob"}})
	require.NoError(t, err)
	require.Len(t, res.Instances, 2)
	assert.Equal(t, "ann", res.Instances[0].Data["reviewer"])
	assert.Equal(t, "bob", res.Instances[1].Data["reviewer"])
	assert.Equal(t, 1, res.Instances[1].InstanceIndex)
}

func TestLifecycleMultiInstanceMissingData(t *testing.T) {
	mi := &models.MultiInstance{Min: 2, Max: 4, Mode: models.CreationStatic, CountExpr: "reviewers"}

	t.Run("use min", func(t *testing.T) {
		net := sequenceNet(t, models.NewTask("R", "R").WithMultiInstance(mi.Clone()))
		lc, _, _ := newLifecycle(t, net, Options{Policy: MissingDataUseMin})
		res, err := lc.Fire("R", "", map[string]interface{}{})
		require.NoError(t, err)
		assert.Len(t, res.Instances, 2)
	})

	t.Run("fail", func(t *testing.T) {
		net := sequenceNet(t, models.NewTask("R", "R").WithMultiInstance(mi.Clone()))
		lc, marking, items := newLifecycle(t, net, Options{Policy: MissingDataFail})
		_, err := lc.Fire("R", "", map[string]interface{}{})
		assert.True(t, errors.Is(err, models.ErrDataValidation))
		assert.Equal(t, 1, marking.Tokens("i"))
		assert.Equal(t, 0, items.Count())
	})

	t.Run("above max", func(t *testing.T) {
		net := sequenceNet(t, models.NewTask("R", "R").WithMultiInstance(mi.Clone()))
		lc, marking, _ := newLifecycle(t, net, Options{})
		_, err := lc.Fire("R", "", map[string]interface{}{"reviewers": 9})
		assert.True(t, errors.Is(err, models.ErrDataValidation))
		assert.Equal(t, 1, marking.Tokens("i"))
	})
}

func TestLifecycleDynamicInstances(t *testing.T) {
	task := models.NewTask("R", "R").WithMultiInstance(&models.MultiInstance{
		Min: 1, Max: 2, Mode: models.CreationDynamic,
	})
	net := sequenceNet(t, task)
	lc, marking, _ := newLifecycle(t, net, Options{})

	res, err := lc.Fire("R", "", nil)
	require.NoError(t, err)
	added, err := lc.AddInstance(res.Parent.ID, map[string]interface{}{"extra": true})
	require.NoError(t, err)
	assert.Equal(t, 1, added.InstanceIndex)
	assert.Equal(t, true, added.Data["extra"])
	assert.Len(t, marking.Instances("R"), 2)

	_, err = lc.AddInstance(res.Parent.ID, nil)
	assert.True(t, errors.Is(err, models.ErrStateTransition))
}

func TestLifecycleStaticInstancesCannotGrow(t *testing.T) {
	task := models.NewTask("R", "R").WithMultiInstance(&models.MultiInstance{Min: 1, Max: 3, Mode: models.CreationStatic})
	lc, _, _ := newLifecycle(t, sequenceNet(t, task), Options{})

	res, err := lc.Fire("R", "", nil)
	require.NoError(t, err)
	_, err = lc.AddInstance(res.Parent.ID, nil)
	assert.True(t, errors.Is(err, models.ErrStateTransition))
}

func TestLifecycleCancelLastInstanceEndsTask(t *testing.T) {
	net := sequenceNet(t, models.NewTask("A", "A"))
	lc, marking, _ := newLifecycle(t, net, Options{})

	res, err := lc.Fire("A", "", nil)
	require.NoError(t, err)
	outcome, err := lc.Cancel(res.Instances[0].ID, "client", map[string]interface{}{})
	require.NoError(t, err)
	assert.True(t, outcome.TaskEnded)
	assert.False(t, outcome.TaskExited)
	assert.Equal(t, models.WorkItemStatusCancelled, res.Parent.Status)
	assert.Equal(t, 0, marking.TotalTokens())
	assert.False(t, marking.IsBusy("A"))
}

func TestLifecycleFailAfterThresholdMetExits(t *testing.T) {
	task := models.NewTask("R", "R").WithMultiInstance(&models.MultiInstance{
		Min: 2, Max: 2, Threshold: 1, Mode: models.CreationStatic,
	})
	net := sequenceNet(t, task)
	lc, marking, _ := newLifecycle(t, net, Options{})
	data := map[string]interface{}{}

	res, err := lc.Fire("R", "", data)
	require.NoError(t, err)
	for _, inst := range res.Instances {
		_, err := lc.Start(inst.ID)
		require.NoError(t, err)
	}

	outcome, err := lc.Fail(res.Instances[0].ID, "broken", data)
	require.NoError(t, err)
	assert.False(t, outcome.TaskExited)
	assert.False(t, outcome.TaskEnded)
	assert.Equal(t, "broken", res.Instances[0].FailureReason)

	outcome, err = lc.Complete(res.Instances[1].ID, map[string]interface{}{"ok": true}, data)
	require.NoError(t, err)
	assert.True(t, outcome.TaskExited)
	assert.Equal(t, 1, marking.Tokens("o"))
}

func TestLifecycleRollback(t *testing.T) {
	lc, _, _ := newLifecycle(t, sequenceNet(t, models.NewTask("A", "A")), Options{})

	res, err := lc.Fire("A", "", nil)
	require.NoError(t, err)
	child := res.Instances[0]

	_, err = lc.Rollback(child.ID)
	assert.True(t, errors.Is(err, models.ErrStateTransition))

	_, err = lc.Start(child.ID)
	require.NoError(t, err)
	_, err = lc.Rollback(child.ID)
	require.NoError(t, err)
	assert.Equal(t, models.WorkItemStatusFired, child.Status)
	assert.Nil(t, child.StartedAt)
}

func TestLifecycleTimerSetsDueDate(t *testing.T) {
	now := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	task := models.NewTask("A", "A").WithTimer(time.Hour, models.TimeoutEscalate)
	lc, _, _ := newLifecycle(t, sequenceNet(t, task), Options{Now: func() time.Time { return now }})

	res, err := lc.Fire("A", "", nil)
	require.NoError(t, err)
	require.NotNil(t, res.Instances[0].DueDate)
	assert.Equal(t, now.Add(time.Hour), *res.Instances[0].DueDate)
}

func TestLifecycleCancelTask(t *testing.T) {
	task := models.NewTask("R", "R").WithMultiInstance(&models.MultiInstance{Min: 2, Max: 2, Mode: models.CreationStatic})
	lc, marking, _ := newLifecycle(t, sequenceNet(t, task), Options{})

	res, err := lc.Fire("R", "", nil)
	require.NoError(t, err)
	cancelled := lc.CancelTask("R", "cancellation set")
	assert.Len(t, cancelled, 3)
	assert.False(t, marking.IsBusy("R"))
	for _, inst := range res.Instances {
		assert.Equal(t, "cancellation set", inst.CancelledBy)
	}
}

func TestLifecycleFireEmptyRoutes(t *testing.T) {
	route := models.NewEmptyTask("X", "route").WithSplit(models.SplitXOR)
	net, err := models.NewNetBuilder("route", "Route").
		InputCondition("i", "start").
		OutputCondition("o", "end").
		AddCondition(models.NewCondition("high", "high")).
		AddCondition(models.NewCondition("low", "low")).
		AddTask(route).
		AddTask(models.NewEmptyTask("H", "H")).
		AddTask(models.NewEmptyTask("L", "L")).
		AddFlow(models.NewFlow("i", "X")).
		AddFlow(models.NewPredicateFlow("X", "high", "amount > 100")).
		AddFlow(models.NewDefaultFlow("X", "low")).
		Connect("high", "H", "o").
		Connect("low", "L", "o").
		Build()
	require.NoError(t, err)

	lc, marking, _ := newLifecycle(t, net, Options{})
	produced, err := lc.FireEmpty("X", map[string]interface{}{"amount": 500})
	require.NoError(t, err)
	assert.Equal(t, []string{"high"}, produced)
	assert.Equal(t, 1, marking.Tokens("high"))
	assert.Equal(t, 0, marking.Tokens("i"))

	_, err = lc.Fire("H", "", nil)
	assert.Error(t, err)
}
