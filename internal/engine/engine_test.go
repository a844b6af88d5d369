package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go-net-flow/internal/expression"
	"go-net-flow/internal/models"
)

// orNet: A splits into B and C, D OR-joins them
//
//	i -> A -> cB -> B -> cD1 -> D -> o
//	      \-> cC -> C -> cD2 -/
func orNet(t *testing.T) *models.Net {
	t.Helper()
	net, err := models.NewNetBuilder("or", "OR").
		InputCondition("i", "i").OutputCondition("o", "o").
		AddCondition(models.NewCondition("cB", "cB")).
		AddCondition(models.NewCondition("cC", "cC")).
		AddCondition(models.NewCondition("cD1", "cD1")).
		AddCondition(models.NewCondition("cD2", "cD2")).
		AddTask(models.NewTask("A", "A").WithSplit(models.SplitOR)).
		AddTask(models.NewTask("B", "B")).
		AddTask(models.NewTask("C", "C")).
		AddTask(models.NewTask("D", "D").WithJoin(models.JoinOR)).
		AddFlow(models.NewFlow("i", "A")).
		AddFlow(models.NewPredicateFlow("A", "cB", "b == true")).
		AddFlow(models.NewPredicateFlow("A", "cC", "c == true")).
		Connect("cB", "B", "cD1", "D", "o").
		Connect("cC", "C", "cD2", "D").
		Build()
	require.NoError(t, err)
	return net
}

func marking(tokens ...string) *models.Marking {
	m := models.NewMarking()
	for _, c := range tokens {
		m.AddTokens(c, 1)
	}
	return m
}

func TestAndJoinNeedsEveryInput(t *testing.T) {
	net, err := models.NewNetBuilder("and", "AND").
		InputCondition("i", "i").OutputCondition("o", "o").
		AddTask(models.NewTask("A", "A")).
		AddTask(models.NewTask("B", "B")).
		AddTask(models.NewTask("C", "C")).
		AddTask(models.NewTask("J", "J").WithJoin(models.JoinAND)).
		Connect("i", "A", "B", "J", "o").
		Connect("A", "C", "J").
		Build()
	require.NoError(t, err)
	e := NewEvaluator(net)

	fromB := models.ImplicitConditionID("B", "J")
	fromC := models.ImplicitConditionID("C", "J")
	assert.False(t, e.IsEnabled("J", marking(fromB), nil))
	assert.True(t, e.IsEnabled("J", marking(fromB, fromC), nil))

	_, err = e.Consume("J", marking(fromB))
	assert.Error(t, err)

	m := marking(fromB, fromC)
	taken, err := e.Consume("J", m)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{fromB, fromC}, taken)
	assert.Zero(t, m.TotalTokens())

	preds := expression.NewEvaluator()
	defer preds.Close()
	targets, err := e.SplitTargets("A", nil, preds)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{models.ImplicitConditionID("A", "B"), models.ImplicitConditionID("A", "C")}, targets)
}

func TestXorJoinTakesOneToken(t *testing.T) {
	e := NewEvaluator(orNet(t))
	m := marking("cB")
	assert.True(t, e.IsEnabled("B", m, nil))
	assert.False(t, e.IsEnabled("C", m, nil))
	assert.Equal(t, []string{"B"}, e.EnabledTasks(m, nil))

	taken, err := e.Consume("B", m)
	require.NoError(t, err)
	assert.Equal(t, []string{"cB"}, taken)
	_, err = e.Consume("B", m)
	assert.Error(t, err)
}

func TestOrJoinWaitsForReachableInputs(t *testing.T) {
	e := NewEvaluator(orNet(t))

	// C can still deliver to cD2
	pending := marking("cD1", "cC")
	assert.False(t, e.IsEnabled("D", pending, nil))
	assert.True(t, e.IsOrJoinBlocked("D", pending, nil))
	assert.False(t, e.IsEnabled("D", pending, nil), "memoised result is stable")

	// C is executing
	running := marking("cD1")
	assert.False(t, e.IsEnabled("D", running, []string{"C"}))
	running.AddInstance("C", "x:C:1.1")
	assert.False(t, e.IsEnabled("D", running, nil))

	// nothing upstream of cD2 is live
	alone := marking("cD1")
	assert.True(t, e.IsEnabled("D", alone, nil))
	assert.False(t, e.IsOrJoinBlocked("D", alone, nil))

	both := marking("cD1", "cD2")
	assert.True(t, e.IsEnabled("D", both, nil))
	taken, err := e.Consume("D", both)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"cD1", "cD2"}, taken)

	assert.False(t, e.IsEnabled("D", marking(), nil))
	assert.False(t, e.IsOrJoinBlocked("D", marking(), nil))
}

func TestSplitRouting(t *testing.T) {
	net, err := models.NewNetBuilder("xor", "XOR").
		InputCondition("i", "i").OutputCondition("o", "o").
		AddCondition(models.NewCondition("high", "high")).
		AddCondition(models.NewCondition("mid", "mid")).
		AddCondition(models.NewCondition("low", "low")).
		AddTask(models.NewTask("S", "S").WithSplit(models.SplitXOR)).
		AddTask(models.NewTask("H", "H")).
		AddTask(models.NewTask("M", "M")).
		AddTask(models.NewTask("L", "L")).
		AddFlow(models.NewFlow("i", "S")).
		AddFlow(models.NewPredicateFlow("S", "high", "amount > 1000")).
		AddFlow(models.NewPredicateFlow("S", "mid", "amount > 100")).
		AddFlow(&models.Flow{Source: "S", Target: "low", IsDefault: true}).
		Connect("high", "H", "o").
		Connect("mid", "M", "o").
		Connect("low", "L", "o").
		Build()
	require.NoError(t, err)
	e := NewEvaluator(net)
	preds := expression.NewEvaluator()
	defer preds.Close()

	for amount, want := range map[float64]string{5000: "high", 500: "mid", 5: "low"} {
		targets, err := e.SplitTargets("S", map[string]interface{}{"amount": amount}, preds)
		require.NoError(t, err)
		assert.Equal(t, []string{want}, targets, "amount %v", amount)
	}

	_, err = e.SplitTargets("S", map[string]interface{}{"amount": "x"}, preds)
	assert.Error(t, err, "comparing a string with a number fails in Lua")

	_, err = e.SplitTargets("nope", nil, preds)
	assert.Error(t, err)
}

func TestOrSplitTakesEveryMatch(t *testing.T) {
	e := NewEvaluator(orNet(t))
	preds := expression.NewEvaluator()
	defer preds.Close()

	targets, err := e.SplitTargets("A", map[string]interface{}{"b": true, "c": true}, preds)
	require.NoError(t, err)
	assert.Equal(t, []string{"cB", "cC"}, targets)

	targets, err = e.SplitTargets("A", map[string]interface{}{"c": true}, preds)
	require.NoError(t, err)
	assert.Equal(t, []string{"cC"}, targets)

	// no match and no flagged default: the last declared flow
	targets, err = e.SplitTargets("A", nil, preds)
	require.NoError(t, err)
	assert.Equal(t, []string{"cC"}, targets)
}
