package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMarkingTokens(t *testing.T) {
	m := NewMarking()
	assert.True(t, m.IsEmpty())

	m.AddTokens("c1", 2)
	m.AddTokens("c2", 1)
	m.AddTokens("c3", 0)
	assert.Equal(t, 3, m.TotalTokens())
	assert.Equal(t, []string{"c1", "c2"}, m.MarkedConditions())

	require.NoError(t, m.RemoveToken("c1"))
	assert.Equal(t, 1, m.Tokens("c1"))
	require.NoError(t, m.RemoveToken("c1"))
	assert.False(t, m.IsMarked("c1"))
	assert.Error(t, m.RemoveToken("c1"))

	assert.Equal(t, 1, m.ClearCondition("c2"))
	assert.True(t, m.IsEmpty())
}

func TestMarkingInstances(t *testing.T) {
	m := NewMarking()
	m.AddInstance("A", "c:A:1.2")
	m.AddInstance("A", "c:A:1.1")
	assert.True(t, m.IsBusy("A"))
	assert.Equal(t, []string{"c:A:1.1", "c:A:1.2"}, m.Instances("A"))
	assert.Equal(t, []string{"A"}, m.ActiveTasks())

	assert.True(t, m.RemoveInstance("A", "c:A:1.1"))
	assert.False(t, m.RemoveInstance("A", "c:A:1.1"))
	assert.ElementsMatch(t, []string{"c:A:1.2"}, m.ClearInstances("A"))
	assert.False(t, m.IsBusy("A"))
}

func TestMarkingSnapshotRoundTrip(t *testing.T) {
	m := NewMarking()
	m.AddTokens("c1", 2)
	m.AddInstance("B", "c:B:3.1")

	restored := RestoreMarking(m.Snapshot())
	assert.Equal(t, m.Signature(), restored.Signature())
	assert.Equal(t, m.Snapshot(), restored.Snapshot())

	clone := m.Clone()
	clone.AddTokens("c9", 1)
	assert.NotEqual(t, m.Signature(), clone.Signature())
	assert.False(t, m.IsMarked("c9"))
}
