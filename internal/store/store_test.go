package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	case_manager "go-net-flow/internal/case"
	"go-net-flow/internal/config"
	"go-net-flow/internal/logging"
	"go-net-flow/internal/models"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	cfg := config.DefaultConfig().Store
	cfg.Path = filepath.Join(t.TempDir(), "cases.db")
	s, err := Open(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func caseState(id string, status models.CaseStatus, updated time.Time) *models.CaseState {
	return &models.CaseState{
		CaseID: id,
		SpecID: "seq",
		Status: status,
		Marking: models.MarkingSnapshot{
			Tokens:    map[string]int{"i": 1},
			Instances: map[string][]string{},
		},
		WorkItems: []*models.WorkItem{models.NewWorkItem(id+":A:1", id, id, "A", "A")},
		CaseData:  map[string]interface{}{"amount": 12.5, "owner": "kim"},
		Sequence:  1,
		CreatedAt: updated.Add(-time.Minute),
		UpdatedAt: updated,
	}
}

func TestOpenUsesWAL(t *testing.T) {
	s := openTestStore(t)
	var mode string
	require.NoError(t, s.conn.QueryRow("PRAGMA journal_mode").Scan(&mode))
	assert.Equal(t, "wal", mode)
	assert.NoError(t, s.Health(context.Background()))
}

func TestSaveAndLoadCase(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, s.SaveCase(ctx, caseState("c1", models.CaseStatusRunning, now)))
	got, err := s.LoadCase(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, "seq", got.SpecID)
	assert.Equal(t, models.CaseStatusRunning, got.Status)
	assert.Equal(t, map[string]int{"i": 1}, got.Marking.Tokens)
	assert.Equal(t, 12.5, got.CaseData["amount"])
	require.Len(t, got.WorkItems, 1)
	assert.Equal(t, "c1:A:1", got.WorkItems[0].ID)
	assert.True(t, now.Equal(got.UpdatedAt))

	_, err = s.LoadCase(ctx, "missing")
	assert.True(t, errors.Is(err, models.ErrNotFound))
}

func TestStaleSnapshotDoesNotOverwrite(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, s.SaveCase(ctx, caseState("c1", models.CaseStatusSuspended, now)))
	require.NoError(t, s.SaveCase(ctx, caseState("c1", models.CaseStatusRunning, now.Add(-time.Second))))

	got, err := s.LoadCase(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, models.CaseStatusSuspended, got.Status)
}

func TestLoadActiveAndPrune(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	done := caseState("c3", models.CaseStatusCompleted, now)
	finished := now.Add(-time.Hour)
	done.CompletedAt = &finished
	for _, state := range []*models.CaseState{
		caseState("c1", models.CaseStatusRunning, now),
		caseState("c2", models.CaseStatusSuspended, now.Add(time.Second)),
		done,
	} {
		require.NoError(t, s.SaveCase(ctx, state))
	}

	active, err := s.LoadActive(ctx)
	require.NoError(t, err)
	require.Len(t, active, 2)
	assert.Equal(t, "c1", active[0].CaseID)
	assert.Equal(t, "c2", active[1].CaseID)

	n, err := s.PruneFinished(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	_, err = s.LoadCase(ctx, "c3")
	assert.True(t, errors.Is(err, models.ErrNotFound))

	require.NoError(t, s.DeleteCase(ctx, "c1"))
	assert.True(t, errors.Is(s.DeleteCase(ctx, "c1"), models.ErrNotFound))
}

func TestManagerRestoresFromStore(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	net, err := models.NewNetBuilder("seq", "Sequence").
		InputCondition("i", "start").OutputCondition("o", "end").
		AddTask(models.NewTask("A", "A")).
		AddTask(models.NewTask("B", "B")).
		Connect("i", "A", "B", "o").
		Build()
	require.NoError(t, err)

	first := case_manager.NewManager(case_manager.WithStore(s), case_manager.WithLogger(logging.Discard()))
	require.NoError(t, first.RegisterSpec(net))
	caseID, err := first.LaunchCase(ctx, "seq", map[string]interface{}{"n": 1})
	require.NoError(t, err)
	items, err := first.ListEnabledWorkItems(caseID)
	require.NoError(t, err)
	require.Len(t, items, 1)
	started, err := first.StartWorkItem(ctx, items[0].ID)
	require.NoError(t, err)
	_, err = first.CompleteWorkItem(ctx, started.ID, nil)
	require.NoError(t, err)
	require.NoError(t, first.Close(ctx))

	active, err := s.LoadActive(ctx)
	require.NoError(t, err)
	require.Len(t, active, 1)

	second := case_manager.NewManager(case_manager.WithStore(s), case_manager.WithLogger(logging.Discard()))
	defer second.Close(ctx)
	require.NoError(t, second.RegisterSpec(net))
	require.NoError(t, second.Restore(ctx, active[0]))

	items, err = second.ListEnabledWorkItems(caseID)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "B", items[0].TaskID)
	started, err = second.StartWorkItem(ctx, items[0].ID)
	require.NoError(t, err)
	res, err := second.CompleteWorkItem(ctx, started.ID, nil)
	require.NoError(t, err)
	assert.Equal(t, models.CaseStatusCompleted, res.CaseStatus)
}
