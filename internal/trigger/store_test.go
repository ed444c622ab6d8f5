package trigger

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowforge/triggers/pkg/models"
)

func TestInMemoryStore_SaveGet(t *testing.T) {
	s := NewInMemoryStore()
	ctx := context.Background()

	trig := &models.Trigger{ID: "t1", WorkflowID: "wf-1", Name: "n1", Type: models.TriggerTypeManual}
	require.NoError(t, s.Save(ctx, trig))

	got, err := s.Get(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, "wf-1", got.WorkflowID)

	// Returned record is a copy; mutating it must not affect the store.
	got.WorkflowID = "mutated"
	got2, err := s.Get(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, "wf-1", got2.WorkflowID)
}

func TestInMemoryStore_GetNotFound(t *testing.T) {
	s := NewInMemoryStore()
	_, err := s.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, models.ErrTriggerNotFound)
}

func TestInMemoryStore_Update(t *testing.T) {
	s := NewInMemoryStore()
	ctx := context.Background()
	require.NoError(t, s.Save(ctx, &models.Trigger{ID: "t1", WorkflowID: "wf-1", Name: "n1", Type: models.TriggerTypeManual}))

	err := s.Update(ctx, "t1", func(t *models.Trigger) { t.TriggerCount++ })
	require.NoError(t, err)

	got, _ := s.Get(ctx, "t1")
	assert.Equal(t, uint64(1), got.TriggerCount)
	assert.False(t, got.UpdatedAt.IsZero())
}

func TestInMemoryStore_UpdateNotFound(t *testing.T) {
	s := NewInMemoryStore()
	err := s.Update(context.Background(), "missing", func(*models.Trigger) {})
	assert.ErrorIs(t, err, models.ErrTriggerNotFound)
}

func TestInMemoryStore_Delete(t *testing.T) {
	s := NewInMemoryStore()
	ctx := context.Background()
	require.NoError(t, s.Save(ctx, &models.Trigger{ID: "t1", WorkflowID: "wf-1", Name: "n1", Type: models.TriggerTypeManual}))

	require.NoError(t, s.Delete(ctx, "t1"))
	_, err := s.Get(ctx, "t1")
	assert.ErrorIs(t, err, models.ErrTriggerNotFound)

	assert.ErrorIs(t, s.Delete(ctx, "t1"), models.ErrTriggerNotFound)
}

func TestInMemoryStore_ListFiltersByWorkflow(t *testing.T) {
	s := NewInMemoryStore()
	ctx := context.Background()
	require.NoError(t, s.Save(ctx, &models.Trigger{ID: "t1", WorkflowID: "wf-1", Name: "n1", Type: models.TriggerTypeManual}))
	require.NoError(t, s.Save(ctx, &models.Trigger{ID: "t2", WorkflowID: "wf-2", Name: "n2", Type: models.TriggerTypeManual}))

	all, err := s.List(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 2)

	filtered, err := s.List(ctx, "wf-1")
	require.NoError(t, err)
	require.Len(t, filtered, 1)
	assert.Equal(t, "t1", filtered[0].ID)
}

func TestInMemoryStore_ListEnabled(t *testing.T) {
	s := NewInMemoryStore()
	ctx := context.Background()
	require.NoError(t, s.Save(ctx, &models.Trigger{ID: "t1", WorkflowID: "wf-1", Name: "n1", Type: models.TriggerTypeManual, Enabled: true}))
	require.NoError(t, s.Save(ctx, &models.Trigger{ID: "t2", WorkflowID: "wf-1", Name: "n2", Type: models.TriggerTypeManual, Enabled: false}))

	enabled, err := s.ListEnabled(ctx)
	require.NoError(t, err)
	require.Len(t, enabled, 1)
	assert.Equal(t, "t1", enabled[0].ID)
}

func TestInMemoryStore_ListByType(t *testing.T) {
	s := NewInMemoryStore()
	ctx := context.Background()
	require.NoError(t, s.Save(ctx, &models.Trigger{ID: "t1", WorkflowID: "wf-1", Name: "n1", Type: models.TriggerTypeCron}))
	require.NoError(t, s.Save(ctx, &models.Trigger{ID: "t2", WorkflowID: "wf-1", Name: "n2", Type: models.TriggerTypeWebhook}))

	cronTriggers, err := s.ListByType(ctx, models.TriggerTypeCron)
	require.NoError(t, err)
	require.Len(t, cronTriggers, 1)
	assert.Equal(t, "t1", cronTriggers[0].ID)
}
