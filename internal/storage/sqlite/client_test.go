package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lrtc/backend/internal/model"
	"github.com/lrtc/backend/internal/storage/models"
)

func newTestClient(t *testing.T) *Client {
	t.Helper()
	c, err := NewClient(filepath.Join(t.TempDir(), "lrtc.db"))
	require.NoError(t, err)
	require.NoError(t, c.InitSchema())
	t.Cleanup(func() { c.Close() })
	return c
}

func TestStatusLifecycle(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	_, err := c.Status(ctx, "m1")
	assert.ErrorIs(t, err, model.ErrModelNotFound)

	require.NoError(t, c.MarkStarted(ctx, "m1", "NB_OVER_BOW"))
	require.NoError(t, c.SaveMetadata(ctx, "m1", model.TrainParams{"alpha": 0.5}))

	status, err := c.Status(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusStarted, status)

	require.NoError(t, c.MarkCompleted(ctx, "m1"))
	status, err = c.Status(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusCompleted, status)

	record, err := c.Record(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, "NB_OVER_BOW", record.ModelType)
	assert.Equal(t, model.StatusCompleted, record.Status)
	assert.Equal(t, model.TrainParams{"alpha": 0.5}, record.Params)
	assert.Empty(t, record.Error)
	assert.False(t, record.UpdatedAt.Before(record.CreatedAt))
}

func TestMarkError(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	require.NoError(t, c.MarkStarted(ctx, "m1", "RAND"))
	require.NoError(t, c.MarkError(ctx, "m1", errors.New("disk full")))

	record, err := c.Record(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusError, record.Status)
	assert.Equal(t, "disk full", record.Error)
	assert.Nil(t, record.Params)

	// restarting clears the previous failure
	require.NoError(t, c.MarkStarted(ctx, "m1", "RAND"))
	record, err = c.Record(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusStarted, record.Status)
	assert.Empty(t, record.Error)
}

func TestUpdateUnknownModel(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	assert.ErrorIs(t, c.MarkCompleted(ctx, "missing"), model.ErrModelNotFound)
	assert.ErrorIs(t, c.MarkError(ctx, "missing", errors.New("x")), model.ErrModelNotFound)

	_, err := c.Record(ctx, "missing")
	assert.ErrorIs(t, err, model.ErrModelNotFound)
}

func TestDeleteCascadesMetadata(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	require.NoError(t, c.MarkStarted(ctx, "m1", "RAND"))
	require.NoError(t, c.SaveMetadata(ctx, "m1", nil))
	require.NoError(t, c.Delete(ctx, "m1"))

	_, err := c.Status(ctx, "m1")
	assert.ErrorIs(t, err, model.ErrModelNotFound)

	var n int
	require.NoError(t, c.db.QueryRow(`SELECT COUNT(*) FROM model_metadata`).Scan(&n))
	assert.Zero(t, n)

	// deleting twice is not an error
	assert.NoError(t, c.Delete(ctx, "m1"))
}

func TestListAndCount(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	require.NoError(t, c.MarkStarted(ctx, "a", "RAND"))
	require.NoError(t, c.MarkStarted(ctx, "b", "RAND"))
	require.NoError(t, c.MarkStarted(ctx, "c", "NB_OVER_BOW"))
	require.NoError(t, c.MarkCompleted(ctx, "a"))

	all, err := c.ListModels(ctx, "", 10)
	require.NoError(t, err)
	assert.Len(t, all, 3)

	rand, err := c.ListModels(ctx, "RAND", 10)
	require.NoError(t, err)
	require.Len(t, rand, 2)
	for _, r := range rand {
		assert.Equal(t, "RAND", r.ModelType)
	}

	limited, err := c.ListModels(ctx, "", 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)

	counts, err := c.CountByStatus(ctx)
	require.NoError(t, err)
	require.Len(t, counts, 3)
	assert.Equal(t, "NB_OVER_BOW", counts[0].ModelType)
	assert.Equal(t, model.StatusStarted, counts[0].Status)
	assert.Equal(t, 1, counts[0].Count)
	assert.Equal(t, "RAND", counts[1].ModelType)
	assert.Equal(t, model.StatusCompleted, counts[1].Status)
	assert.Equal(t, "RAND", counts[2].ModelType)
	assert.Equal(t, model.StatusStarted, counts[2].Status)
}

func TestEvaluations(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()
	require.NoError(t, c.MarkStarted(ctx, "m1", "NB_OVER_BOW"))

	auc := 0.75
	first := &models.EvaluationResult{ModelID: "m1", ModelType: "NB_OVER_BOW", Total: 4, Accuracy: 0.5, AUC: &auc, CreatedAt: time.UnixMilli(1000)}
	second := &models.EvaluationResult{ModelID: "m1", ModelType: "NB_OVER_BOW", Total: 4, Accuracy: 1, CreatedAt: time.UnixMilli(2000)}
	require.NoError(t, c.SaveEvaluation(ctx, first))
	require.NoError(t, c.SaveEvaluation(ctx, second))
	assert.NotZero(t, first.ID)
	assert.NotEqual(t, first.ID, second.ID)

	results, err := c.Evaluations(ctx, "m1")
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, second.ID, results[0].ID)
	assert.Equal(t, 1.0, results[0].Accuracy)
	assert.Nil(t, results[0].AUC)
	require.NotNil(t, results[1].AUC)
	assert.Equal(t, 0.75, *results[1].AUC)

	// evaluations go with the model
	require.NoError(t, c.Delete(ctx, "m1"))
	results, err = c.Evaluations(ctx, "m1")
	require.NoError(t, err)
	assert.Empty(t, results)

	// an unknown model violates the foreign key
	assert.Error(t, c.SaveEvaluation(ctx, &models.EvaluationResult{ModelID: "missing", CreatedAt: time.Now()}))
}
