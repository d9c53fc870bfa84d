package random

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lrtc/backend/internal/model"
)

func TestScoresAreStable(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	c := Classifier{}

	require.NoError(t, c.TrainModel(ctx, dir, nil, model.TrainParams{"seed": 7}))

	items := []model.Item{{"text": "a"}, {"text": "b"}, {"text": "a"}}
	first, err := c.InferModel(ctx, dir, items)
	require.NoError(t, err)
	second, err := c.InferModel(ctx, dir, items)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, first[0], first[2])
	for _, p := range first {
		assert.GreaterOrEqual(t, p.Score, 0.0)
		assert.Less(t, p.Score, 1.0)
		assert.Equal(t, p.Score > 0.5, p.Label)
	}
}

func TestSeedParameter(t *testing.T) {
	ctx := context.Background()
	c := Classifier{}
	a, b := t.TempDir(), t.TempDir()

	require.NoError(t, c.TrainModel(ctx, a, nil, model.TrainParams{"seed": float64(11)}))
	require.NoError(t, c.TrainModel(ctx, b, nil, model.TrainParams{"seed": 11}))

	items := []model.Item{{"text": "same seed, same scores"}}
	pa, err := c.InferModel(ctx, a, items)
	require.NoError(t, err)
	pb, err := c.InferModel(ctx, b, items)
	require.NoError(t, err)
	assert.Equal(t, pa, pb)

	err = c.TrainModel(ctx, a, nil, model.TrainParams{"seed": "x"})
	assert.ErrorIs(t, err, model.ErrConfiguration)
}

func TestInferUntrained(t *testing.T) {
	_, err := Classifier{}.InferModel(context.Background(), t.TempDir(), []model.Item{{"text": "x"}})
	assert.ErrorIs(t, err, model.ErrModelNotFound)
}
