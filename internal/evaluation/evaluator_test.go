package evaluation

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/lrtc/backend/internal/model"
	"github.com/lrtc/backend/internal/storage/models"
)

type mockStore struct {
	mock.Mock
}

func (m *mockStore) SaveEvaluation(ctx context.Context, result *models.EvaluationResult) error {
	args := m.Called(ctx, result)
	return args.Error(0)
}

func pred(score float64) model.Prediction {
	return model.Prediction{Label: score > 0.5, Score: score}
}

func TestEvaluateConfusion(t *testing.T) {
	labels := []bool{true, true, false, false, true}
	preds := []model.Prediction{pred(0.9), pred(0.2), pred(0.7), pred(0.1), pred(0.6)}

	r := Evaluate(labels, preds)
	assert.Equal(t, 5, r.Total)
	assert.Equal(t, 2, r.TruePositives)
	assert.Equal(t, 1, r.FalsePositives)
	assert.Equal(t, 1, r.TrueNegatives)
	assert.Equal(t, 1, r.FalseNegatives)
	assert.InDelta(t, 0.6, r.Accuracy, 1e-9)
	assert.InDelta(t, 2.0/3, r.Precision, 1e-9)
	assert.InDelta(t, 2.0/3, r.Recall, 1e-9)
	assert.InDelta(t, 2.0/3, r.F1, 1e-9)
	assert.InDelta(t, 0.5, r.MeanScore, 1e-9)
	require.NotNil(t, r.AUC)
}

func TestEvaluateAUC(t *testing.T) {
	testCases := []struct {
		name   string
		labels []bool
		scores []float64
		want   float64
	}{
		{name: "perfect", labels: []bool{false, true, false, true}, scores: []float64{0.1, 0.9, 0.2, 0.8}, want: 1},
		{name: "inverted", labels: []bool{true, false}, scores: []float64{0.1, 0.9}, want: 0},
		{name: "mixed", labels: []bool{true, false, true, false}, scores: []float64{0.1, 0.35, 0.4, 0.8}, want: 0.25},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			preds := make([]model.Prediction, len(tc.scores))
			for i, s := range tc.scores {
				preds[i] = pred(s)
			}
			r := Evaluate(tc.labels, preds)
			require.NotNil(t, r.AUC)
			assert.InDelta(t, tc.want, *r.AUC, 1e-9)
		})
	}
}

func TestEvaluateSingleClass(t *testing.T) {
	r := Evaluate([]bool{true, true}, []model.Prediction{pred(0.2), pred(0.3)})
	assert.Nil(t, r.AUC)
	assert.Zero(t, r.Precision)
	assert.Zero(t, r.Recall)
	assert.Zero(t, r.F1)

	empty := Evaluate(nil, nil)
	assert.Zero(t, empty.Total)
	assert.Nil(t, empty.AUC)
}

func TestEvaluateModel(t *testing.T) {
	store := new(mockStore)
	store.On("SaveEvaluation", mock.Anything, mock.MatchedBy(func(r *models.EvaluationResult) bool {
		return r.ModelID == "m1" && r.ModelType == "RAND" && r.Total == 2
	})).Return(nil).Once()

	var scored []model.Item
	score := func(ctx context.Context, modelID string, items []model.Item) ([]model.Prediction, error) {
		scored = items
		return []model.Prediction{pred(0.8), pred(0.3)}, nil
	}

	data := []model.LabeledItem{
		{Item: model.Item{"text": "a"}, Label: true},
		{Item: model.Item{"text": "b"}, Label: false},
	}

	r, err := NewEvaluator(store).EvaluateModel(context.Background(), "m1", "RAND", score, data)
	require.NoError(t, err)
	assert.Equal(t, 1.0, r.Accuracy)
	assert.False(t, r.CreatedAt.IsZero())
	assert.Equal(t, []model.Item{{"text": "a"}, {"text": "b"}}, scored)
	store.AssertExpectations(t)
}

func TestEvaluateModelErrors(t *testing.T) {
	e := NewEvaluator(nil)
	ctx := context.Background()

	_, err := e.EvaluateModel(ctx, "m1", "RAND", nil, nil)
	assert.ErrorIs(t, err, model.ErrConfiguration)

	short := func(context.Context, string, []model.Item) ([]model.Prediction, error) {
		return []model.Prediction{pred(0.1)}, nil
	}
	data := []model.LabeledItem{{Item: model.Item{}, Label: true}, {Item: model.Item{}, Label: false}}
	_, err = e.EvaluateModel(ctx, "m1", "RAND", short, data)
	assert.ErrorIs(t, err, model.ErrInference)
}
