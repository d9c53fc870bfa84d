package ensemble

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lrtc/backend/internal/model"
)

func TestAggregationByName(t *testing.T) {
	scores := []float64{0.2, 0.8, 0.5}

	testCases := []struct {
		name    string
		weights []float64
		want    float64
		wantErr bool
	}{
		{name: "", want: 0.5},
		{name: "mean", want: 0.5},
		{name: "sum", want: 1.5},
		{name: "max", want: 0.8},
		{name: "min", want: 0.2},
		{name: "first", want: 0.2},
		{name: "weighted", weights: []float64{0, 1, 0}, want: 0.8},
		{name: "weighted", weights: []float64{1, 1, 2}, want: 0.5},
		{name: "weighted", wantErr: true},
		{name: "weighted", weights: []float64{0, 0, 0}, wantErr: true},
		{name: "weighted", weights: []float64{1, -1, 1}, wantErr: true},
		{name: "median", wantErr: true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			agg, err := AggregationByName(tc.name, tc.weights)
			if tc.wantErr {
				assert.ErrorIs(t, err, model.ErrConfiguration)
				return
			}
			require.NoError(t, err)
			assert.InDelta(t, tc.want, agg(scores), 1e-9)
		})
	}
}

func TestCheckAggregation(t *testing.T) {
	assert.NoError(t, checkAggregation(Mean, 3))

	weighted, err := WeightedMean([]float64{1, 2})
	require.NoError(t, err)
	assert.NoError(t, checkAggregation(weighted, 2))
	assert.ErrorIs(t, checkAggregation(weighted, 3), model.ErrConfiguration)

	third := func(scores []float64) float64 { return scores[2] }
	assert.ErrorIs(t, checkAggregation(third, 2), model.ErrConfiguration)

	ratio := func(scores []float64) float64 { return scores[0] / (scores[0] - 0.5) }
	assert.ErrorIs(t, checkAggregation(ratio, 1), model.ErrConfiguration)
}
