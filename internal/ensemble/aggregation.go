package ensemble

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/lrtc/backend/internal/model"
)

// Aggregation combines the scores the members gave one item, in member order,
// into the ensemble score. It must be pure and accept any non-empty slice of
// the ensemble's size.
type Aggregation func(scores []float64) float64

func Mean(scores []float64) float64 {
	return stat.Mean(scores, nil)
}

func Sum(scores []float64) float64 {
	return floats.Sum(scores)
}

func Max(scores []float64) float64 {
	return floats.Max(scores)
}

func Min(scores []float64) float64 {
	return floats.Min(scores)
}

// First returns the score of the first member.
func First(scores []float64) float64 {
	return scores[0]
}

// WeightedMean weighs member i by weights[i].
func WeightedMean(weights []float64) (Aggregation, error) {
	if len(weights) == 0 {
		return nil, fmt.Errorf("%w: weighted aggregation needs weights", model.ErrConfiguration)
	}
	for i, w := range weights {
		if w < 0 || math.IsNaN(w) || math.IsInf(w, 0) {
			return nil, fmt.Errorf("%w: weight %d is %v", model.ErrConfiguration, i, w)
		}
	}
	if floats.Sum(weights) == 0 {
		return nil, fmt.Errorf("%w: weights sum to zero", model.ErrConfiguration)
	}

	w := append([]float64(nil), weights...)
	return func(scores []float64) float64 {
		return stat.Mean(scores, w)
	}, nil
}

// AggregationByName resolves the configured aggregation. weights is only
// used by "weighted".
func AggregationByName(name string, weights []float64) (Aggregation, error) {
	switch name {
	case "", "mean":
		return Mean, nil
	case "sum":
		return Sum, nil
	case "max":
		return Max, nil
	case "min":
		return Min, nil
	case "first":
		return First, nil
	case "weighted":
		return WeightedMean(weights)
	default:
		return nil, fmt.Errorf("%w: unknown aggregation %q", model.ErrConfiguration, name)
	}
}

// checkAggregation evaluates agg with a score vector of the ensemble's size so a
// mis-sized or partial function fails at construction instead of on the
// first inference.
func checkAggregation(agg Aggregation, members int) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: aggregation failed on %d scores: %v", model.ErrConfiguration, members, r)
		}
	}()

	sample := make([]float64, members)
	for i := range sample {
		sample[i] = 0.5
	}
	if v := agg(sample); math.IsNaN(v) || math.IsInf(v, 0) {
		return fmt.Errorf("%w: aggregation returned %v on %d scores", model.ErrConfiguration, v, members)
	}
	return nil
}
