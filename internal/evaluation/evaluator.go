// Package evaluation scores a trained model against labeled items.
package evaluation

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/integrate"
	"gonum.org/v1/gonum/stat"

	"github.com/lrtc/backend/internal/model"
	"github.com/lrtc/backend/internal/storage/models"
	"github.com/lrtc/backend/pkg/logger"
)

type ResultStore interface {
	SaveEvaluation(ctx context.Context, result *models.EvaluationResult) error
}

// Scorer returns one prediction per item, in order.
type Scorer func(ctx context.Context, modelID string, items []model.Item) ([]model.Prediction, error)

type Evaluator struct {
	db ResultStore
}

// NewEvaluator persists results to db when it is non-nil.
func NewEvaluator(db ResultStore) *Evaluator {
	return &Evaluator{
		db: db,
	}
}

func (e *Evaluator) EvaluateModel(ctx context.Context, modelID, modelType string, score Scorer, data []model.LabeledItem) (*models.EvaluationResult, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: evaluation data is empty", model.ErrConfiguration)
	}

	logger.Info("Evaluating model", zap.String("model_id", modelID), zap.Int("items", len(data)))

	items := make([]model.Item, len(data))
	labels := make([]bool, len(data))
	for i, d := range data {
		items[i] = d.Item
		labels[i] = d.Label
	}

	preds, err := score(ctx, modelID, items)
	if err != nil {
		return nil, err
	}
	if len(preds) != len(items) {
		return nil, fmt.Errorf("%w: %d predictions for %d items", model.ErrInference, len(preds), len(items))
	}

	result := Evaluate(labels, preds)
	result.ModelID = modelID
	result.ModelType = modelType
	result.CreatedAt = time.Now()

	if e.db != nil {
		if err := e.db.SaveEvaluation(ctx, result); err != nil {
			return nil, fmt.Errorf("failed to save evaluation: %w", err)
		}
	}

	fields := []zap.Field{
		zap.String("model_id", modelID),
		zap.Float64("accuracy", result.Accuracy),
		zap.Float64("f1", result.F1),
	}
	if result.AUC != nil {
		fields = append(fields, zap.Float64("auc", *result.AUC))
	}
	logger.Info("Model evaluated", fields...)

	return result, nil
}

// Evaluate compares predicted labels with gold labels. AUC is nil when the
// gold labels hold a single class.
func Evaluate(labels []bool, preds []model.Prediction) *models.EvaluationResult {
	r := &models.EvaluationResult{Total: len(labels)}
	if len(labels) == 0 {
		return r
	}

	scores := make([]float64, len(preds))
	for i, p := range preds {
		scores[i] = p.Score
		switch {
		case p.Label && labels[i]:
			r.TruePositives++
		case p.Label && !labels[i]:
			r.FalsePositives++
		case !p.Label && labels[i]:
			r.FalseNegatives++
		default:
			r.TrueNegatives++
		}
	}

	r.Accuracy = float64(r.TruePositives+r.TrueNegatives) / float64(r.Total)
	r.Precision = ratio(r.TruePositives, r.TruePositives+r.FalsePositives)
	r.Recall = ratio(r.TruePositives, r.TruePositives+r.FalseNegatives)
	if r.Precision+r.Recall > 0 {
		r.F1 = 2 * r.Precision * r.Recall / (r.Precision + r.Recall)
	}
	r.MeanScore = stat.Mean(scores, nil)

	if auc, ok := rocAUC(labels, scores); ok {
		r.AUC = &auc
	}
	return r
}

func ratio(n, d int) float64 {
	if d == 0 {
		return 0
	}
	return float64(n) / float64(d)
}

func rocAUC(labels []bool, scores []float64) (float64, bool) {
	positives := 0
	for _, l := range labels {
		if l {
			positives++
		}
	}
	if positives == 0 || positives == len(labels) {
		return 0, false
	}

	y := append([]float64(nil), scores...)
	classes := append([]bool(nil), labels...)
	stat.SortWeightedLabeled(y, classes, nil)

	tpr, fpr, _ := stat.ROC(nil, y, classes, nil)
	return integrate.Trapezoidal(fpr, tpr), true
}
