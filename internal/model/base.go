package model

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lrtc/backend/internal/cache/predictions"
	"github.com/lrtc/backend/internal/jobs"
	"github.com/lrtc/backend/internal/metrics"
	"github.com/lrtc/backend/pkg/logger"
)

// Implementation is the model-specific part of a trainable model. Base
// handles ids, directories, status bookkeeping, background execution and
// prediction caching around it.
type Implementation interface {
	Type() ModelType
	// TrainModel fits a model and stores it under dir.
	TrainModel(ctx context.Context, dir string, data []LabeledItem, params TrainParams) error
	// InferModel scores items with the model stored under dir, in input order.
	InferModel(ctx context.Context, dir string, items []Item) ([]Prediction, error)
}

// Forgetter is implemented by implementations that memoise loaded models.
type Forgetter interface {
	Forget(dir string)
}

type Base struct {
	impl     Implementation
	dir      string
	statuses StatusStore
	jobs     *jobs.Manager
	cache    *predictions.Cache[Prediction]
}

var _ API[Prediction] = (*Base)(nil)

func NewBase(impl Implementation, deps Deps) (*Base, error) {
	if deps.Statuses == nil || deps.Jobs == nil {
		return nil, fmt.Errorf("%w: status store and job manager are required", ErrConfiguration)
	}

	dir := filepath.Join(deps.RootDir, strings.ToLower(impl.Type().Name()))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create model directory: %w", err)
	}

	cache, err := predictions.Open[Prediction](impl.Type().Name(), filepath.Join(dir, deps.CacheFile), deps.CacheOptions...)
	if err != nil {
		return nil, err
	}

	return &Base{
		impl:     impl,
		dir:      dir,
		statuses: deps.Statuses,
		jobs:     deps.Jobs,
		cache:    cache,
	}, nil
}

func (b *Base) Type() ModelType {
	return b.impl.Type()
}

func (b *Base) ModelDir() string {
	return b.dir
}

func (b *Base) Train(ctx context.Context, data []LabeledItem, params TrainParams) (string, *jobs.Future, error) {
	if len(data) == 0 {
		return "", nil, fmt.Errorf("%w: training data is empty", ErrConfiguration)
	}

	modelID := uuid.NewString()
	modelDir := filepath.Join(b.dir, modelID)
	if err := os.MkdirAll(modelDir, 0o755); err != nil {
		return "", nil, fmt.Errorf("failed to create model directory: %w", err)
	}

	modelType := b.impl.Type().Name()
	if err := b.statuses.MarkStarted(ctx, modelID, modelType); err != nil {
		b.discard(ctx, modelID, modelDir, false)
		return "", nil, err
	}
	if err := b.statuses.SaveMetadata(ctx, modelID, params); err != nil {
		b.discard(ctx, modelID, modelDir, true)
		return "", nil, err
	}

	future := b.jobs.Submit(modelID, jobs.TrainingHints, func(jobCtx context.Context) (string, error) {
		// status writes must land even if the manager is shutting down
		statusCtx := context.WithoutCancel(jobCtx)

		if err := b.impl.TrainModel(jobCtx, modelDir, data, params); err != nil {
			logger.Error("Model training failed",
				zap.String("model_id", modelID),
				zap.String("model_type", modelType),
				zap.Error(err),
			)
			if markErr := b.statuses.MarkError(statusCtx, modelID, err); markErr != nil {
				logger.Error("Failed to record training error", zap.String("model_id", modelID), zap.Error(markErr))
			}
			metrics.TrainingJobsTotal.WithLabelValues(modelType, string(StatusError)).Inc()
			return "", fmt.Errorf("%w: %s model %s: %w", ErrTrainingFailure, modelType, modelID, err)
		}

		if err := b.statuses.MarkCompleted(statusCtx, modelID); err != nil {
			return "", err
		}
		metrics.TrainingJobsTotal.WithLabelValues(modelType, string(StatusCompleted)).Inc()
		return modelID, nil
	}, nil)

	logger.Info("Training model",
		zap.String("model_id", modelID),
		zap.String("model_type", modelType),
		zap.Int("items", len(data)),
	)

	return modelID, future, nil
}

// discard removes what a failed Train left behind before dispatching a job.
func (b *Base) discard(ctx context.Context, modelID, modelDir string, recorded bool) {
	if recorded {
		if err := b.statuses.Delete(context.WithoutCancel(ctx), modelID); err != nil {
			logger.Warn("Failed to remove model status", zap.String("model_id", modelID), zap.Error(err))
		}
	}
	if err := os.RemoveAll(modelDir); err != nil {
		logger.Warn("Failed to remove model directory", zap.String("model_id", modelID), zap.Error(err))
	}
}

// Infer scores items in input order. With useCache, cached predictions are
// reused and only the misses reach the implementation.
func (b *Base) Infer(ctx context.Context, modelID string, items []Item, useCache bool) ([]Prediction, error) {
	if err := ValidateModelID(modelID); err != nil {
		return nil, err
	}
	if !useCache {
		return b.infer(ctx, modelID, items)
	}

	results := make([]Prediction, len(items))
	keys := make([]predictions.CacheKey, len(items))
	var missing []int
	for i, item := range items {
		keys[i] = predictions.NewCacheKey(modelID, item)
		if p, ok := b.cache.Get(ctx, keys[i]); ok {
			results[i] = p
			continue
		}
		missing = append(missing, i)
	}

	if len(missing) == 0 {
		return results, nil
	}

	batch := make([]Item, len(missing))
	for j, i := range missing {
		batch[j] = items[i]
	}
	computed, err := b.infer(ctx, modelID, batch)
	if err != nil {
		return nil, err
	}
	for j, i := range missing {
		results[i] = computed[j]
		b.cache.Put(ctx, keys[i], computed[j])
	}

	if err := b.cache.Persist(); err != nil {
		logger.Error("Failed to persist prediction cache", zap.String("model_id", modelID), zap.Error(err))
	}

	return results, nil
}

func (b *Base) infer(ctx context.Context, modelID string, items []Item) ([]Prediction, error) {
	modelType := b.impl.Type().Name()
	start := time.Now()
	defer func() {
		metrics.InferDuration.WithLabelValues(modelType).Observe(time.Since(start).Seconds())
	}()
	metrics.InferredItems.WithLabelValues(modelType).Add(float64(len(items)))

	preds, err := b.impl.InferModel(ctx, filepath.Join(b.dir, modelID), items)
	if err != nil {
		if errors.Is(err, ErrModelNotFound) {
			return nil, fmt.Errorf("%s model %s: %w", modelType, modelID, err)
		}
		return nil, fmt.Errorf("%w: %s model %s: %w", ErrInference, modelType, modelID, err)
	}
	if len(preds) != len(items) {
		return nil, fmt.Errorf("%w: %s model %s returned %d predictions for %d items", ErrInference, modelType, modelID, len(preds), len(items))
	}
	return preds, nil
}

func (b *Base) DeleteModel(ctx context.Context, modelID string) error {
	if err := ValidateModelID(modelID); err != nil {
		return err
	}

	modelDir := filepath.Join(b.dir, modelID)
	if f, ok := b.impl.(Forgetter); ok {
		f.Forget(modelDir)
	}
	if err := os.RemoveAll(modelDir); err != nil {
		return fmt.Errorf("failed to remove model files: %w", err)
	}
	if err := b.statuses.Delete(ctx, modelID); err != nil {
		return err
	}
	if removed := b.cache.DeleteModel(modelID); removed > 0 {
		if err := b.cache.Persist(); err != nil {
			return err
		}
	}

	logger.Info("Model deleted", zap.String("model_id", modelID), zap.String("model_type", b.impl.Type().Name()))
	return nil
}

func (b *Base) Status(ctx context.Context, modelID string) (Status, error) {
	return b.statuses.Status(ctx, modelID)
}

// ValidateModelID rejects ids that could escape a model directory.
func ValidateModelID(modelID string) error {
	if modelID == "" || modelID == "." || modelID == ".." || strings.ContainsAny(modelID, `/\`) {
		return fmt.Errorf("%w: invalid model id %q", ErrConfiguration, modelID)
	}
	return nil
}
