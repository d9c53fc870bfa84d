// Package ensemble trains several model types as one logical model and merges
// their predictions with a configurable aggregation.
package ensemble

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/lrtc/backend/internal/cache/predictions"
	"github.com/lrtc/backend/internal/jobs"
	"github.com/lrtc/backend/internal/metrics"
	"github.com/lrtc/backend/internal/model"
	"github.com/lrtc/backend/pkg/logger"
)

const (
	// ModelType labels ensemble records in status stores and metrics.
	ModelType = "ENSEMBLE"

	// labelThreshold applies to the aggregated score only.
	labelThreshold = 0.5
)

// EnsemblePrediction is the aggregated prediction for one item together with
// the prediction of every member, keyed by member type name.
type EnsemblePrediction struct {
	model.Prediction
	ModelTypeToPrediction map[string]model.Prediction `json:"model_type_to_prediction"`
}

type Config struct {
	// ModelDir holds the ensemble's own files (prediction cache).
	ModelDir string
	// Types lists the member model types; member results keep this order.
	Types []model.ModelType
	// Aggregation defaults to Mean.
	Aggregation  Aggregation
	CacheFile    string
	CacheOptions []predictions.Option
}

type Ensemble struct {
	dir         string
	types       []model.ModelType
	members     []model.API[model.Prediction]
	aggregation Aggregation
	statuses    model.StatusStore
	jobs        *jobs.Manager
	cache       *predictions.Cache[EnsemblePrediction]
}

var _ model.API[EnsemblePrediction] = (*Ensemble)(nil)

// New builds an ensemble over members, which must be index-aligned with
// cfg.Types.
func New(cfg Config, members []model.API[model.Prediction], statuses model.StatusStore, jobManager *jobs.Manager) (*Ensemble, error) {
	if len(cfg.Types) == 0 {
		return nil, fmt.Errorf("%w: an ensemble needs at least one member", model.ErrConfiguration)
	}
	if len(members) != len(cfg.Types) {
		return nil, fmt.Errorf("%w: %d members for %d model types", model.ErrConfiguration, len(members), len(cfg.Types))
	}
	seen := make(map[model.ModelType]bool, len(cfg.Types))
	for _, t := range cfg.Types {
		if seen[t] {
			return nil, fmt.Errorf("%w: model type %s appears twice in the ensemble", model.ErrConfiguration, t)
		}
		seen[t] = true
	}
	if statuses == nil || jobManager == nil {
		return nil, fmt.Errorf("%w: status store and job manager are required", model.ErrConfiguration)
	}

	agg := cfg.Aggregation
	if agg == nil {
		agg = Mean
	}
	if err := checkAggregation(agg, len(members)); err != nil {
		return nil, err
	}

	if err := os.MkdirAll(cfg.ModelDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create ensemble model directory: %w", err)
	}
	cacheFile := cfg.CacheFile
	if cacheFile == "" {
		cacheFile = "prediction_cache.json"
	}
	cache, err := predictions.Open[EnsemblePrediction](ModelType, filepath.Join(cfg.ModelDir, cacheFile), cfg.CacheOptions...)
	if err != nil {
		return nil, err
	}

	return &Ensemble{
		dir:         cfg.ModelDir,
		types:       append([]model.ModelType(nil), cfg.Types...),
		members:     append([]model.API[model.Prediction](nil), members...),
		aggregation: agg,
		statuses:    statuses,
		jobs:        jobManager,
		cache:       cache,
	}, nil
}

// FromRegistry resolves cfg.Types through registry.
func FromRegistry(cfg Config, registry *model.Registry, statuses model.StatusStore, jobManager *jobs.Manager) (*Ensemble, error) {
	members, err := registry.GetAll(cfg.Types)
	if err != nil {
		return nil, err
	}
	return New(cfg, members, statuses, jobManager)
}

func (e *Ensemble) Types() []model.ModelType {
	return append([]model.ModelType(nil), e.types...)
}

func (e *Ensemble) ModelDir() string {
	return e.dir
}

func (e *Ensemble) Train(ctx context.Context, data []model.LabeledItem, params model.TrainParams) (string, *jobs.Future, error) {
	return e.TrainWithCallback(ctx, data, params, nil)
}

// TrainWithCallback starts one training job per member and returns the
// composite id with a future that resolves once every member has finished.
// The composite status is "started" before any member completes; onDone is
// invoked with the final outcome.
func (e *Ensemble) TrainWithCallback(ctx context.Context, data []model.LabeledItem, params model.TrainParams, onDone jobs.DoneFunc) (string, *jobs.Future, error) {
	if len(data) == 0 {
		return "", nil, fmt.Errorf("%w: training data is empty", model.ErrConfiguration)
	}

	memberIDs := make([]string, 0, len(e.members))
	futures := make([]*jobs.Future, 0, len(e.members))
	for i, m := range e.members {
		id, future, err := m.Train(ctx, data, params)
		if err != nil {
			err = fmt.Errorf("failed to start %s member training: %w", e.types[i], err)
			e.abandon(memberIDs, futures, err)
			return "", nil, err
		}
		memberIDs = append(memberIDs, id)
		futures = append(futures, future)
	}

	compositeID, err := NewCompositeID(memberIDs)
	if err != nil {
		e.abandon(memberIDs, futures, err)
		return "", nil, err
	}
	id := compositeID.String()

	if err := e.statuses.MarkStarted(ctx, id, ModelType); err != nil {
		e.abandon(memberIDs, futures, err)
		return "", nil, err
	}
	if err := e.statuses.SaveMetadata(ctx, id, params); err != nil {
		if delErr := e.statuses.Delete(context.WithoutCancel(ctx), id); delErr != nil {
			logger.Warn("Failed to remove ensemble status", zap.String("model_id", id), zap.Error(delErr))
		}
		e.abandon(memberIDs, futures, err)
		return "", nil, err
	}

	future := e.jobs.Submit(id, jobs.SupervisionHints, func(jobCtx context.Context) (string, error) {
		return e.waitAndUpdateStatus(jobCtx, id, futures)
	}, onDone)

	logger.Info("Training ensemble model",
		zap.String("model_id", id),
		zap.Int("members", len(e.members)),
		zap.Int("items", len(data)),
	)

	return id, future, nil
}

// abandon cleans up members that were dispatched before the ensemble failed
// to start. Each member is deleted once its training job has finished, so no
// member of a failed ensemble is left behind.
func (e *Ensemble) abandon(memberIDs []string, futures []*jobs.Future, cause error) {
	if len(memberIDs) == 0 {
		return
	}

	logger.Warn("Abandoning ensemble members",
		zap.Strings("member_ids", memberIDs),
		zap.Error(cause),
	)

	jobID := "abandon:" + strings.Join(memberIDs, ",")
	e.jobs.Submit(jobID, jobs.SupervisionHints, func(jobCtx context.Context) (string, error) {
		cleanupCtx := context.WithoutCancel(jobCtx)
		for i, f := range futures {
			// deleted whatever the outcome
			_, _ = f.Wait(jobCtx)
			if err := e.members[i].DeleteModel(cleanupCtx, memberIDs[i]); err != nil {
				logger.Warn("Failed to delete abandoned ensemble member",
					zap.String("model_id", memberIDs[i]),
					zap.String("member_type", e.types[i].Name()),
					zap.Error(err),
				)
			}
		}
		return "", nil
	}, nil)
}

// waitAndUpdateStatus waits for every member future in member order. When
// several members fail, the first failure in member order is reported; the
// remaining futures are still awaited so no member job is left unobserved.
func (e *Ensemble) waitAndUpdateStatus(ctx context.Context, id string, futures []*jobs.Future) (string, error) {
	start := time.Now()
	statusCtx := context.WithoutCancel(ctx)

	var firstErr error
	for i, f := range futures {
		if _, err := f.Wait(ctx); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("member %d (%s): %w", i, e.types[i], err)
		}
	}

	if firstErr != nil {
		logger.Error("Ensemble model training failed",
			zap.String("model_id", id),
			zap.Duration("elapsed", time.Since(start)),
			zap.Error(firstErr),
		)
		if err := e.statuses.MarkError(statusCtx, id, firstErr); err != nil {
			logger.Error("Failed to record training error", zap.String("model_id", id), zap.Error(err))
		}
		metrics.TrainingJobsTotal.WithLabelValues(ModelType, string(model.StatusError)).Inc()
		if !errors.Is(firstErr, model.ErrTrainingFailure) {
			firstErr = fmt.Errorf("%w: %w", model.ErrTrainingFailure, firstErr)
		}
		return "", fmt.Errorf("ensemble model %s: %w", id, firstErr)
	}

	if err := e.statuses.MarkCompleted(statusCtx, id); err != nil {
		return "", err
	}
	metrics.TrainingJobsTotal.WithLabelValues(ModelType, string(model.StatusCompleted)).Inc()

	logger.Info("Ensemble model trained",
		zap.String("model_id", id),
		zap.Duration("elapsed", time.Since(start)),
	)
	return id, nil
}

// Infer returns one aggregated prediction per item, in input order. Members
// are always called with their own caching disabled; with useCache the
// ensemble caches the aggregated predictions under the composite id.
func (e *Ensemble) Infer(ctx context.Context, modelID string, items []model.Item, useCache bool) ([]EnsemblePrediction, error) {
	compositeID, err := ParseCompositeID(modelID, len(e.members))
	if err != nil {
		return nil, err
	}
	if !useCache {
		return e.infer(ctx, compositeID, items)
	}

	results := make([]EnsemblePrediction, len(items))
	keys := make([]predictions.CacheKey, len(items))
	var missing []int
	for i, item := range items {
		keys[i] = predictions.NewCacheKey(modelID, item)
		if p, ok := e.cache.Get(ctx, keys[i]); ok {
			results[i] = p
			continue
		}
		missing = append(missing, i)
	}
	if len(missing) == 0 {
		return results, nil
	}

	batch := make([]model.Item, len(missing))
	for j, i := range missing {
		batch[j] = items[i]
	}
	computed, err := e.infer(ctx, compositeID, batch)
	if err != nil {
		return nil, err
	}
	for j, i := range missing {
		results[i] = computed[j]
		e.cache.Put(ctx, keys[i], computed[j])
	}

	if err := e.cache.Persist(); err != nil {
		logger.Error("Failed to persist ensemble prediction cache", zap.String("model_id", modelID), zap.Error(err))
	}
	return results, nil
}

func (e *Ensemble) infer(ctx context.Context, compositeID CompositeID, items []model.Item) ([]EnsemblePrediction, error) {
	start := time.Now()
	defer func() {
		metrics.InferDuration.WithLabelValues(ModelType).Observe(time.Since(start).Seconds())
	}()

	// scores[i][j] is member i's score for item j
	scores := make([][]float64, len(e.members))
	memberPredictions := make([][]model.Prediction, len(e.members))
	for i, m := range e.members {
		preds, err := m.Infer(ctx, compositeID[i], items, false)
		if err != nil {
			if !errors.Is(err, model.ErrInference) {
				err = fmt.Errorf("%w: %w", model.ErrInference, err)
			}
			return nil, fmt.Errorf("ensemble member %d (%s): %w", i, e.types[i], err)
		}
		if len(preds) != len(items) {
			return nil, fmt.Errorf("%w: ensemble member %d (%s) returned %d predictions for %d items",
				model.ErrInference, i, e.types[i], len(preds), len(items))
		}
		memberPredictions[i] = preds
		scores[i] = make([]float64, len(items))
		for j, p := range preds {
			scores[i][j] = p.Score
		}
	}

	out := make([]EnsemblePrediction, len(items))
	column := make([]float64, len(e.members))
	for j := range items {
		provenance := make(map[string]model.Prediction, len(e.members))
		for i := range e.members {
			column[i] = scores[i][j]
			provenance[e.types[i].Name()] = memberPredictions[i][j]
		}
		score := e.aggregation(column)
		out[j] = EnsemblePrediction{
			Prediction:            model.Prediction{Label: score > labelThreshold, Score: score},
			ModelTypeToPrediction: provenance,
		}
	}
	return out, nil
}

// DeleteModel deletes every member model. All members are attempted; the
// first failure is returned.
func (e *Ensemble) DeleteModel(ctx context.Context, modelID string) error {
	compositeID, err := ParseCompositeID(modelID, len(e.members))
	if err != nil {
		return err
	}

	var firstErr error
	for i, m := range e.members {
		if err := m.DeleteModel(ctx, compositeID[i]); err != nil {
			logger.Warn("Failed to delete ensemble member",
				zap.String("model_id", modelID),
				zap.String("member_type", e.types[i].Name()),
				zap.Error(err),
			)
			if firstErr == nil {
				firstErr = fmt.Errorf("ensemble member %d (%s): %w", i, e.types[i], err)
			}
		}
	}
	if firstErr != nil {
		return firstErr
	}

	if err := e.statuses.Delete(ctx, modelID); err != nil {
		return err
	}
	if removed := e.cache.DeleteModel(modelID); removed > 0 {
		if err := e.cache.Persist(); err != nil {
			return err
		}
	}

	logger.Info("Ensemble model deleted", zap.String("model_id", modelID))
	return nil
}

func (e *Ensemble) Status(ctx context.Context, modelID string) (model.Status, error) {
	return e.statuses.Status(ctx, modelID)
}

// MemberStatuses reports the status of every member of modelID, keyed by
// member type name.
func (e *Ensemble) MemberStatuses(ctx context.Context, modelID string) (map[string]model.Status, error) {
	compositeID, err := ParseCompositeID(modelID, len(e.members))
	if err != nil {
		return nil, err
	}

	out := make(map[string]model.Status, len(e.members))
	for i, m := range e.members {
		s, err := m.Status(ctx, compositeID[i])
		if err != nil {
			return nil, fmt.Errorf("ensemble member %d (%s): %w", i, e.types[i], err)
		}
		out[e.types[i].Name()] = s
	}
	return out, nil
}
