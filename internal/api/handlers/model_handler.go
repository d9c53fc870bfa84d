package handlers

import (
	"context"
	"fmt"
	"net/url"
	"strconv"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/lrtc/backend/internal/ensemble"
	"github.com/lrtc/backend/internal/evaluation"
	"github.com/lrtc/backend/internal/jobs"
	"github.com/lrtc/backend/internal/model"
	"github.com/lrtc/backend/internal/policy"
	"github.com/lrtc/backend/internal/storage/models"
	"github.com/lrtc/backend/pkg/logger"
)

const defaultListLimit = 50

// RecordReader looks up persisted model records.
type RecordReader interface {
	Record(ctx context.Context, modelID string) (*models.ModelRecord, error)
}

type RecordStore interface {
	RecordReader
	ListModels(ctx context.Context, modelType string, limit int) ([]models.ModelRecord, error)
	CountByStatus(ctx context.Context) ([]models.StatusCount, error)
	Evaluations(ctx context.Context, modelID string) ([]models.EvaluationResult, error)
}

type ModelHandler struct {
	registry  *model.Registry
	ensemble  *ensemble.Ensemble
	policy    policy.Policy
	records   RecordStore
	evaluator *evaluation.Evaluator
}

func NewModelHandler(registry *model.Registry, ens *ensemble.Ensemble, pol policy.Policy, records RecordStore, evaluator *evaluation.Evaluator) *ModelHandler {
	return &ModelHandler{
		registry:  registry,
		ensemble:  ens,
		policy:    pol,
		records:   records,
		evaluator: evaluator,
	}
}

func (h *ModelHandler) RegisterRoutes(api fiber.Router) {
	api.Get("/models", h.ListModels)
	api.Get("/models/stats", h.Stats)
	api.Post("/models/train", h.Train)
	api.Get("/models/:id/status", h.Status)
	api.Post("/models/:id/infer", h.Infer)
	api.Post("/models/:id/evaluate", h.Evaluate)
	api.Get("/models/:id/evaluations", h.Evaluations)
	api.Delete("/models/:id", h.Delete)
	api.Get("/policy", h.Policy)
}

type trainRequest struct {
	// ModelType is a member type name or "ENSEMBLE". When empty, Iteration
	// selects the type through the policy; with neither the ensemble trains.
	ModelType string              `json:"model_type"`
	Iteration *int                `json:"iteration"`
	Data      []model.LabeledItem `json:"data"`
	Params    model.TrainParams   `json:"params"`
}

type evaluateRequest struct {
	Data []model.LabeledItem `json:"data"`
}

type inferRequest struct {
	Items    []model.Item `json:"items"`
	UseCache *bool        `json:"use_cache"`
}

type trainFunc func(ctx context.Context, data []model.LabeledItem, params model.TrainParams) (string, *jobs.Future, error)

func (h *ModelHandler) trainerFor(req trainRequest) (string, trainFunc, error) {
	name := req.ModelType
	if name == "" && req.Iteration != nil {
		name = h.policy.ModelType(*req.Iteration).Name()
	}
	if name == "" || name == ensemble.ModelType {
		return ensemble.ModelType, h.ensemble.Train, nil
	}

	t, err := model.ParseModelType(name)
	if err != nil {
		return "", nil, err
	}
	m, err := h.registry.Get(t)
	if err != nil {
		return "", nil, err
	}
	return t.Name(), m.Train, nil
}

func (h *ModelHandler) Train(c *fiber.Ctx) error {
	var req trainRequest
	if err := c.BodyParser(&req); err != nil {
		logger.Error("Failed to parse request body", zap.Error(err))
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}

	modelType, train, err := h.trainerFor(req)
	if err != nil {
		return writeError(c, "Invalid model type", err)
	}

	modelID, _, err := train(c.UserContext(), req.Data, req.Params)
	if err != nil {
		return writeError(c, "Failed to start training", err)
	}

	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{
		"model_id":   modelID,
		"model_type": modelType,
		"status":     model.StatusStarted,
	})
}

func modelIDParam(c *fiber.Ctx) (string, error) {
	id, err := url.PathUnescape(c.Params("id"))
	if err != nil {
		return "", fmt.Errorf("%w: malformed model id", model.ErrConfiguration)
	}
	return id, nil
}

func (h *ModelHandler) record(c *fiber.Ctx) (*models.ModelRecord, error) {
	id, err := modelIDParam(c)
	if err != nil {
		return nil, err
	}
	return h.records.Record(c.UserContext(), id)
}

func (h *ModelHandler) Status(c *fiber.Ctx) error {
	rec, err := h.record(c)
	if err != nil {
		return writeError(c, "Failed to get model status", err)
	}

	resp := fiber.Map{
		"model_id":   rec.ID,
		"model_type": rec.ModelType,
		"status":     rec.Status,
		"params":     rec.Params,
		"created_at": rec.CreatedAt,
		"updated_at": rec.UpdatedAt,
	}
	if rec.Error != "" {
		resp["error"] = rec.Error
	}
	if rec.ModelType == ensemble.ModelType {
		members, err := h.ensemble.MemberStatuses(c.UserContext(), rec.ID)
		if err != nil {
			logger.Warn("Failed to get ensemble member statuses", zap.String("model_id", rec.ID), zap.Error(err))
		} else {
			resp["members"] = members
		}
	}

	return c.JSON(resp)
}

func (h *ModelHandler) Infer(c *fiber.Ctx) error {
	var req inferRequest
	if err := c.BodyParser(&req); err != nil {
		logger.Error("Failed to parse request body", zap.Error(err))
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}
	useCache := req.UseCache == nil || *req.UseCache

	rec, err := h.trainedRecord(c)
	if err != nil {
		return writeError(c, "Failed to run inference", err)
	}

	ctx := c.UserContext()
	var predictions any
	if rec.ModelType == ensemble.ModelType {
		predictions, err = h.ensemble.Infer(ctx, rec.ID, req.Items, useCache)
	} else {
		var m model.API[model.Prediction]
		if m, err = h.registry.Get(model.ModelType(rec.ModelType)); err == nil {
			predictions, err = m.Infer(ctx, rec.ID, req.Items, useCache)
		}
	}
	if err != nil {
		return writeError(c, "Failed to run inference", err)
	}

	return c.JSON(fiber.Map{
		"model_id":    rec.ID,
		"model_type":  rec.ModelType,
		"predictions": predictions,
	})
}

// trainedRecord resolves the :id parameter to a model that finished training.
func (h *ModelHandler) trainedRecord(c *fiber.Ctx) (*models.ModelRecord, error) {
	rec, err := h.record(c)
	if err != nil {
		return nil, err
	}
	if rec.Status != model.StatusCompleted {
		return nil, fmt.Errorf("%w: %s is %s", errNotTrained, rec.ID, rec.Status)
	}
	return rec, nil
}

// scorerFor adapts the model behind rec to an evaluation.Scorer. Ensemble
// predictions are reduced to their aggregated label and score.
func (h *ModelHandler) scorerFor(rec *models.ModelRecord) (evaluation.Scorer, error) {
	if rec.ModelType == ensemble.ModelType {
		return func(ctx context.Context, modelID string, items []model.Item) ([]model.Prediction, error) {
			preds, err := h.ensemble.Infer(ctx, modelID, items, true)
			if err != nil {
				return nil, err
			}
			out := make([]model.Prediction, len(preds))
			for i, p := range preds {
				out[i] = p.Prediction
			}
			return out, nil
		}, nil
	}

	m, err := h.registry.Get(model.ModelType(rec.ModelType))
	if err != nil {
		return nil, err
	}
	return func(ctx context.Context, modelID string, items []model.Item) ([]model.Prediction, error) {
		return m.Infer(ctx, modelID, items, true)
	}, nil
}

func (h *ModelHandler) Evaluate(c *fiber.Ctx) error {
	var req evaluateRequest
	if err := c.BodyParser(&req); err != nil {
		logger.Error("Failed to parse request body", zap.Error(err))
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}

	rec, err := h.trainedRecord(c)
	if err != nil {
		return writeError(c, "Failed to evaluate model", err)
	}
	score, err := h.scorerFor(rec)
	if err != nil {
		return writeError(c, "Failed to evaluate model", err)
	}

	result, err := h.evaluator.EvaluateModel(c.UserContext(), rec.ID, rec.ModelType, score, req.Data)
	if err != nil {
		return writeError(c, "Failed to evaluate model", err)
	}

	return c.JSON(result)
}

func (h *ModelHandler) Evaluations(c *fiber.Ctx) error {
	rec, err := h.record(c)
	if err != nil {
		return writeError(c, "Failed to get evaluations", err)
	}

	results, err := h.records.Evaluations(c.UserContext(), rec.ID)
	if err != nil {
		return writeError(c, "Failed to get evaluations", err)
	}
	if results == nil {
		results = []models.EvaluationResult{}
	}

	return c.JSON(fiber.Map{
		"model_id":    rec.ID,
		"evaluations": results,
	})
}

func (h *ModelHandler) Stats(c *fiber.Ctx) error {
	counts, err := h.records.CountByStatus(c.UserContext())
	if err != nil {
		return writeError(c, "Failed to get model statistics", err)
	}
	if counts == nil {
		counts = []models.StatusCount{}
	}

	return c.JSON(fiber.Map{
		"counts": counts,
	})
}

func (h *ModelHandler) Delete(c *fiber.Ctx) error {
	rec, err := h.record(c)
	if err != nil {
		return writeError(c, "Failed to delete model", err)
	}

	ctx := c.UserContext()
	if rec.ModelType == ensemble.ModelType {
		err = h.ensemble.DeleteModel(ctx, rec.ID)
	} else {
		var m model.API[model.Prediction]
		if m, err = h.registry.Get(model.ModelType(rec.ModelType)); err == nil {
			err = m.DeleteModel(ctx, rec.ID)
		}
	}
	if err != nil {
		return writeError(c, "Failed to delete model", err)
	}

	return c.JSON(fiber.Map{
		"deleted": rec.ID,
	})
}

func (h *ModelHandler) ListModels(c *fiber.Ctx) error {
	limit := c.QueryInt("limit", defaultListLimit)
	if limit <= 0 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "limit must be positive",
		})
	}

	records, err := h.records.ListModels(c.UserContext(), c.Query("type"), limit)
	if err != nil {
		return writeError(c, "Failed to list models", err)
	}
	if records == nil {
		records = []models.ModelRecord{}
	}

	return c.JSON(fiber.Map{
		"models": records,
	})
}

func (h *ModelHandler) Policy(c *fiber.Ctx) error {
	iteration := 0
	if raw := c.Query("iteration"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": "iteration must be an integer",
			})
		}
		iteration = n
	}

	resp := fiber.Map{
		"policy":     h.policy.Name(),
		"iteration":  iteration,
		"model_type": h.policy.ModelType(iteration),
	}
	if sp, ok := h.policy.(interface{ SwitchPoints() []int }); ok {
		resp["switch_points"] = sp.SwitchPoints()
	}

	return c.JSON(resp)
}
