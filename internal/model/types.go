package model

import (
	"context"
	"fmt"

	"github.com/lrtc/backend/internal/jobs"
)

// ModelType identifies a trainable model implementation.
type ModelType string

const (
	NBOverBOW    ModelType = "NB_OVER_BOW"
	Rand         ModelType = "RAND"
	SVMOverGlove ModelType = "SVM_OVER_GLOVE"
	HFBert       ModelType = "HF_BERT"
)

var knownTypes = map[ModelType]struct{}{
	NBOverBOW:    {},
	Rand:         {},
	SVMOverGlove: {},
	HFBert:       {},
}

func (t ModelType) Name() string {
	return string(t)
}

func ParseModelType(s string) (ModelType, error) {
	t := ModelType(s)
	if _, ok := knownTypes[t]; !ok {
		return "", fmt.Errorf("%w: unknown model type %q", ErrConfiguration, s)
	}
	return t, nil
}

func ParseModelTypes(names []string) ([]ModelType, error) {
	types := make([]ModelType, 0, len(names))
	for _, name := range names {
		t, err := ParseModelType(name)
		if err != nil {
			return nil, err
		}
		types = append(types, t)
	}
	return types, nil
}

// Item is the content of one element to classify, as named attributes.
type Item map[string]string

type LabeledItem struct {
	Item  Item `json:"item"`
	Label bool `json:"label"`
}

// TrainParams is forwarded untouched to every model implementation.
type TrainParams map[string]any

type Prediction struct {
	Label bool    `json:"label"`
	Score float64 `json:"score"`
}

type Status string

const (
	StatusUnknown   Status = "unknown"
	StatusStarted   Status = "started"
	StatusCompleted Status = "completed"
	StatusError     Status = "error"
)

func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusError
}

// API is the contract of a trainable classification model producing records
// of type P. Train returns as soon as the job is dispatched; the future
// resolves to the model id once training ends.
type API[P any] interface {
	Train(ctx context.Context, data []LabeledItem, params TrainParams) (string, *jobs.Future, error)
	Infer(ctx context.Context, modelID string, items []Item, useCache bool) ([]P, error)
	DeleteModel(ctx context.Context, modelID string) error
	Status(ctx context.Context, modelID string) (Status, error)
	ModelDir() string
}

// StatusStore keeps the training status and parameters of every model id.
type StatusStore interface {
	MarkStarted(ctx context.Context, modelID string, modelType string) error
	MarkCompleted(ctx context.Context, modelID string) error
	MarkError(ctx context.Context, modelID string, cause error) error
	Status(ctx context.Context, modelID string) (Status, error)
	SaveMetadata(ctx context.Context, modelID string, params TrainParams) error
	Delete(ctx context.Context, modelID string) error
}
