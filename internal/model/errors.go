package model

import (
	"errors"

	"github.com/lrtc/backend/internal/cache/predictions"
)

var (
	// ErrConfiguration is returned synchronously on misuse: bad schedules,
	// malformed composite ids, empty training data.
	ErrConfiguration = errors.New("configuration error")

	// ErrTrainingFailure is reported through a training future.
	ErrTrainingFailure = errors.New("training failed")

	// ErrInference wraps a failure of a model implementation during inference.
	ErrInference = errors.New("inference failed")

	// ErrSerialization is returned when persisted cache data is malformed.
	ErrSerialization = predictions.ErrSerialization

	// ErrUnsupportedModel is returned for model types without an implementation.
	ErrUnsupportedModel = errors.New("unsupported model type")

	// ErrModelNotFound is returned for unknown or untrained model ids.
	ErrModelNotFound = errors.New("model not found")
)
