package models

import (
	"time"

	"github.com/lrtc/backend/internal/model"
)

// ModelRecord is one trained (or training) model as persisted by the status
// store. Ensemble records carry the composite id.
type ModelRecord struct {
	ID        string            `json:"id"`
	ModelType string            `json:"model_type"`
	Status    model.Status      `json:"status"`
	Error     string            `json:"error,omitempty"`
	Params    model.TrainParams `json:"params,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
	UpdatedAt time.Time         `json:"updated_at"`
}

// StatusCount is the number of records per status for one model type.
type StatusCount struct {
	ModelType string       `json:"model_type"`
	Status    model.Status `json:"status"`
	Count     int          `json:"count"`
}

// EvaluationResult is the outcome of scoring one model against labeled items.
type EvaluationResult struct {
	ID             int64     `json:"id"`
	ModelID        string    `json:"model_id"`
	ModelType      string    `json:"model_type"`
	Total          int       `json:"total"`
	TruePositives  int       `json:"true_positives"`
	FalsePositives int       `json:"false_positives"`
	TrueNegatives  int       `json:"true_negatives"`
	FalseNegatives int       `json:"false_negatives"`
	Accuracy       float64   `json:"accuracy"`
	Precision      float64   `json:"precision"`
	Recall         float64   `json:"recall"`
	F1             float64   `json:"f1"`
	AUC            *float64  `json:"auc,omitempty"`
	MeanScore      float64   `json:"mean_score"`
	CreatedAt      time.Time `json:"created_at"`
}
