package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/lrtc/backend/internal/model"
	"github.com/lrtc/backend/internal/storage/models"
	"github.com/lrtc/backend/pkg/logger"
)

// Client persists model training status and metadata. It implements
// model.StatusStore.
type Client struct {
	db *sql.DB
}

var _ model.StatusStore = (*Client)(nil)

func NewClient(dbPath string) (*Client, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// status writes come from many job goroutines
	db.SetMaxOpenConns(1)

	_, err = db.Exec("PRAGMA foreign_keys = ON")
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	_, err = db.Exec("PRAGMA journal_mode = WAL")
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	logger.Info("SQLite client initialized", zap.String("path", dbPath))

	return &Client{db: db}, nil
}

func (c *Client) Close() error {
	return c.db.Close()
}

func (c *Client) Ping(ctx context.Context) error {
	return c.db.PingContext(ctx)
}

func (c *Client) InitSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS model_status (
		id TEXT PRIMARY KEY,
		model_type TEXT NOT NULL,
		status TEXT NOT NULL,
		error TEXT,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_model_status_type ON model_status(model_type);
	CREATE INDEX IF NOT EXISTS idx_model_status_updated ON model_status(updated_at);

	CREATE TABLE IF NOT EXISTS model_metadata (
		id TEXT PRIMARY KEY,
		params TEXT NOT NULL,
		FOREIGN KEY (id) REFERENCES model_status(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS model_evaluation (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		model_id TEXT NOT NULL,
		model_type TEXT NOT NULL,
		result TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		FOREIGN KEY (model_id) REFERENCES model_status(id) ON DELETE CASCADE
	);
	CREATE INDEX IF NOT EXISTS idx_evaluation_model ON model_evaluation(model_id);
	`

	_, err := c.db.Exec(schema)
	if err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	logger.Info("SQLite schema initialized")
	return nil
}

func (c *Client) MarkStarted(ctx context.Context, modelID string, modelType string) error {
	query := `
		INSERT INTO model_status (id, model_type, status, error, created_at, updated_at)
		VALUES (?, ?, ?, NULL, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			model_type = excluded.model_type,
			status = excluded.status,
			error = NULL,
			updated_at = excluded.updated_at
	`

	now := time.Now().UnixMilli()
	_, err := c.db.ExecContext(ctx, query, modelID, modelType, string(model.StatusStarted), now, now)
	if err != nil {
		return fmt.Errorf("failed to record training start: %w", err)
	}

	logger.Debug("Model status recorded",
		zap.String("model_id", modelID),
		zap.String("model_type", modelType),
		zap.String("status", string(model.StatusStarted)),
	)
	return nil
}

func (c *Client) MarkCompleted(ctx context.Context, modelID string) error {
	return c.setStatus(ctx, modelID, model.StatusCompleted, sql.NullString{})
}

func (c *Client) MarkError(ctx context.Context, modelID string, cause error) error {
	var msg sql.NullString
	if cause != nil {
		msg = sql.NullString{String: cause.Error(), Valid: true}
	}
	return c.setStatus(ctx, modelID, model.StatusError, msg)
}

func (c *Client) setStatus(ctx context.Context, modelID string, status model.Status, cause sql.NullString) error {
	query := `UPDATE model_status SET status = ?, error = ?, updated_at = ? WHERE id = ?`

	res, err := c.db.ExecContext(ctx, query, string(status), cause, time.Now().UnixMilli(), modelID)
	if err != nil {
		return fmt.Errorf("failed to update model status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to update model status: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", model.ErrModelNotFound, modelID)
	}

	logger.Debug("Model status recorded", zap.String("model_id", modelID), zap.String("status", string(status)))
	return nil
}

func (c *Client) Status(ctx context.Context, modelID string) (model.Status, error) {
	var status string
	err := c.db.QueryRowContext(ctx, `SELECT status FROM model_status WHERE id = ?`, modelID).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return model.StatusUnknown, fmt.Errorf("%w: %s", model.ErrModelNotFound, modelID)
	}
	if err != nil {
		return model.StatusUnknown, fmt.Errorf("failed to get model status: %w", err)
	}
	return model.Status(status), nil
}

func (c *Client) SaveMetadata(ctx context.Context, modelID string, params model.TrainParams) error {
	if params == nil {
		params = model.TrainParams{}
	}
	paramsJSON, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("failed to encode training params: %w", err)
	}

	query := `
		INSERT INTO model_metadata (id, params) VALUES (?, ?)
		ON CONFLICT(id) DO UPDATE SET params = excluded.params
	`
	if _, err := c.db.ExecContext(ctx, query, modelID, string(paramsJSON)); err != nil {
		return fmt.Errorf("failed to save model metadata: %w", err)
	}
	return nil
}

func (c *Client) Delete(ctx context.Context, modelID string) error {
	if _, err := c.db.ExecContext(ctx, `DELETE FROM model_status WHERE id = ?`, modelID); err != nil {
		return fmt.Errorf("failed to delete model: %w", err)
	}
	logger.Debug("Model record deleted", zap.String("model_id", modelID))
	return nil
}

// Record returns the stored status, type and training params of modelID.
func (c *Client) Record(ctx context.Context, modelID string) (*models.ModelRecord, error) {
	query := `
		SELECT s.id, s.model_type, s.status, s.error, s.created_at, s.updated_at, m.params
		FROM model_status s
		LEFT JOIN model_metadata m ON m.id = s.id
		WHERE s.id = ?
	`

	r, err := scanRecord(c.db.QueryRowContext(ctx, query, modelID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", model.ErrModelNotFound, modelID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get model record: %w", err)
	}
	return r, nil
}

// ListModels returns the most recently updated records, optionally filtered
// by model type.
func (c *Client) ListModels(ctx context.Context, modelType string, limit int) ([]models.ModelRecord, error) {
	query := `
		SELECT s.id, s.model_type, s.status, s.error, s.created_at, s.updated_at, m.params
		FROM model_status s
		LEFT JOIN model_metadata m ON m.id = s.id
		WHERE ? = '' OR s.model_type = ?
		ORDER BY s.updated_at DESC, s.id
		LIMIT ?
	`

	rows, err := c.db.QueryContext(ctx, query, modelType, modelType, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list models: %w", err)
	}
	defer rows.Close()

	var records []models.ModelRecord
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		records = append(records, *r)
	}
	return records, rows.Err()
}

// CountByStatus aggregates records per model type and status.
func (c *Client) CountByStatus(ctx context.Context) ([]models.StatusCount, error) {
	query := `
		SELECT model_type, status, COUNT(*)
		FROM model_status
		GROUP BY model_type, status
		ORDER BY model_type, status
	`

	rows, err := c.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to count models: %w", err)
	}
	defer rows.Close()

	var counts []models.StatusCount
	for rows.Next() {
		var sc models.StatusCount
		var status string
		if err := rows.Scan(&sc.ModelType, &status, &sc.Count); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		sc.Status = model.Status(status)
		counts = append(counts, sc)
	}
	return counts, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(s scanner) (*models.ModelRecord, error) {
	var r models.ModelRecord
	var status string
	var cause, params sql.NullString
	var createdAt, updatedAt int64

	if err := s.Scan(&r.ID, &r.ModelType, &status, &cause, &createdAt, &updatedAt, &params); err != nil {
		return nil, err
	}

	r.Status = model.Status(status)
	r.Error = cause.String
	r.CreatedAt = time.UnixMilli(createdAt)
	r.UpdatedAt = time.UnixMilli(updatedAt)
	if params.Valid {
		if err := json.Unmarshal([]byte(params.String), &r.Params); err != nil {
			return nil, fmt.Errorf("failed to decode training params: %w", err)
		}
	}
	return &r, nil
}

func (c *Client) SaveEvaluation(ctx context.Context, result *models.EvaluationResult) error {
	resultJSON, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to encode evaluation: %w", err)
	}

	query := `INSERT INTO model_evaluation (model_id, model_type, result, created_at) VALUES (?, ?, ?, ?)`

	res, err := c.db.ExecContext(ctx, query, result.ModelID, result.ModelType, string(resultJSON), result.CreatedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to insert evaluation: %w", err)
	}
	if id, err := res.LastInsertId(); err == nil {
		result.ID = id
	}

	logger.Debug("Evaluation stored", zap.String("model_id", result.ModelID), zap.Int64("evaluation_id", result.ID))
	return nil
}

// Evaluations returns the evaluations of modelID, newest first.
func (c *Client) Evaluations(ctx context.Context, modelID string) ([]models.EvaluationResult, error) {
	query := `SELECT id, result FROM model_evaluation WHERE model_id = ? ORDER BY created_at DESC, id DESC`

	rows, err := c.db.QueryContext(ctx, query, modelID)
	if err != nil {
		return nil, fmt.Errorf("failed to get evaluations: %w", err)
	}
	defer rows.Close()

	var results []models.EvaluationResult
	for rows.Next() {
		var id int64
		var resultJSON string
		if err := rows.Scan(&id, &resultJSON); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}

		var r models.EvaluationResult
		if err := json.Unmarshal([]byte(resultJSON), &r); err != nil {
			return nil, fmt.Errorf("failed to decode evaluation: %w", err)
		}
		r.ID = id
		results = append(results, r)
	}
	return results, rows.Err()
}
