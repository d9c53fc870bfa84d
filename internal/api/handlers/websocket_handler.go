package handlers

import (
	"context"
	"time"

	"github.com/gofiber/websocket/v2"
	"go.uber.org/zap"

	"github.com/lrtc/backend/internal/jobs"
	"github.com/lrtc/backend/internal/model"
	"github.com/lrtc/backend/pkg/logger"
)

const defaultPollInterval = 500 * time.Millisecond

// TrainingStreamHandler pushes status changes of a training run to a
// websocket client until the run reaches a terminal state.
type TrainingStreamHandler struct {
	records  RecordReader
	jobs     *jobs.Manager
	interval time.Duration
}

func NewTrainingStreamHandler(records RecordReader, jobManager *jobs.Manager, interval time.Duration) *TrainingStreamHandler {
	if interval <= 0 {
		interval = defaultPollInterval
	}
	return &TrainingStreamHandler{
		records:  records,
		jobs:     jobManager,
		interval: interval,
	}
}

type statusMessage struct {
	Type      string       `json:"type"`
	ModelID   string       `json:"model_id"`
	ModelType string       `json:"model_type,omitempty"`
	Status    model.Status `json:"status,omitempty"`
	Error     string       `json:"error,omitempty"`
}

// streamConn is the part of a websocket connection the stream uses.
type streamConn interface {
	Query(key string, defaultValue ...string) string
	ReadJSON(v interface{}) error
	WriteJSON(v interface{}) error
}

type watchRequest struct {
	Type    string `json:"type"`
	ModelID string `json:"model_id"`
}

// HandleConnection watches the model named by the model_id query parameter,
// then any model the client asks for with {"type":"watch","model_id":...}.
func (h *TrainingStreamHandler) HandleConnection(c *websocket.Conn) {
	logger.Info("WebSocket connection established")

	defer func() {
		c.Close()
		logger.Info("WebSocket connection closed")
	}()

	h.serve(c)
}

// serve runs until the client goes away or a write fails. A reader goroutine
// owns all reads and cancels the connection context when reading fails, so
// a watch that never sees a status change still ends on disconnect.
func (h *TrainingStreamHandler) serve(conn streamConn) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	requests := make(chan string)
	go func() {
		defer cancel()
		for {
			var msg watchRequest
			if err := conn.ReadJSON(&msg); err != nil {
				logger.Debug("WebSocket read ended", zap.Error(err))
				return
			}
			if msg.Type != "watch" || msg.ModelID == "" {
				continue
			}
			select {
			case requests <- msg.ModelID:
			case <-ctx.Done():
				return
			}
		}
	}()

	send := func(msg statusMessage) error {
		return conn.WriteJSON(msg)
	}

	run := func(id string) bool {
		err := h.watch(ctx, id, send)
		switch {
		case err == nil:
			return true
		case ctx.Err() != nil:
			logger.Debug("WebSocket client left while watching", zap.String("model_id", id))
		default:
			logger.Error("Failed to stream training status", zap.String("model_id", id), zap.Error(err))
		}
		return false
	}

	if id := conn.Query("model_id"); id != "" {
		if !run(id) {
			return
		}
	}

	for {
		select {
		case <-ctx.Done():
			return
		case id := <-requests:
			if !run(id) {
				return
			}
		}
	}
}

// watch sends a "status" message whenever the status of modelID changes and
// a final "complete" message once it is terminal. Lookup failures are sent
// as an "error" message. The returned error is a transport or context error.
func (h *TrainingStreamHandler) watch(ctx context.Context, modelID string, send func(statusMessage) error) error {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	var last model.Status
	for {
		rec, err := h.records.Record(ctx, modelID)
		if err != nil {
			return send(statusMessage{Type: "error", ModelID: modelID, Error: err.Error()})
		}

		if rec.Status != last {
			last = rec.Status
			if err := send(statusMessage{Type: "status", ModelID: modelID, ModelType: rec.ModelType, Status: rec.Status}); err != nil {
				return err
			}
		}
		if rec.Status.Terminal() {
			return send(statusMessage{
				Type:      "complete",
				ModelID:   modelID,
				ModelType: rec.ModelType,
				Status:    rec.Status,
				Error:     rec.Error,
			})
		}

		// wake early when the job finishes
		var done <-chan struct{}
		if h.jobs != nil {
			if f, ok := h.jobs.Lookup(modelID); ok {
				done = f.Done()
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-done:
		case <-ticker.C:
		}
	}
}
