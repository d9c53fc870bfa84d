// Package modeltest provides in-memory collaborators for tests of packages
// built on internal/model.
package modeltest

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/lrtc/backend/internal/jobs"
	"github.com/lrtc/backend/internal/model"
)

// StatusStore is an in-memory model.StatusStore. StartErr and MetadataErr
// make MarkStarted and SaveMetadata fail.
type StatusStore struct {
	StartErr    error
	MetadataErr error

	mu       sync.Mutex
	statuses map[string]model.Status
	types    map[string]string
	causes   map[string]string
	params   map[string]model.TrainParams
	history  map[string][]model.Status
}

var _ model.StatusStore = (*StatusStore)(nil)

func NewStatusStore() *StatusStore {
	return &StatusStore{
		statuses: make(map[string]model.Status),
		types:    make(map[string]string),
		causes:   make(map[string]string),
		params:   make(map[string]model.TrainParams),
		history:  make(map[string][]model.Status),
	}
}

func (s *StatusStore) set(modelID string, status model.Status) {
	s.statuses[modelID] = status
	s.history[modelID] = append(s.history[modelID], status)
}

func (s *StatusStore) MarkStarted(ctx context.Context, modelID string, modelType string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.StartErr != nil {
		return s.StartErr
	}
	s.types[modelID] = modelType
	s.set(modelID, model.StatusStarted)
	return nil
}

func (s *StatusStore) MarkCompleted(ctx context.Context, modelID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.set(modelID, model.StatusCompleted)
	return nil
}

func (s *StatusStore) MarkError(ctx context.Context, modelID string, cause error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.set(modelID, model.StatusError)
	if cause != nil {
		s.causes[modelID] = cause.Error()
	}
	return nil
}

func (s *StatusStore) Status(ctx context.Context, modelID string) (model.Status, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	status, ok := s.statuses[modelID]
	if !ok {
		return model.StatusUnknown, fmt.Errorf("%w: %s", model.ErrModelNotFound, modelID)
	}
	return status, nil
}

func (s *StatusStore) SaveMetadata(ctx context.Context, modelID string, params model.TrainParams) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.MetadataErr != nil {
		return s.MetadataErr
	}
	s.params[modelID] = params
	return nil
}

func (s *StatusStore) Delete(ctx context.Context, modelID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.statuses, modelID)
	delete(s.types, modelID)
	delete(s.causes, modelID)
	delete(s.params, modelID)
	return nil
}

// History returns every status recorded for modelID, oldest first.
func (s *StatusStore) History(modelID string) []model.Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.Status(nil), s.history[modelID]...)
}

// Started lists the ids currently recorded as started.
func (s *StatusStore) Started() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []string
	for id, status := range s.statuses {
		if status == model.StatusStarted {
			ids = append(ids, id)
		}
	}
	return ids
}

func (s *StatusStore) Metadata(modelID string) (model.TrainParams, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.params[modelID]
	return p, ok
}

func (s *StatusStore) Cause(modelID string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.causes[modelID]
}

// FakeModel is a scripted model.API[model.Prediction]. Training resolves when
// Release is called (or immediately when AutoRelease is set); inference
// returns Scores by item text.
type FakeModel struct {
	Name        string
	Dir         string
	AutoRelease bool
	// StartErr is returned synchronously by Train.
	StartErr    error
	TrainErr    error
	InferErr    error
	DeleteErr   error
	// Scores maps an item's "text" attribute to the score it receives.
	Scores map[string]float64

	mu       sync.Mutex
	next     int
	pending  map[string]chan error
	trained  map[string]bool
	calls    []InferCall
	deleted  []string
	statuses map[string]model.Status
}

type InferCall struct {
	ModelID  string
	Items    []model.Item
	UseCache bool
}

var _ model.API[model.Prediction] = (*FakeModel)(nil)

func NewFakeModel(name string, scores map[string]float64) *FakeModel {
	return &FakeModel{
		Name:     name,
		Dir:      "/tmp/" + name,
		Scores:   scores,
		pending:  make(map[string]chan error),
		trained:  make(map[string]bool),
		statuses: make(map[string]model.Status),
	}
}

func (f *FakeModel) Train(ctx context.Context, data []model.LabeledItem, params model.TrainParams) (string, *jobs.Future, error) {
	if len(data) == 0 {
		return "", nil, fmt.Errorf("%w: training data is empty", model.ErrConfiguration)
	}
	if f.StartErr != nil {
		return "", nil, f.StartErr
	}

	f.mu.Lock()
	f.next++
	id := fmt.Sprintf("%s-%d", f.Name, f.next)
	release := make(chan error, 1)
	f.pending[id] = release
	f.statuses[id] = model.StatusStarted
	auto := f.AutoRelease
	trainErr := f.TrainErr
	f.mu.Unlock()

	if auto {
		release <- trainErr
	}

	future := jobs.NewManager(1).Submit(id, jobs.TrainingHints, func(ctx context.Context) (string, error) {
		if err := <-release; err != nil {
			f.mu.Lock()
			f.statuses[id] = model.StatusError
			f.mu.Unlock()
			return "", fmt.Errorf("%w: %s: %w", model.ErrTrainingFailure, id, err)
		}
		f.mu.Lock()
		f.trained[id] = true
		f.statuses[id] = model.StatusCompleted
		f.mu.Unlock()
		return id, nil
	}, nil)

	return id, future, nil
}

// Release finishes the pending training of modelID with err.
func (f *FakeModel) Release(modelID string, err error) {
	f.mu.Lock()
	ch, ok := f.pending[modelID]
	f.mu.Unlock()
	if ok {
		ch <- err
	}
}

func (f *FakeModel) Infer(ctx context.Context, modelID string, items []model.Item, useCache bool) ([]model.Prediction, error) {
	f.mu.Lock()
	f.calls = append(f.calls, InferCall{ModelID: modelID, Items: items, UseCache: useCache})
	f.mu.Unlock()

	if f.InferErr != nil {
		return nil, fmt.Errorf("%w: %s: %w", model.ErrInference, f.Name, f.InferErr)
	}

	out := make([]model.Prediction, len(items))
	for i, item := range items {
		score := f.Scores[item["text"]]
		out[i] = model.Prediction{Label: score > 0.5, Score: score}
	}
	return out, nil
}

func (f *FakeModel) DeleteModel(ctx context.Context, modelID string) error {
	if f.DeleteErr != nil {
		return f.DeleteErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, modelID)
	return nil
}

func (f *FakeModel) Status(ctx context.Context, modelID string) (model.Status, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.statuses[modelID]
	if !ok {
		return model.StatusUnknown, model.ErrModelNotFound
	}
	return s, nil
}

func (f *FakeModel) ModelDir() string {
	return f.Dir
}

func (f *FakeModel) InferCalls() []InferCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]InferCall(nil), f.calls...)
}

func (f *FakeModel) Deleted() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.deleted...)
}

// ErrBoom is a generic failure for scripted errors.
var ErrBoom = errors.New("boom")
