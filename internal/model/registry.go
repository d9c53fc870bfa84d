package model

import (
	"fmt"
	"sort"
	"sync"

	"github.com/lrtc/backend/internal/cache/predictions"
	"github.com/lrtc/backend/internal/jobs"
)

// Deps are the shared collaborators handed to every model constructor.
type Deps struct {
	// RootDir holds one output directory per model type.
	RootDir      string
	Statuses     StatusStore
	Jobs         *jobs.Manager
	CacheFile    string
	CacheOptions []predictions.Option
}

type Constructor func(deps Deps) (API[Prediction], error)

// Registry resolves model types to implementations. Constructors are
// registered once at start-up; each type is instantiated at most once.
type Registry struct {
	deps Deps

	mu           sync.Mutex
	constructors map[ModelType]Constructor
	instances    map[ModelType]API[Prediction]
}

func NewRegistry(deps Deps) *Registry {
	return &Registry{
		deps:         deps,
		constructors: make(map[ModelType]Constructor),
		instances:    make(map[ModelType]API[Prediction]),
	}
}

func (r *Registry) Register(t ModelType, c Constructor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.constructors[t] = c
}

// Get returns the shared instance for t, constructing it on first use.
func (r *Registry) Get(t ModelType) (API[Prediction], error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if m, ok := r.instances[t]; ok {
		return m, nil
	}
	c, ok := r.constructors[t]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedModel, t)
	}
	m, err := c(r.deps)
	if err != nil {
		return nil, fmt.Errorf("failed to construct %s model: %w", t, err)
	}
	r.instances[t] = m
	return m, nil
}

// GetAll resolves types in order.
func (r *Registry) GetAll(types []ModelType) ([]API[Prediction], error) {
	models := make([]API[Prediction], 0, len(types))
	for _, t := range types {
		m, err := r.Get(t)
		if err != nil {
			return nil, err
		}
		models = append(models, m)
	}
	return models, nil
}

// Types lists the registered model types.
func (r *Registry) Types() []ModelType {
	r.mu.Lock()
	defer r.mu.Unlock()

	types := make([]ModelType, 0, len(r.constructors))
	for t := range r.constructors {
		types = append(types, t)
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })
	return types
}
