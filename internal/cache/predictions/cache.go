package predictions

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/lrtc/backend/internal/metrics"
	"github.com/lrtc/backend/pkg/logger"
)

// Remote is an optional second-level cache addressed by key fingerprint.
// Values are stored with their full key, so a fingerprint collision reads
// as a miss.
type Remote interface {
	GetPrediction(ctx context.Context, fingerprint string, dst any) (bool, error)
	SetPrediction(ctx context.Context, fingerprint string, value any) error
}

// remoteEntry is the value written to the remote cache.
type remoteEntry[P any] struct {
	Key   encodedKey `json:"key"`
	Value P          `json:"value"`
}

func (e remoteEntry[P]) matches(key CacheKey) bool {
	stored, err := NewCacheKeyFromAttributes(e.Key.ModelID, e.Key.Attributes)
	return err == nil && stored == key
}

type Option func(*options)

type options struct {
	remote Remote
}

func WithRemote(remote Remote) Option {
	return func(o *options) {
		o.remote = remote
	}
}

// Cache is an in-memory prediction store backed by one file. It is loaded
// wholesale when opened and written wholesale by Persist.
type Cache[P any] struct {
	name   string
	path   string
	remote Remote

	mu    sync.RWMutex
	store Store[P]
	dirty bool
}

// Open loads the cache file at path. name labels metrics and logs.
func Open[P any](name, path string, opts ...Option) (*Cache[P], error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	store, err := Load[P](path)
	if err != nil {
		return nil, fmt.Errorf("failed to load %s prediction cache: %w", name, err)
	}

	logger.Info("Prediction cache loaded",
		zap.String("cache", name),
		zap.String("path", path),
		zap.Int("entries", len(store)),
	)

	return &Cache[P]{
		name:   name,
		path:   path,
		remote: o.remote,
		store:  store,
	}, nil
}

func (c *Cache[P]) Path() string {
	return c.path
}

func (c *Cache[P]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.store)
}

// Get looks the key up locally, then in the remote cache if one is set.
func (c *Cache[P]) Get(ctx context.Context, key CacheKey) (P, bool) {
	c.mu.RLock()
	p, ok := c.store[key]
	c.mu.RUnlock()
	if ok {
		metrics.CacheHits.WithLabelValues(c.name).Inc()
		return p, true
	}

	if c.remote != nil {
		var entry remoteEntry[P]
		found, err := c.remote.GetPrediction(ctx, key.Fingerprint(), &entry)
		switch {
		case err != nil:
			logger.Warn("Remote prediction cache lookup failed",
				zap.String("cache", c.name),
				zap.String("fingerprint", key.Fingerprint()),
				zap.Error(err),
			)
		case found && !entry.matches(key):
			logger.Warn("Remote prediction cache fingerprint collision",
				zap.String("cache", c.name),
				zap.String("fingerprint", key.Fingerprint()),
			)
		case found:
			c.mu.Lock()
			c.store[key] = entry.Value
			c.dirty = true
			c.mu.Unlock()
			metrics.CacheHits.WithLabelValues(c.name + "_remote").Inc()
			return entry.Value, true
		}
	}

	metrics.CacheMisses.WithLabelValues(c.name).Inc()
	var zero P
	return zero, false
}

// Put stores p under key. Keys that cannot be persisted are not cached.
func (c *Cache[P]) Put(ctx context.Context, key CacheKey, p P) {
	if err := key.Persistable(); err != nil {
		logger.Debug("Prediction not cached", zap.String("cache", c.name), zap.Error(err))
		return
	}

	c.mu.Lock()
	c.store[key] = p
	c.dirty = true
	c.mu.Unlock()

	if c.remote != nil {
		entry := remoteEntry[P]{
			Key:   encodedKey{ModelID: key.ModelID(), Attributes: key.Attributes()},
			Value: p,
		}
		if err := c.remote.SetPrediction(ctx, key.Fingerprint(), entry); err != nil {
			logger.Warn("Remote prediction cache write failed",
				zap.String("cache", c.name),
				zap.String("fingerprint", key.Fingerprint()),
				zap.Error(err),
			)
		}
	}
}

// DeleteModel drops every entry of modelID and returns how many were removed.
// Remote entries are left to expire.
func (c *Cache[P]) DeleteModel(modelID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for k := range c.store {
		if k.ModelID() == modelID {
			delete(c.store, k)
			removed++
		}
	}
	if removed > 0 {
		c.dirty = true
	}
	return removed
}

// snapshot returns a copy of the in-memory store.
func (c *Cache[P]) snapshot() Store[P] {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make(Store[P], len(c.store))
	for k, v := range c.store {
		out[k] = v
	}
	return out
}

// Persist writes the whole store to disk if it changed since the last write.
func (c *Cache[P]) Persist() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.dirty {
		return nil
	}
	if err := Save(c.path, c.store); err != nil {
		return fmt.Errorf("failed to persist %s prediction cache: %w", c.name, err)
	}
	c.dirty = false
	metrics.CacheEntries.WithLabelValues(c.name).Set(float64(len(c.store)))

	logger.Debug("Prediction cache persisted",
		zap.String("cache", c.name),
		zap.Int("entries", len(c.store)),
	)
	return nil
}
