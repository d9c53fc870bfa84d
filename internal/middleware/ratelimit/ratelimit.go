package ratelimit

import (
	"sync"
	"time"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"
)

const (
	cleanupEvery = 5 * time.Minute
	idleAfter    = 10 * time.Minute
)

type bucket struct {
	mu         sync.Mutex
	tokens     float64
	lastRefill time.Time
}

// RateLimiter is a per-client token bucket. Clients are identified by the
// X-Client-ID header, falling back to the remote IP.
type RateLimiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket

	capacity float64
	perSec   float64
	logger   *zap.Logger
	now      func() time.Time

	stop chan struct{}
	once sync.Once
}

type Config struct {
	MaxRequestsPerMinute int
	Logger               *zap.Logger
}

func New(cfg Config) *RateLimiter {
	if cfg.MaxRequestsPerMinute <= 0 {
		cfg.MaxRequestsPerMinute = 60
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	rl := &RateLimiter{
		buckets:  make(map[string]*bucket),
		capacity: float64(cfg.MaxRequestsPerMinute),
		perSec:   float64(cfg.MaxRequestsPerMinute) / 60,
		logger:   cfg.Logger,
		now:      time.Now,
		stop:     make(chan struct{}),
	}

	go rl.cleanup()

	return rl
}

func (rl *RateLimiter) Middleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		key := c.Get("X-Client-ID")
		if key == "" {
			key = c.IP()
		}

		if !rl.allow(key) {
			rl.logger.Warn("Rate limit exceeded",
				zap.String("key", key),
				zap.String("ip", c.IP()),
				zap.String("path", c.Path()),
			)
			c.Set(fiber.HeaderRetryAfter, "1")
			return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{
				"error": "Rate limit exceeded. Please try again later.",
			})
		}

		return c.Next()
	}
}

func (rl *RateLimiter) allow(key string) bool {
	now := rl.now()

	rl.mu.Lock()
	b, ok := rl.buckets[key]
	if !ok {
		b = &bucket{tokens: rl.capacity, lastRefill: now}
		rl.buckets[key] = b
	}
	rl.mu.Unlock()

	b.mu.Lock()
	defer b.mu.Unlock()

	if elapsed := now.Sub(b.lastRefill).Seconds(); elapsed > 0 {
		b.tokens = min(rl.capacity, b.tokens+elapsed*rl.perSec)
		b.lastRefill = now
	}
	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}

func (rl *RateLimiter) cleanup() {
	ticker := time.NewTicker(cleanupEvery)
	defer ticker.Stop()

	for {
		select {
		case <-rl.stop:
			return
		case <-ticker.C:
			rl.evictIdle()
		}
	}
}

func (rl *RateLimiter) evictIdle() int {
	now := rl.now()

	rl.mu.Lock()
	defer rl.mu.Unlock()

	evicted := 0
	for key, b := range rl.buckets {
		b.mu.Lock()
		if now.Sub(b.lastRefill) > idleAfter {
			delete(rl.buckets, key)
			evicted++
		}
		b.mu.Unlock()
	}
	return evicted
}

func (rl *RateLimiter) Stop() {
	rl.once.Do(func() { close(rl.stop) })
}
