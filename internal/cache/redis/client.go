package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/lrtc/backend/internal/cache/predictions"
	"github.com/lrtc/backend/internal/metrics"
	"github.com/lrtc/backend/pkg/circuitbreaker"
	"github.com/lrtc/backend/pkg/logger"
	"github.com/lrtc/backend/pkg/retry"
)

const predictionPrefix = "prediction:"

// Client mirrors prediction cache entries in redis so several server
// processes can share inference results. It implements predictions.Remote.
type Client struct {
	client  *redis.Client
	ttl     time.Duration
	retry   retry.Config
	breaker *circuitbreaker.CircuitBreaker
}

var _ predictions.Remote = (*Client)(nil)

func NewClient(host string, port int, password string, db int, ttl time.Duration) (*Client, error) {
	addr := fmt.Sprintf("%s:%d", host, port)
	c := newClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	}, ttl)

	if err := c.Ping(context.Background()); err != nil {
		c.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	logger.Info("Redis client initialized", zap.String("addr", addr), zap.Duration("ttl", ttl))
	return c, nil
}

func newClient(opts *redis.Options, ttl time.Duration) *Client {
	retryCfg := retry.CacheConfig()
	retryCfg.Logger = logger.Named("redis")

	breaker := circuitbreaker.NewCircuitBreaker("redis", circuitbreaker.Config{
		Timeout:          30 * time.Second,
		FailureThreshold: 5,
		IsFailure: func(err error) bool {
			return err != nil && !errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, _, to circuitbreaker.State) {
			metrics.BreakerState.WithLabelValues(name).Set(float64(to))
		},
		Logger: logger.Named("redis"),
	})

	return &Client{
		client:  redis.NewClient(opts),
		ttl:     ttl,
		retry:   retryCfg,
		breaker: breaker,
	}
}

func (c *Client) Close() error {
	return c.client.Close()
}

func (c *Client) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// Breaker exposes the guard around redis calls, mainly for readiness checks.
func (c *Client) Breaker() *circuitbreaker.CircuitBreaker {
	return c.breaker
}

func predictionKey(fingerprint string) string {
	return predictionPrefix + fingerprint
}

// do runs op under the breaker, retrying transient failures. An open breaker
// is returned immediately.
func (c *Client) do(ctx context.Context, op func(ctx context.Context) error) error {
	return c.breaker.Execute(ctx, func(ctx context.Context) error {
		return retry.Do(ctx, c.retry, op)
	})
}

func (c *Client) SetPrediction(ctx context.Context, fingerprint string, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal prediction: %w", err)
	}

	err = c.do(ctx, func(ctx context.Context) error {
		return c.client.Set(ctx, predictionKey(fingerprint), data, c.ttl).Err()
	})
	if err != nil {
		return fmt.Errorf("failed to set prediction cache: %w", err)
	}

	logger.Debug("Prediction cached", zap.String("fingerprint", fingerprint), zap.Duration("ttl", c.ttl))
	return nil
}

// GetPrediction decodes the cached value into dst. A missing key is reported
// as (false, nil).
func (c *Client) GetPrediction(ctx context.Context, fingerprint string, dst any) (bool, error) {
	var data []byte
	err := c.do(ctx, func(ctx context.Context) error {
		var err error
		data, err = c.client.Get(ctx, predictionKey(fingerprint)).Bytes()
		if errors.Is(err, redis.Nil) {
			data = nil
			return nil
		}
		return err
	})
	if err != nil {
		return false, fmt.Errorf("failed to get prediction cache: %w", err)
	}
	if data == nil {
		return false, nil
	}

	if err := json.Unmarshal(data, dst); err != nil {
		return false, fmt.Errorf("failed to unmarshal prediction: %w", err)
	}

	logger.Debug("Prediction cache hit", zap.String("fingerprint", fingerprint))
	return true, nil
}

// InvalidatePredictions removes every mirrored prediction.
func (c *Client) InvalidatePredictions(ctx context.Context) (int, error) {
	removed := 0
	iter := c.client.Scan(ctx, 0, predictionPrefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		if err := c.client.Del(ctx, iter.Val()).Err(); err != nil {
			logger.Warn("Failed to delete cache key", zap.String("key", iter.Val()), zap.Error(err))
			continue
		}
		removed++
	}
	if err := iter.Err(); err != nil {
		return removed, fmt.Errorf("failed to iterate cache keys: %w", err)
	}

	logger.Info("Prediction cache invalidated", zap.Int("removed", removed))
	return removed, nil
}
