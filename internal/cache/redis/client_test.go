package redis

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lrtc/backend/pkg/circuitbreaker"
)

// unreachable points at a closed local port so every command fails fast.
func unreachable(t *testing.T) *Client {
	t.Helper()
	c := newClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 100 * time.Millisecond,
		MaxRetries:  -1,
	}, time.Minute)
	t.Cleanup(func() { c.Close() })
	return c
}

func TestPredictionKey(t *testing.T) {
	assert.Equal(t, "prediction:abc123", predictionKey("abc123"))
}

func TestSetPredictionRejectsUnencodable(t *testing.T) {
	c := unreachable(t)

	err := c.SetPrediction(context.Background(), "fp", make(chan int))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "marshal")
	assert.Equal(t, uint32(0), c.Breaker().Counts().Requests)
}

func TestBreakerOpensWhenRedisIsDown(t *testing.T) {
	c := unreachable(t)
	ctx := context.Background()

	var dst map[string]any
	for i := 0; i < 5; i++ {
		found, err := c.GetPrediction(ctx, "fp", &dst)
		require.Error(t, err)
		assert.False(t, found)
	}
	assert.Equal(t, circuitbreaker.StateOpen, c.Breaker().State())

	found, err := c.GetPrediction(ctx, "fp", &dst)
	assert.ErrorIs(t, err, circuitbreaker.ErrCircuitOpen)
	assert.False(t, found)

	err = c.SetPrediction(ctx, "fp", map[string]any{"score": 0.5})
	assert.ErrorIs(t, err, circuitbreaker.ErrCircuitOpen)
}
