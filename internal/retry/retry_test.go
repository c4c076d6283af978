package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastConfig() Config {
	return Config{
		MaxRetries:   3,
		InitialDelay: time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
		Multiplier:   2.0,
	}
}

func TestWithBackoffSucceedsAfterFailures(t *testing.T) {
	calls := 0
	err := WithBackoff(context.Background(), fastConfig(), zerolog.Nop(), "test", func() error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestWithBackoffExhaustsRetries(t *testing.T) {
	calls := 0
	sentinel := errors.New("down")
	err := WithBackoff(context.Background(), fastConfig(), zerolog.Nop(), "test", func() error {
		calls++
		return sentinel
	})

	require.Error(t, err)
	assert.ErrorIs(t, err, sentinel)
	assert.Equal(t, 3, calls)
}

func TestWithBackoffCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := WithBackoff(ctx, fastConfig(), zerolog.Nop(), "test", func() error {
		return errors.New("never succeeds")
	})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestBackoffGrowsAndCaps(t *testing.T) {
	cfg := Config{
		MaxRetries:   10,
		InitialDelay: time.Second,
		MaxDelay:     8 * time.Second,
		Multiplier:   2.0,
	}

	assert.Equal(t, time.Second, Backoff(cfg, 1))
	assert.Equal(t, 2*time.Second, Backoff(cfg, 2))
	assert.Equal(t, 4*time.Second, Backoff(cfg, 3))
	assert.Equal(t, 8*time.Second, Backoff(cfg, 4))
	// capped
	assert.Equal(t, 8*time.Second, Backoff(cfg, 7))
}

func TestBackoffJitterBounds(t *testing.T) {
	cfg := Config{
		InitialDelay:  time.Second,
		MaxDelay:      time.Minute,
		Multiplier:    2.0,
		JitterEnabled: true,
	}

	for i := 0; i < 50; i++ {
		d := Backoff(cfg, 3)
		assert.GreaterOrEqual(t, d, 3400*time.Millisecond)
		assert.LessOrEqual(t, d, 4600*time.Millisecond)
	}
}
