package evm

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/goran-ethernal/dna/internal/common"
	"github.com/goran-ethernal/dna/pkg/config"
	"github.com/stretchr/testify/require"
)

func testRetryConfig() *config.RetryConfig {
	return &config.RetryConfig{
		MaxAttempts:       3,
		InitialBackoff:    common.NewDuration(time.Millisecond),
		BackoffMultiplier: 2.0,
		MaxBackoff:        common.NewDuration(5 * time.Millisecond),
	}
}

func TestRetryableError(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		retryable bool
	}{
		{name: "nil", err: nil, retryable: false},
		{name: "timeout", err: errors.New("context deadline exceeded"), retryable: true},
		{name: "rate limit", err: errors.New("429 too many requests"), retryable: true},
		{name: "bad gateway", err: errors.New("502 bad gateway"), retryable: true},
		{name: "not found", err: errors.New("header not found"), retryable: true},
		{name: "decode failure", err: errors.New("invalid character 'x'"), retryable: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.retryable, retryableError(tt.err))
		})
	}
}

func TestRetryWithBackoffSucceedsAfterRetries(t *testing.T) {
	attempts := 0
	err := retryWithBackoff(context.Background(), testRetryConfig(), "test", func() error {
		attempts++
		if attempts < 3 {
			return errors.New("503 service unavailable")
		}
		return nil
	})

	require.NoError(t, err)
	require.Equal(t, 3, attempts)
}

func TestRetryWithBackoffStopsOnNonRetryable(t *testing.T) {
	attempts := 0
	err := retryWithBackoff(context.Background(), testRetryConfig(), "test", func() error {
		attempts++
		return errors.New("invalid payload")
	})

	require.Error(t, err)
	require.Equal(t, 1, attempts)
}

func TestRetryWithBackoffExhaustsAttempts(t *testing.T) {
	attempts := 0
	err := retryWithBackoff(context.Background(), testRetryConfig(), "test", func() error {
		attempts++
		return errors.New("504 gateway timeout")
	})

	require.Error(t, err)
	require.Equal(t, 3, attempts)
}

func TestRetryWithBackoffRespectsContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := retryWithBackoff(ctx, testRetryConfig(), "test", func() error {
		return errors.New("should not matter")
	})

	require.Error(t, err)
}

func TestCalculateBackoffIsCapped(t *testing.T) {
	cfg := testRetryConfig()

	require.Equal(t, time.Duration(0), calculateBackoff(1, cfg))

	for attempt := 2; attempt < 20; attempt++ {
		backoff := calculateBackoff(attempt, cfg)
		// Max backoff plus 25% jitter.
		require.LessOrEqual(t, backoff, cfg.MaxBackoff.Duration+cfg.MaxBackoff.Duration/4)
		require.GreaterOrEqual(t, backoff, time.Duration(0))
	}
}
