package engine

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/rendis/bizflow/pkg/schema"
)

func TestBackoff(t *testing.T) {
	tests := []struct {
		retry int
		want  time.Duration
	}{
		{0, time.Second},
		{1, 2 * time.Second},
		{2, 3 * time.Second},
		{3, 4 * time.Second},
		{29, 30 * time.Second},
		{1000, 30 * time.Second},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprint(tt.retry), func(t *testing.T) {
			assert.Equal(t, tt.want, Backoff(time.Second, 30*time.Second, tt.retry))
		})
	}
	assert.Zero(t, Backoff(0, time.Second, 3))
	assert.Zero(t, Backoff(time.Second, time.Minute, -1))
	assert.Equal(t, 11*time.Millisecond, Backoff(time.Millisecond, 0, 10))
}

func TestWaitForBackoff(t *testing.T) {
	assert.NoError(t, WaitForBackoff(context.Background(), time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, WaitForBackoff(ctx, time.Hour), context.Canceled)
}

func TestRetryBudget(t *testing.T) {
	plain := schema.Step{Action: &schema.Action{}}
	assert.Zero(t, retryBudget(plain))

	flagged := schema.Step{Action: &schema.Action{RetryOnFailure: true, MaxRetries: 5}}
	assert.Equal(t, 5, retryBudget(flagged))

	policy := schema.Step{OnError: schema.OnErrorRetry}
	assert.Equal(t, DefaultMaxRetries, retryBudget(policy))
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, isRetryable(errors.New("network")))
	assert.False(t, isRetryable(nil))
	assert.False(t, isRetryable(context.Canceled))
	assert.False(t, isRetryable(schema.NewError(schema.ErrCodeValidation, "bad config")))
	assert.False(t, isRetryable(schema.NewError(schema.ErrCodeActionUnavailable, "no email")))
	assert.True(t, isRetryable(schema.NewError(schema.ErrCodeTimeout, "slow")))
}
