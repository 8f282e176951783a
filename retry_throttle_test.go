package grpc

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRetryThrottlerNilIsInert(t *testing.T) {
	var th *retryThrottler
	assert.False(t, th.throttle())
	th.onSuccess()
}

func TestRetryThrottlerPermitsWhileAboveHalfCapacity(t *testing.T) {
	th := newRetryThrottler(&RetryThrottlingPolicy{MaxTokens: 10, TokenRatio: 1})
	assert.False(t, th.throttle())
	assert.False(t, th.throttle())
	assert.False(t, th.throttle())
	assert.False(t, th.throttle())
}

func TestRetryThrottlerSuppressesAtHalfCapacity(t *testing.T) {
	th := newRetryThrottler(&RetryThrottlingPolicy{MaxTokens: 10, TokenRatio: 1})
	for i := 0; i < 5; i++ {
		th.throttle()
	}
	assert.True(t, th.throttle())
}

func TestRetryThrottlerSuccessCreditsCappedAtMax(t *testing.T) {
	th := newRetryThrottler(&RetryThrottlingPolicy{MaxTokens: 10, TokenRatio: 5})
	th.onSuccess()
	th.onSuccess()
	th.onSuccess()
	th.mu.Lock()
	tokens := th.tokens
	th.mu.Unlock()
	assert.Equal(t, 10.0, tokens)
}

func TestRetryThrottlerTokensNeverGoNegative(t *testing.T) {
	th := newRetryThrottler(&RetryThrottlingPolicy{MaxTokens: 4, TokenRatio: 1})
	for i := 0; i < 20; i++ {
		th.throttle()
	}
	th.mu.Lock()
	tokens := th.tokens
	th.mu.Unlock()
	assert.Equal(t, 0.0, tokens)
}

func TestNewRetryThrottlerNilPolicy(t *testing.T) {
	assert.Nil(t, newRetryThrottler(nil))
}
