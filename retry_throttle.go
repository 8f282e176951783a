/*
 *
 * Copyright 2017 gRPC authors.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 *
 */

package grpc

import "sync"

// RetryThrottlingPolicy describes the per-service token bucket that a
// service config's retryThrottling field installs. MaxTokens bounds the
// bucket (0, 1000]; TokenRatio is added back to the bucket on every
// successful call.
type RetryThrottlingPolicy struct {
	MaxTokens  float64
	TokenRatio float64
}

// retryThrottler implements the token-bucket throttle: a failed RPC costs
// one token, a successful RPC refunds TokenRatio, and retries are only
// permitted while the bucket holds more than half its capacity.
type retryThrottler struct {
	max   float64
	ratio float64

	mu     sync.Mutex
	tokens float64
}

func newRetryThrottler(policy *RetryThrottlingPolicy) *retryThrottler {
	if policy == nil {
		return nil
	}
	return &retryThrottler{
		max:    policy.MaxTokens,
		ratio:  policy.TokenRatio,
		tokens: policy.MaxTokens,
	}
}

// throttle reports whether a retry should be suppressed and records a
// failed-attempt token withdrawal.
func (t *retryThrottler) throttle() bool {
	if t == nil {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.tokens--
	if t.tokens < 0 {
		t.tokens = 0
	}
	return t.tokens <= t.max/2
}

// onSuccess credits the bucket after a successful RPC.
func (t *retryThrottler) onSuccess() {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.tokens += t.ratio
	if t.tokens > t.max {
		t.tokens = t.max
	}
}
