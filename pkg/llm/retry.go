// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package llm

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/tombee/ragrunner/pkg/errors"
)

// RetryConfig configures retry behavior with exponential backoff.
type RetryConfig struct {
	// MaxRetries is the maximum number of retry attempts (0 = no retries).
	MaxRetries int

	// InitialDelay is the delay after the first failed attempt.
	InitialDelay time.Duration

	// MaxDelay caps the backoff delay.
	MaxDelay time.Duration

	// Jitter adds up to this fraction of the delay at random (0.0-1.0).
	Jitter float64

	// OnRetry is called before each retry with the failed attempt index.
	OnRetry func(attempt int, err error)
}

// DefaultRetryConfig returns the default retry settings.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:   3,
		InitialDelay: 500 * time.Millisecond,
		MaxDelay:     30 * time.Second,
	}
}

// Backoff returns the wait after failed attempt number attempt (starting at
// 0): InitialDelay × 2^attempt, capped at MaxDelay.
func (c RetryConfig) Backoff(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	delay := float64(c.InitialDelay) * math.Pow(2, float64(attempt))
	if c.MaxDelay > 0 && delay > float64(c.MaxDelay) {
		delay = float64(c.MaxDelay)
	}
	if c.Jitter > 0 {
		delay += rand.Float64() * c.Jitter * delay
	}
	return time.Duration(delay)
}

// Sleep waits for the backoff of attempt or until ctx is done.
func (c RetryConfig) Sleep(ctx context.Context, attempt int) error {
	timer := time.NewTimer(c.Backoff(attempt))
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RetryableProvider wraps a provider and retries transient failures.
type RetryableProvider struct {
	provider Provider
	config   RetryConfig
}

// NewRetryableProvider wraps provider with config.
func NewRetryableProvider(provider Provider, config RetryConfig) *RetryableProvider {
	return &RetryableProvider{provider: provider, config: config}
}

// Name returns the wrapped provider's name.
func (r *RetryableProvider) Name() string {
	return r.provider.Name()
}

// Complete calls the wrapped provider, retrying errors for which
// errors.IsRetryable reports true.
func (r *RetryableProvider) Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error) {
	var lastErr error
	for attempt := 0; attempt <= r.config.MaxRetries; attempt++ {
		if attempt > 0 {
			if r.config.OnRetry != nil {
				r.config.OnRetry(attempt-1, lastErr)
			}
			if err := r.config.Sleep(ctx, attempt-1); err != nil {
				return nil, lastErr
			}
		}

		resp, err := r.provider.Complete(ctx, req)
		if err == nil {
			return resp, nil
		}
		lastErr = err

		if !errors.IsRetryable(err) || ctx.Err() != nil {
			return nil, err
		}
	}
	return nil, fmt.Errorf("after %d retries: %w", r.config.MaxRetries, lastErr)
}
