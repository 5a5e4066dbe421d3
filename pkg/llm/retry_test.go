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
	"errors"
	"testing"
	"time"

	rrerrors "github.com/tombee/ragrunner/pkg/errors"
)

type flakyProvider struct {
	failures int
	failWith error
	calls    int
}

func (f *flakyProvider) Name() string { return "flaky" }

func (f *flakyProvider) Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error) {
	f.calls++
	if f.calls <= f.failures {
		return nil, f.failWith
	}
	return &CompletionResponse{Content: "ok", FinishReason: FinishReasonStop}, nil
}

func TestRetryConfig_Backoff(t *testing.T) {
	cfg := RetryConfig{InitialDelay: 100 * time.Millisecond, MaxDelay: time.Second}

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 100 * time.Millisecond},
		{1, 200 * time.Millisecond},
		{2, 400 * time.Millisecond},
		{3, 800 * time.Millisecond},
		{4, time.Second},
		{-1, 100 * time.Millisecond},
	}
	for _, tt := range tests {
		if got := cfg.Backoff(tt.attempt); got != tt.want {
			t.Errorf("Backoff(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

func TestRetryableProvider_RecoversFromTransient(t *testing.T) {
	mock := &flakyProvider{failures: 2, failWith: &rrerrors.TransientError{Message: "rate limited"}}

	var retried []int
	cfg := RetryConfig{
		MaxRetries:   3,
		InitialDelay: time.Millisecond,
		OnRetry:      func(attempt int, err error) { retried = append(retried, attempt) },
	}

	resp, err := NewRetryableProvider(mock, cfg).Complete(context.Background(), CompletionRequest{})
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if resp.Content != "ok" {
		t.Errorf("Content = %q", resp.Content)
	}
	if mock.calls != 3 {
		t.Errorf("calls = %d, want 3", mock.calls)
	}
	if len(retried) != 2 || retried[0] != 0 || retried[1] != 1 {
		t.Errorf("OnRetry attempts = %v, want [0 1]", retried)
	}
}

func TestRetryableProvider_DoesNotRetryPermanent(t *testing.T) {
	mock := &flakyProvider{failures: 5, failWith: &rrerrors.ValidationError{Message: "bad request"}}

	_, err := NewRetryableProvider(mock, RetryConfig{MaxRetries: 3, InitialDelay: time.Millisecond}).
		Complete(context.Background(), CompletionRequest{})

	var validationErr *rrerrors.ValidationError
	if !errors.As(err, &validationErr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	if mock.calls != 1 {
		t.Errorf("calls = %d, want 1", mock.calls)
	}
}

func TestRetryableProvider_Exhausted(t *testing.T) {
	mock := &flakyProvider{failures: 10, failWith: &rrerrors.ProviderError{Provider: "x", StatusCode: 503}}

	_, err := NewRetryableProvider(mock, RetryConfig{MaxRetries: 2, InitialDelay: time.Millisecond}).
		Complete(context.Background(), CompletionRequest{})
	if err == nil {
		t.Fatal("expected error after exhausting retries")
	}
	if mock.calls != 3 {
		t.Errorf("calls = %d, want 3", mock.calls)
	}
	if !rrerrors.IsRetryable(err) {
		t.Error("exhausted error should keep its transient classification")
	}
}

func TestRetryConfig_SleepHonorsContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	cfg := RetryConfig{InitialDelay: time.Hour}
	if err := cfg.Sleep(ctx, 0); !errors.Is(err, context.Canceled) {
		t.Errorf("Sleep() = %v, want context.Canceled", err)
	}
}

func TestEstimateCost(t *testing.T) {
	cost, ok := EstimateCost("gpt-4o-mini-2024-07-18", TokenUsage{InputTokens: 1_000_000, OutputTokens: 1_000_000})
	if !ok {
		t.Fatal("expected price for gpt-4o-mini")
	}
	if cost < 0.749 || cost > 0.751 {
		t.Errorf("cost = %v, want 0.75", cost)
	}

	if _, ok := EstimateCost("unknown-model", TokenUsage{InputTokens: 10}); ok {
		t.Error("expected unknown model to have no price")
	}
}

func TestTokenUsage_AddNormalize(t *testing.T) {
	u := TokenUsage{InputTokens: 3, OutputTokens: 4}.Normalize()
	if u.TotalTokens != 7 {
		t.Errorf("TotalTokens = %d", u.TotalTokens)
	}
	sum := u.Add(TokenUsage{InputTokens: 1, OutputTokens: 1, TotalTokens: 2})
	if sum.TotalTokens != 9 || sum.InputTokens != 4 {
		t.Errorf("Add = %+v", sum)
	}
}
