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

package budget

import (
	"context"

	"github.com/tombee/ragrunner/pkg/llm"
)

// DefaultOutputReserve is reserved for a completion that sets no MaxTokens.
const DefaultOutputReserve = 1024

// MeteredProvider charges every completion to a ledger. The estimate is
// reserved before the call; a denied reservation fails the call without
// reaching the provider. Actual usage is committed afterwards.
type MeteredProvider struct {
	inner         llm.Provider
	ledger        *Ledger
	counter       Counter
	defaultOutput int
	onUsage       func(llm.TokenUsage)
}

// NewMeteredProvider binds inner to ledger.
func NewMeteredProvider(inner llm.Provider, ledger *Ledger, counter Counter) *MeteredProvider {
	if counter == nil {
		counter = HeuristicCounter{}
	}
	return &MeteredProvider{
		inner:         inner,
		ledger:        ledger,
		counter:       counter,
		defaultOutput: DefaultOutputReserve,
	}
}

// OnUsage registers a callback that receives each committed usage.
func (m *MeteredProvider) OnUsage(fn func(llm.TokenUsage)) *MeteredProvider {
	m.onUsage = fn
	return m
}

// Ledger returns the ledger calls are charged to.
func (m *MeteredProvider) Ledger() *Ledger {
	return m.ledger
}

// Name returns the wrapped provider's name.
func (m *MeteredProvider) Name() string {
	return m.inner.Name()
}

// Complete reserves, calls and commits. A provider that reports no usage is
// charged the estimate of the prompt and the returned content.
func (m *MeteredProvider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	estimate := EstimateRequest(m.counter, req, m.defaultOutput)
	reservation, err := m.ledger.Reserve(estimate)
	if err != nil {
		return nil, err
	}

	resp, err := m.inner.Complete(ctx, req)
	if err != nil {
		m.ledger.Release(reservation)
		return nil, err
	}

	usage := resp.Usage.Normalize()
	if usage.TotalTokens == 0 {
		usage = llm.TokenUsage{
			InputTokens:  EstimateMessages(m.counter, req.Messages),
			OutputTokens: m.counter.Count(resp.Content),
		}.Normalize()
		resp.Usage = usage
	}
	m.ledger.Commit(reservation, usage)
	if m.onUsage != nil {
		m.onUsage(usage)
	}
	return resp, nil
}
