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

package providers

import (
	"context"
	"hash/fnv"
	"math"
	"strings"
	"sync"

	"github.com/tombee/ragrunner/pkg/llm"
)

// ScriptedProvider replays a fixed list of responses in order. When the
// script runs out it echoes the last user message. It backs dry runs and
// tests; the embedding side hashes words into a fixed-size bag-of-words
// vector so similar texts land near each other.
type ScriptedProvider struct {
	mu        sync.Mutex
	responses []ScriptedResponse
	calls     []llm.CompletionRequest
	dimension int
}

// ScriptedResponse is one step of a script. Err, when set, is returned
// instead of a response.
type ScriptedResponse struct {
	Content   string
	ToolCalls []llm.ToolCall
	Usage     llm.TokenUsage
	Err       error
}

// NewScriptedProvider creates a provider that plays responses in order.
func NewScriptedProvider(responses ...ScriptedResponse) *ScriptedProvider {
	return &ScriptedProvider{responses: responses, dimension: 64}
}

// Name returns the provider identifier.
func (s *ScriptedProvider) Name() string { return "scripted" }

// Dimension returns the embedding dimension.
func (s *ScriptedProvider) Dimension() int { return s.dimension }

// Calls returns the requests received so far.
func (s *ScriptedProvider) Calls() []llm.CompletionRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]llm.CompletionRequest, len(s.calls))
	copy(out, s.calls)
	return out
}

// Complete returns the next scripted response.
func (s *ScriptedProvider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.calls = append(s.calls, req)
	var next *ScriptedResponse
	if len(s.responses) > 0 {
		next = &s.responses[0]
		s.responses = s.responses[1:]
	}
	s.mu.Unlock()

	if next == nil {
		content := "echo: " + lastUserMessage(req.Messages)
		return &llm.CompletionResponse{
			Content:      content,
			FinishReason: llm.FinishReasonStop,
			Model:        "scripted",
			Usage:        estimateUsage(req, content),
		}, nil
	}
	if next.Err != nil {
		return nil, next.Err
	}

	usage := next.Usage
	if usage.TotalTokens == 0 && usage.InputTokens == 0 && usage.OutputTokens == 0 {
		usage = estimateUsage(req, next.Content)
	}
	finish := llm.FinishReasonStop
	if len(next.ToolCalls) > 0 {
		finish = llm.FinishReasonToolCalls
	}
	return &llm.CompletionResponse{
		Content:      next.Content,
		ToolCalls:    next.ToolCalls,
		FinishReason: finish,
		Model:        "scripted",
		Usage:        usage.Normalize(),
	}, nil
}

// Embed hashes lower-cased words into a normalized bag-of-words vector.
func (s *ScriptedProvider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out := make([][]float32, len(texts))
	for i, text := range texts {
		vec := make([]float32, s.dimension)
		for _, word := range strings.Fields(strings.ToLower(text)) {
			word = strings.Trim(word, ".,;:!?\"'()")
			if word == "" {
				continue
			}
			h := fnv.New32a()
			_, _ = h.Write([]byte(word))
			vec[int(h.Sum32())%s.dimension]++
		}
		var norm float64
		for _, v := range vec {
			norm += float64(v * v)
		}
		if norm > 0 {
			n := float32(math.Sqrt(norm))
			for j := range vec {
				vec[j] /= n
			}
		}
		out[i] = vec
	}
	return out, nil
}

func lastUserMessage(msgs []llm.Message) string {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == llm.MessageRoleUser {
			return msgs[i].Content
		}
	}
	return ""
}

func estimateUsage(req llm.CompletionRequest, content string) llm.TokenUsage {
	in := 0
	for _, m := range req.Messages {
		in += len(m.Content)/4 + 1
	}
	return llm.TokenUsage{InputTokens: in, OutputTokens: len(content)/4 + 1}.Normalize()
}
