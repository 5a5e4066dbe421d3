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

package retrieval

import (
	"fmt"
	"strings"

	"github.com/tombee/ragrunner/pkg/budget"
)

// ContextBlock is the rendered context and the chunks that made it in.
type ContextBlock struct {
	Text    string
	Tokens  int
	Chunks  []Chunk
	Dropped int
}

// AssembleContext renders ranked chunks into a numbered block. When the
// block would exceed maxTokens, chunks are dropped from the lowest rank up
// until it fits. maxTokens <= 0 means no bound.
func AssembleContext(chunks []Chunk, maxTokens int, counter budget.Counter) ContextBlock {
	if counter == nil {
		counter = budget.HeuristicCounter{}
	}
	parts := make([]string, len(chunks))
	for i, c := range chunks {
		parts[i] = formatChunk(i+1, c)
	}

	// The bound applies to the joined text, separators included.
	kept := len(parts)
	text := strings.Join(parts, contextSeparator)
	tokens := counter.Count(text)
	for maxTokens > 0 && kept > 0 && tokens > maxTokens {
		kept--
		text = strings.Join(parts[:kept], contextSeparator)
		tokens = counter.Count(text)
	}

	return ContextBlock{
		Text:    text,
		Tokens:  tokens,
		Chunks:  chunks[:kept],
		Dropped: len(chunks) - kept,
	}
}

const contextSeparator = "\n\n"

func formatChunk(n int, c Chunk) string {
	if c.DocumentID == "" {
		return fmt.Sprintf("[%d] %s", n, strings.TrimSpace(c.Text))
	}
	return fmt.Sprintf("[%d] (source: %s) %s", n, c.DocumentID, strings.TrimSpace(c.Text))
}
