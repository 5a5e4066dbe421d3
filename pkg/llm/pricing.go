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

import "strings"

// Price is the cost of one million tokens in USD.
type Price struct {
	InputPerMillion  float64
	OutputPerMillion float64
}

// defaultPrices holds list prices for common models. Matching is by prefix,
// longest first.
var defaultPrices = map[string]Price{
	"gpt-4o-mini":       {InputPerMillion: 0.15, OutputPerMillion: 0.60},
	"gpt-4o":            {InputPerMillion: 2.50, OutputPerMillion: 10.00},
	"gpt-4-turbo":       {InputPerMillion: 10.00, OutputPerMillion: 30.00},
	"gpt-4":             {InputPerMillion: 30.00, OutputPerMillion: 60.00},
	"gpt-3.5-turbo":     {InputPerMillion: 0.50, OutputPerMillion: 1.50},
	"claude-3-5-sonnet": {InputPerMillion: 3.00, OutputPerMillion: 15.00},
	"claude-3-5-haiku":  {InputPerMillion: 1.00, OutputPerMillion: 5.00},
}

// EstimateCost returns the USD cost of usage on model, and false when the
// model has no known price.
func EstimateCost(model string, usage TokenUsage) (float64, bool) {
	price, ok := lookupPrice(model)
	if !ok {
		return 0, false
	}
	cost := float64(usage.InputTokens)/1e6*price.InputPerMillion +
		float64(usage.OutputTokens)/1e6*price.OutputPerMillion
	return cost, true
}

func lookupPrice(model string) (Price, bool) {
	model = strings.ToLower(model)
	best := ""
	for prefix := range defaultPrices {
		if strings.HasPrefix(model, prefix) && len(prefix) > len(best) {
			best = prefix
		}
	}
	if best == "" {
		return Price{}, false
	}
	return defaultPrices[best], true
}
