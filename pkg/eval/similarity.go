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

package eval

import (
	"fmt"
	"math"
	"reflect"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// Similarity scores actual against expected in [0, 1].
//
// Strings compare as word sets (Jaccard) after NFKC normalization and
// lower-casing; identical normalized strings score 1. Maps score the mean
// over expected keys, missing keys scoring 0. Lists score position by
// position, divided by the longer length so extra or missing items cost.
// Numbers score by relative closeness. Anything else must be equal.
func Similarity(expected, actual interface{}) float64 {
	if en, ok := toFloat(expected); ok {
		if an, ok := toFloat(actual); ok {
			return numberSimilarity(en, an)
		}
	}

	switch e := expected.(type) {
	case string:
		a, ok := actual.(string)
		if !ok {
			a = fmt.Sprint(actual)
			if actual == nil {
				a = ""
			}
		}
		return TextSimilarity(e, a)
	case map[string]interface{}:
		a, ok := toStringMap(actual)
		if !ok {
			return 0
		}
		if len(e) == 0 {
			if len(a) == 0 {
				return 1
			}
			return 0
		}
		total := 0.0
		for k, ev := range e {
			if av, ok := a[k]; ok {
				total += Similarity(ev, av)
			}
		}
		return total / float64(len(e))
	case []interface{}:
		a, ok := actual.([]interface{})
		if !ok {
			return 0
		}
		longest := len(e)
		if len(a) > longest {
			longest = len(a)
		}
		if longest == 0 {
			return 1
		}
		total := 0.0
		for i := 0; i < len(e) && i < len(a); i++ {
			total += Similarity(e[i], a[i])
		}
		return total / float64(longest)
	default:
		if reflect.DeepEqual(expected, actual) {
			return 1
		}
		return 0
	}
}

// TextSimilarity is the word-set Jaccard index of two normalized strings.
func TextSimilarity(expected, actual string) float64 {
	e, a := normalize(expected), normalize(actual)
	if e == a {
		return 1
	}
	ew, aw := wordSet(e), wordSet(a)
	if len(ew) == 0 || len(aw) == 0 {
		return 0
	}
	inter := 0
	for w := range ew {
		if aw[w] {
			inter++
		}
	}
	union := len(ew) + len(aw) - inter
	return float64(inter) / float64(union)
}

// ExactMatch reports whether the normalized values are identical.
func ExactMatch(expected, actual interface{}) bool {
	if e, ok := expected.(string); ok {
		a, ok := actual.(string)
		return ok && normalize(e) == normalize(a)
	}
	return Similarity(expected, actual) == 1
}

func normalize(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(norm.NFKC.String(s))), " ")
}

func wordSet(s string) map[string]bool {
	words := make(map[string]bool)
	for _, w := range strings.Fields(s) {
		w = strings.TrimFunc(w, isPunct)
		if w != "" {
			words[w] = true
		}
	}
	return words
}

func isPunct(r rune) bool {
	return strings.ContainsRune(".,;:!?\"'()[]{}", r)
}

func numberSimilarity(expected, actual float64) float64 {
	if expected == actual {
		return 1
	}
	scale := math.Max(math.Abs(expected), math.Abs(actual))
	return math.Max(0, 1-math.Abs(expected-actual)/scale)
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	default:
		return 0, false
	}
}

func toStringMap(v interface{}) (map[string]interface{}, bool) {
	switch m := v.(type) {
	case map[string]interface{}:
		return m, true
	case map[interface{}]interface{}:
		out := make(map[string]interface{}, len(m))
		for k, val := range m {
			out[fmt.Sprint(k)] = val
		}
		return out, true
	default:
		return nil, false
	}
}
