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

package app

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"gopkg.in/yaml.v3"

	"github.com/tombee/ragrunner/pkg/retrieval"
)

// DocumentPattern matches document files under a directory.
const DocumentPattern = "**/*.{md,txt,yaml,yml,json}"

// LoadDocuments reads documents from a file or a directory tree. Markdown
// and text files become one document each, identified by their path
// relative to the directory. YAML and JSON files hold a list of documents.
func LoadDocuments(path string) ([]retrieval.Document, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("loading documents: %w", err)
	}
	if !info.IsDir() {
		return loadDocumentFile(path, filepath.Base(path))
	}

	matches, err := doublestar.Glob(os.DirFS(path), DocumentPattern)
	if err != nil {
		return nil, fmt.Errorf("loading documents: %w", err)
	}
	sort.Strings(matches)

	var docs []retrieval.Document
	for _, m := range matches {
		loaded, err := loadDocumentFile(filepath.Join(path, filepath.FromSlash(m)), m)
		if err != nil {
			return nil, err
		}
		docs = append(docs, loaded...)
	}
	return docs, nil
}

func loadDocumentFile(path, id string) ([]retrieval.Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("loading documents: %w", err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml", ".json":
		var docs []retrieval.Document
		if err := yaml.Unmarshal(data, &docs); err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		for i, d := range docs {
			if d.ID == "" {
				docs[i].ID = fmt.Sprintf("%s#%d", id, i)
			}
		}
		return docs, nil
	default:
		text := strings.TrimSpace(string(data))
		if text == "" {
			return nil, nil
		}
		return []retrieval.Document{{
			ID:       id,
			Text:     text,
			Metadata: map[string]interface{}{"source": id},
		}}, nil
	}
}
