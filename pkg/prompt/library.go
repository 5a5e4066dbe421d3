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

// Package prompt renders prompt text from named templates and a variable
// map. Rendering is strict: a reference to a variable that is not supplied
// fails with a TemplateError instead of printing "<no value>".
package prompt

import (
	"bytes"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"text/template"

	"github.com/tombee/ragrunner/pkg/errors"
)

// Resolver renders a template id with variables.
type Resolver interface {
	Render(id string, vars map[string]interface{}) (string, error)
}

// templateExtensions are the file suffixes LoadDir picks up.
var templateExtensions = []string{".tmpl", ".txt", ".md"}

// Library is a set of parsed templates keyed by id. It is safe for
// concurrent use.
type Library struct {
	mu        sync.RWMutex
	templates map[string]*template.Template
}

// NewLibrary creates an empty library.
func NewLibrary() *Library {
	return &Library{templates: make(map[string]*template.Template)}
}

// Add parses text and stores it under id, replacing any existing template.
func (l *Library) Add(id, text string) error {
	tmpl, err := parse(id, text)
	if err != nil {
		return err
	}
	l.mu.Lock()
	l.templates[id] = tmpl
	l.mu.Unlock()
	return nil
}

// LoadDir adds every template file under dir. The id of a file is its
// slash-separated path relative to dir without the extension, so
// dir/system/rag_answer.tmpl becomes "system/rag_answer".
func (l *Library) LoadDir(dir string) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		ext := filepath.Ext(path)
		if !hasTemplateExtension(ext) {
			return nil
		}

		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		id := filepath.ToSlash(strings.TrimSuffix(rel, ext))

		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("reading template %s: %w", path, err)
		}
		return l.Add(id, string(data))
	})
}

// IDs returns the sorted template ids.
func (l *Library) IDs() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	ids := make([]string, 0, len(l.templates))
	for id := range l.templates {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Has reports whether id is loaded.
func (l *Library) Has(id string) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	_, ok := l.templates[id]
	return ok
}

// Render executes the template id with vars.
func (l *Library) Render(id string, vars map[string]interface{}) (string, error) {
	l.mu.RLock()
	tmpl, ok := l.templates[id]
	l.mu.RUnlock()
	if !ok {
		return "", &errors.TemplateError{Template: id, Message: "template not found"}
	}
	return execute(id, tmpl, vars)
}

// RenderText parses and executes an inline template. name identifies it in
// errors.
func RenderText(name, text string, vars map[string]interface{}) (string, error) {
	tmpl, err := parse(name, text)
	if err != nil {
		return "", err
	}
	return execute(name, tmpl, vars)
}

func parse(id, text string) (*template.Template, error) {
	tmpl, err := template.New(id).
		Option("missingkey=error").
		Funcs(FuncMap()).
		Parse(text)
	if err != nil {
		return nil, &errors.TemplateError{Template: id, Message: "parse failed", Cause: err}
	}
	return tmpl, nil
}

func execute(id string, tmpl *template.Template, vars map[string]interface{}) (string, error) {
	if vars == nil {
		vars = map[string]interface{}{}
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, vars); err != nil {
		return "", &errors.TemplateError{Template: id, Message: "render failed", Cause: err}
	}
	return buf.String(), nil
}

func hasTemplateExtension(ext string) bool {
	for _, e := range templateExtensions {
		if ext == e {
			return true
		}
	}
	return false
}
