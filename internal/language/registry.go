// Package language maps a language identifier to the sandbox invocation
// recipe for it. The table is immutable after start-up; resolution is a
// pure lookup so unsupported languages fail before any process is spawned.
package language

import (
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/michaelbrown/crucible/internal/fault"
)

// Adapter describes how to run source code for one language.
type Adapter struct {
	ID       string   `yaml:"id"`
	FileName string   `yaml:"file"`              // source file name, e.g. main.py
	Compile  []string `yaml:"compile,omitempty"` // optional compile step
	Run      []string `yaml:"run"`               // run command
}

// Command templates may use three placeholders, substituted by the
// sandbox per invocation: {file} (path of the written source), {bin}
// (path of the compile output) and {dir} (the working directory).

// Registry is the immutable language adapter table.
type Registry struct {
	adapters map[string]Adapter
}

// Defaults returns the built-in adapter set.
func Defaults() []Adapter {
	return []Adapter{
		{ID: "python", FileName: "main.py", Run: []string{"python3", "{file}"}},
		{ID: "javascript", FileName: "index.js", Run: []string{"node", "{file}"}},
		{ID: "go", FileName: "main.go",
			Compile: []string{"go", "build", "-o", "{bin}", "{file}"},
			Run:     []string{"{bin}"}},
		{ID: "cpp", FileName: "main.cpp",
			Compile: []string{"g++", "-std=c++17", "-O2", "-o", "{bin}", "{file}"},
			Run:     []string{"{bin}"}},
		{ID: "sh", FileName: "main.sh", Run: []string{"sh", "{file}"}},
	}
}

// New builds a registry from the given adapters. Later entries override
// earlier ones with the same ID.
func New(adapters []Adapter) (*Registry, error) {
	table := make(map[string]Adapter, len(adapters))
	for _, a := range adapters {
		if a.ID == "" || a.FileName == "" || len(a.Run) == 0 {
			return nil, fmt.Errorf("adapter %q: id, file and run are required", a.ID)
		}
		table[a.ID] = a
	}
	return &Registry{adapters: table}, nil
}

// Load builds a registry from the defaults plus an optional YAML override
// file. An empty path yields the defaults alone.
func Load(path string) (*Registry, error) {
	adapters := Defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading adapter file: %w", err)
		}
		var extra []Adapter
		if err := yaml.Unmarshal(data, &extra); err != nil {
			return nil, fmt.Errorf("parsing adapter file: %w", err)
		}
		adapters = append(adapters, extra...)
	}

	return New(adapters)
}

// Resolve returns the adapter for a language identifier.
func (r *Registry) Resolve(languageID string) (Adapter, error) {
	a, ok := r.adapters[languageID]
	if !ok {
		return Adapter{}, fault.Newf(fault.CodeValidation, "unsupported language: %s", languageID)
	}
	return a, nil
}

// IDs returns the registered language identifiers, sorted.
func (r *Registry) IDs() []string {
	ids := make([]string, 0, len(r.adapters))
	for id := range r.adapters {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
