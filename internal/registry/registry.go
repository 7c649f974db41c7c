// Package registry maps logical model names to the backend that serves them.
// A Registry is built once at startup and never mutated, so it is shared by
// all request handlers without locking.
package registry

import (
	"fmt"
	"sort"
	"strings"

	"github.com/ubuygold/gpugate/internal/config"
)

// Style selects the payload shape a backend understands.
type Style string

const (
	StyleGenerate Style = config.StyleGenerate
	StyleChat     Style = config.StyleChat
)

// Backend is one inference server.
type Backend struct {
	BaseURL string
	Style   Style
}

// Registry is the immutable model -> backend table.
type Registry struct {
	models   map[string]Backend
	backends []Backend
	names    []string
}

// Normalize applies the matching rule for model names: trimmed and case-insensitive.
func Normalize(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// New builds a registry from the configured backends, keeping their order.
func New(backends []config.BackendConfig) (*Registry, error) {
	r := &Registry{models: make(map[string]Backend)}
	seen := make(map[string]bool)
	for _, bc := range backends {
		b := Backend{BaseURL: strings.TrimRight(bc.URL, "/"), Style: Style(bc.Style)}
		if b.Style == "" {
			b.Style = StyleGenerate
		}
		for _, m := range bc.Models {
			name := Normalize(m)
			if name == "" {
				continue
			}
			if prev, dup := r.models[name]; dup && prev != b {
				return nil, fmt.Errorf("model %q is mapped to both %s and %s", name, prev.BaseURL, b.BaseURL)
			}
			r.models[name] = b
		}
		if !seen[b.BaseURL] {
			seen[b.BaseURL] = true
			r.backends = append(r.backends, b)
		}
	}
	if len(r.models) == 0 {
		return nil, fmt.Errorf("registry has no models")
	}
	for name := range r.models {
		r.names = append(r.names, name)
	}
	sort.Strings(r.names)
	return r, nil
}

// Resolve returns the backend serving name. ok is false when the model is not supported.
func (r *Registry) Resolve(name string) (Backend, bool) {
	b, ok := r.models[Normalize(name)]
	return b, ok
}

// DistinctBackends returns every backend once, in configuration order.
func (r *Registry) DistinctBackends() []Backend {
	out := make([]Backend, len(r.backends))
	copy(out, r.backends)
	return out
}

// SupportedModels returns the registered model names, sorted.
func (r *Registry) SupportedModels() []string {
	out := make([]string, len(r.names))
	copy(out, r.names)
	return out
}

// Routes returns a copy of the model -> base URL table.
func (r *Registry) Routes() map[string]string {
	out := make(map[string]string, len(r.models))
	for name, b := range r.models {
		out[name] = b.BaseURL
	}
	return out
}
