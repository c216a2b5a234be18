// Package modification holds the image transformations a job can apply and
// the registry that resolves them by action name.
package modification

import (
	"context"
	"fmt"
	"net/url"
	"path"
	"sort"
	"strings"

	"github.com/aliskhannn/image-pipeline/internal/model"
)

// Action names accepted in a submission.
const (
	Grayscale = "grayscale"
	Resize    = "resize"
	Watermark = "watermark"
)

// Payload is what a modification validates and applies: the file it reads,
// the file it must produce and its own parameters.
type Payload struct {
	Input  string
	Output string
	Params map[string]any
}

// Result describes the file produced by Apply.
type Result struct {
	Output string
}

// Modification is a named, stateless image transformation.
//
// Validate must not have side effects. Apply must write exactly one file at
// Payload.Output and must never touch Payload.Input.
type Modification interface {
	ID() string
	Validate(p Payload) error
	Apply(ctx context.Context, p Payload) (Result, error)
}

// Registry resolves modifications by exact action name. It is built once at
// start-up and read concurrently afterwards.
type Registry struct {
	mods map[string]Modification
}

// NewRegistry builds a registry from mods. Registering the same id twice is an error.
func NewRegistry(mods ...Modification) (*Registry, error) {
	r := &Registry{mods: make(map[string]Modification, len(mods))}

	for _, m := range mods {
		id := m.ID()
		if id == "" {
			return nil, fmt.Errorf("registry: modification with empty id")
		}
		if _, ok := r.mods[id]; ok {
			return nil, fmt.Errorf("registry: modification %q registered twice", id)
		}
		r.mods[id] = m
	}

	return r, nil
}

// Resolve returns the modification registered under id.
func (r *Registry) Resolve(id string) (Modification, error) {
	m, ok := r.mods[id]
	if !ok {
		return nil, model.NotFound("Type change %s not found", id)
	}

	return m, nil
}

// IDs returns the registered action names in sorted order.
func (r *Registry) IDs() []string {
	ids := make([]string, 0, len(r.mods))
	for id := range r.mods {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	return ids
}

var rasterExtensions = map[string]bool{
	".png":  true,
	".jpg":  true,
	".jpeg": true,
}

// IsRasterURL reports whether the path of rawURL ends in one of the supported
// raster extensions. Only the name is inspected, never the content.
func IsRasterURL(rawURL string) bool {
	return rasterExtensions[Extension(rawURL)]
}

// Extension returns the lower-cased extension (with the dot) of the path
// component of rawURL, ignoring any query string or fragment.
func Extension(rawURL string) string {
	p := rawURL
	if u, err := url.Parse(rawURL); err == nil && u.Path != "" {
		p = u.Path
	}

	return strings.ToLower(path.Ext(p))
}

func requireFiles(id string, p Payload) error {
	if p.Input == "" {
		return model.InvalidData("%s - You need to provide a fileInput.", id)
	}
	if p.Output == "" {
		return model.InvalidData("%s - You need to provide a fileOutput.", id)
	}

	return nil
}
