// Package chain turns a raw submission into a validated, annotated step chain.
package chain

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/aliskhannn/image-pipeline/internal/model"
	"github.com/aliskhannn/image-pipeline/internal/modification"
)

// resolver looks up a modification by action name.
type resolver interface {
	Resolve(id string) (modification.Modification, error)
}

// Request is a submission as received from the client.
type Request struct {
	URL            string       `json:"url"`
	ChangesToApply []model.Step `json:"changesToApply"`
}

// Option configures a Builder.
type Option func(*Builder)

// WithNameFunc overrides how the chain's base filename is generated.
func WithNameFunc(fn func() string) Option {
	return func(b *Builder) { b.newName = fn }
}

// Builder validates submissions against the modification registry.
type Builder struct {
	registry resolver
	newName  func() string
}

// NewBuilder creates a Builder backed by registry.
func NewBuilder(registry resolver, opts ...Option) *Builder {
	b := &Builder{registry: registry, newName: defaultName}
	for _, opt := range opts {
		opt(b)
	}

	return b
}

func defaultName() string {
	return uuid.NewString() + strconv.FormatInt(time.Now().UnixMilli(), 10)
}

// Build validates every requested change in order and assigns each one its
// output filename. It either accepts the whole chain or returns the first
// failure; it never returns a partially validated chain.
func (b *Builder) Build(req Request) (model.Submission, error) {
	if !modification.IsRasterURL(req.URL) {
		return model.Submission{}, model.InvalidData("File must be a PNG, JPG or JPEG image")
	}

	// One base name per chain; steps without a usable name of their own
	// derive theirs from it.
	base := b.newName()

	steps := make([]model.Step, 0, len(req.ChangesToApply))
	used := make(map[string]bool, len(req.ChangesToApply))
	input := req.URL

	for i, change := range req.ChangesToApply {
		m, err := b.registry.Resolve(change.Action)
		if err != nil {
			return model.Submission{}, err
		}

		output := change.FileOutput
		if !safeName(output) || used[output] {
			output = fmt.Sprintf("%s-%d.jpg", base, i+1)
		}

		params := cloneParams(change.Params)
		if err := m.Validate(modification.Payload{Input: input, Output: output, Params: params}); err != nil {
			return model.Submission{}, err
		}

		used[output] = true
		steps = append(steps, model.Step{Action: change.Action, Params: params, FileOutput: output})
		input = output
	}

	return model.Submission{
		URL:            req.URL,
		ChangesToApply: steps,
		TotalSteps:     model.TotalSteps(len(steps)),
		CurrentStep:    0,
	}, nil
}

// safeName reports whether name can be used verbatim as a file inside a
// workspace: a plain base name with a raster extension.
func safeName(name string) bool {
	if name == "" || name != filepath.Base(name) || strings.HasPrefix(name, ".") {
		return false
	}
	if strings.ContainsAny(name, `/\:`) {
		return false
	}

	return modification.IsRasterURL(name)
}

func cloneParams(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
