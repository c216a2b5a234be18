package modification

import (
	"context"
	"fmt"

	"github.com/disintegration/imaging"

	"github.com/aliskhannn/image-pipeline/internal/model"
)

// ResizeModification scales the image to an exact width and height.
type ResizeModification struct{}

// NewResize creates the resize modification.
func NewResize() *ResizeModification {
	return &ResizeModification{}
}

// ID returns the action name.
func (r *ResizeModification) ID() string { return Resize }

// Validate checks files and the width/height parameters.
func (r *ResizeModification) Validate(p Payload) error {
	if p.Input == "" {
		return model.InvalidData("%s - You need to provide a fileInput.", r.ID())
	}

	if _, err := r.dimension(p.Params, "width"); err != nil {
		return err
	}
	if _, err := r.dimension(p.Params, "height"); err != nil {
		return err
	}

	if p.Output == "" {
		return model.InvalidData("%s - You need to provide a fileOutput.", r.ID())
	}

	return nil
}

func (r *ResizeModification) dimension(params map[string]any, key string) (int, error) {
	v, ok, err := intParam(params, key)
	if !ok {
		return 0, model.InvalidData("%s - You need to provide a %s.", r.ID(), key)
	}
	if err != nil || v <= 0 {
		return 0, model.InvalidData("%s - The %s must be a positive integer.", r.ID(), key)
	}

	return v, nil
}

// Apply resizes p.Input into p.Output.
func (r *ResizeModification) Apply(_ context.Context, p Payload) (Result, error) {
	if err := r.Validate(p); err != nil {
		return Result{}, err
	}

	width, _ := r.dimension(p.Params, "width")
	height, _ := r.dimension(p.Params, "height")

	// Load and decode the source image.
	src, err := imaging.Open(p.Input, imaging.AutoOrientation(true))
	if err != nil {
		return Result{}, fmt.Errorf("resize: failed to open image: %w", err)
	}

	// Perform resizing.
	resized := imaging.Resize(src, width, height, imaging.Lanczos)

	if err := imaging.Save(resized, p.Output); err != nil {
		return Result{}, fmt.Errorf("resize: failed to save image: %w", err)
	}

	return Result{Output: p.Output}, nil
}
