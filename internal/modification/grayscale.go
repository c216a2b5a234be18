package modification

import (
	"context"
	"fmt"

	"github.com/disintegration/imaging"
)

// GrayscaleModification desaturates the image.
type GrayscaleModification struct{}

// NewGrayscale creates the grayscale modification.
func NewGrayscale() *GrayscaleModification {
	return &GrayscaleModification{}
}

// ID returns the action name.
func (g *GrayscaleModification) ID() string { return Grayscale }

// Validate checks that input and output files are named.
func (g *GrayscaleModification) Validate(p Payload) error {
	return requireFiles(g.ID(), p)
}

// Apply writes a grayscale copy of p.Input to p.Output.
func (g *GrayscaleModification) Apply(_ context.Context, p Payload) (Result, error) {
	if err := g.Validate(p); err != nil {
		return Result{}, err
	}

	src, err := imaging.Open(p.Input, imaging.AutoOrientation(true))
	if err != nil {
		return Result{}, fmt.Errorf("grayscale: failed to open image: %w", err)
	}

	if err := imaging.Save(imaging.Grayscale(src), p.Output); err != nil {
		return Result{}, fmt.Errorf("grayscale: failed to save image: %w", err)
	}

	return Result{Output: p.Output}, nil
}
