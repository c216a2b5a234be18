package modification

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/disintegration/imaging"
	"github.com/fogleman/gg"
	"github.com/google/uuid"
	"github.com/wb-go/wbf/zlog"

	"github.com/aliskhannn/image-pipeline/internal/model"
)

// downloader fetches a remote file to a local path.
type downloader interface {
	Download(ctx context.Context, rawURL, dst string) (int64, error)
}

// anchor places the watermark relative to the base image: (fx, fy) is the
// point on the base as a fraction of its size, (ax, ay) the matching point on
// the watermark.
type anchor struct {
	fx, fy float64
	ax, ay float64
}

type position struct {
	name string
	anchor
}

// positions lists the accepted values in the order they are reported to
// clients.
var positions = []position{
	{"north", anchor{0.5, 0, 0.5, 0}},
	{"northeast", anchor{1, 0, 1, 0}},
	{"southeast", anchor{1, 1, 1, 1}},
	{"south", anchor{0.5, 1, 0.5, 1}},
	{"southwest", anchor{0, 1, 0, 1}},
	{"west", anchor{0, 0.5, 0, 0.5}},
	{"northwest", anchor{0, 0, 0, 0}},
	{"east", anchor{1, 0.5, 1, 0.5}},
}

func lookupPosition(name string) (anchor, bool) {
	for _, p := range positions {
		if p.name == name {
			return p.anchor, true
		}
	}
	return anchor{}, false
}

// WatermarkModification composites a remote image on top of the input at one
// of eight compass positions.
type WatermarkModification struct {
	downloader downloader
}

// NewWatermark creates the watermark modification. d fetches the watermark file.
func NewWatermark(d downloader) *WatermarkModification {
	return &WatermarkModification{downloader: d}
}

// ID returns the action name.
func (w *WatermarkModification) ID() string { return Watermark }

// Validate checks files, position and watermarkFileUrl.
func (w *WatermarkModification) Validate(p Payload) error {
	if err := requireFiles(w.ID(), p); err != nil {
		return err
	}

	position, ok := stringParam(p.Params, "position")
	if !ok {
		return model.InvalidData("%s - You need to provide a position.", w.ID())
	}
	if _, ok := lookupPosition(position); !ok {
		return model.InvalidData(
			"%s - You need to provide a valid position. The valid positions are: %s",
			w.ID(), strings.Join(validPositions(), ","),
		)
	}

	wmURL, ok := stringParam(p.Params, "watermarkFileUrl")
	if !ok {
		return model.InvalidData("%s - You need to provide a watermarkFileUrl.", w.ID())
	}
	if !IsRasterURL(wmURL) {
		return model.InvalidData("%s - Watermark file must be a PNG, JPG or JPEG image", w.ID())
	}

	return nil
}

// Apply downloads the watermark next to p.Output, draws it onto p.Input and
// saves the result to p.Output. The downloaded watermark is always removed.
func (w *WatermarkModification) Apply(ctx context.Context, p Payload) (Result, error) {
	if err := w.Validate(p); err != nil {
		return Result{}, err
	}

	position, _ := stringParam(p.Params, "position")
	wmURL, _ := stringParam(p.Params, "watermarkFileUrl")

	wmPath := filepath.Join(filepath.Dir(p.Output), "watermark-"+uuid.NewString()+Extension(wmURL))
	defer func() {
		if err := os.Remove(wmPath); err != nil && !os.IsNotExist(err) {
			zlog.Logger.Warn().Err(err).Str("path", wmPath).Msg("failed to remove watermark file")
		}
	}()

	if _, err := w.downloader.Download(ctx, wmURL, wmPath); err != nil {
		return Result{}, fmt.Errorf("watermark: failed to download watermark: %w", err)
	}

	// Decode base image and watermark.
	base, err := imaging.Open(p.Input, imaging.AutoOrientation(true))
	if err != nil {
		return Result{}, fmt.Errorf("watermark: failed to open image: %w", err)
	}
	mark, err := imaging.Open(wmPath)
	if err != nil {
		return Result{}, fmt.Errorf("watermark: failed to open watermark: %w", err)
	}

	// Draw watermark on top of the image.
	a, _ := lookupPosition(position)
	dc := gg.NewContextForImage(base)
	x := int(a.fx * float64(dc.Width()))
	y := int(a.fy * float64(dc.Height()))
	dc.DrawImageAnchored(mark, x, y, a.ax, a.ay)

	if err := imaging.Save(dc.Image(), p.Output); err != nil {
		return Result{}, fmt.Errorf("watermark: failed to save image: %w", err)
	}

	return Result{Output: p.Output}, nil
}

func validPositions() []string {
	out := make([]string, 0, len(positions))
	for _, p := range positions {
		out = append(out, p.name)
	}

	return out
}
