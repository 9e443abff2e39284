package effect

import (
	"fmt"

	"github.com/disintegration/imaging"

	"github.com/andresmejia3/backdrop/internal/frame"
)

// Default bokeh parameters.
const (
	DefaultBackgroundBlur = 4
	DefaultEdgeBlur       = 3
)

// Bokeh blurs everything that is not a person and keeps the person sharp.
type Bokeh struct {
	BackgroundBlur float64 // Gaussian sigma applied to the whole frame
	EdgeBlur       int     // feather radius of the person outline
	FlipHorizontal bool
}

// NewBokeh returns a bokeh effect with the given parameters.
func NewBokeh(backgroundBlur float64, edgeBlur int, flip bool) *Bokeh {
	return &Bokeh{BackgroundBlur: backgroundBlur, EdgeBlur: edgeBlur, FlipHorizontal: flip}
}

func (b *Bokeh) Name() string { return ModeBokeh }

func (b *Bokeh) Apply(live *frame.Frame, mask *frame.Mask) (*frame.Frame, error) {
	if err := live.Validate(); err != nil {
		return nil, fmt.Errorf("live frame: %w", err)
	}
	if err := mask.Validate(); err != nil {
		return nil, err
	}
	if !mask.Matches(live) {
		return nil, fmt.Errorf("%w: live %dx%d, mask %dx%d", frame.ErrDimensionMismatch,
			live.Width, live.Height, mask.Width, mask.Height)
	}

	background := live
	if b.BackgroundBlur > 0 {
		background = frame.FromImage(imaging.Blur(live.RGBA(), b.BackgroundBlur))
	}
	out := blend(live, background, featherMask(mask, b.EdgeBlur))

	if b.FlipHorizontal {
		out = frame.FromImage(imaging.FlipH(out.RGBA()))
	}
	return out, nil
}
