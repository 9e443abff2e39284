// Package effect holds the per-frame background effects: the masked
// virtual-background compositor and the bokeh blur.
package effect

import (
	"fmt"

	"github.com/andresmejia3/backdrop/internal/frame"
)

// Mode names accepted on the command line and the control API.
const (
	ModeBackground = "background"
	ModeBokeh      = "bokeh"
)

// Effect turns a live frame and its segmentation into the frame that is
// drawn on the canvas.
type Effect interface {
	Name() string
	Apply(live *frame.Frame, mask *frame.Mask) (*frame.Frame, error)
}

// Masked replaces background pixels with a preloaded image.
type Masked struct {
	Background *frame.Frame
	// Feather softens the person outline by this many pixels. Zero keeps a
	// hard per-pixel selection.
	Feather int
}

// NewMasked returns a virtual background effect. The background must already
// be decoded and sized to the camera frames.
func NewMasked(background *frame.Frame, feather int) (*Masked, error) {
	if err := background.Validate(); err != nil {
		return nil, fmt.Errorf("background: %w", err)
	}
	return &Masked{Background: background, Feather: feather}, nil
}

func (m *Masked) Name() string { return ModeBackground }

func (m *Masked) Apply(live *frame.Frame, mask *frame.Mask) (*frame.Frame, error) {
	if m.Feather <= 0 {
		return Composite(live, m.Background, mask)
	}
	if err := checkInputs(live, m.Background, mask); err != nil {
		return nil, err
	}
	alpha := featherMask(mask, m.Feather)
	return blend(live, m.Background, alpha), nil
}

func checkInputs(live, background *frame.Frame, mask *frame.Mask) error {
	if err := live.Validate(); err != nil {
		return fmt.Errorf("live frame: %w", err)
	}
	if err := background.Validate(); err != nil {
		return fmt.Errorf("background: %w", err)
	}
	if err := mask.Validate(); err != nil {
		return err
	}
	if !live.SameSize(background) {
		return fmt.Errorf("%w: live %dx%d, background %dx%d", frame.ErrDimensionMismatch,
			live.Width, live.Height, background.Width, background.Height)
	}
	if !mask.Matches(live) {
		return fmt.Errorf("%w: live %dx%d, mask %dx%d", frame.ErrDimensionMismatch,
			live.Width, live.Height, mask.Width, mask.Height)
	}
	return nil
}
