package frame

import (
	"fmt"
	"image"
	"image/color"
)

// Mask is a per-pixel person segmentation, aligned by index with a Frame of
// the same size. Any non-zero byte means foreground.
type Mask struct {
	Width  int
	Height int
	Data   []byte
}

// NewMask allocates an all-background mask.
func NewMask(width, height int) *Mask {
	return &Mask{Width: width, Height: height, Data: make([]byte, width*height)}
}

// MaskFromBools builds a mask from one bool per pixel.
func MaskFromBools(width, height int, fg []bool) (*Mask, error) {
	if len(fg) != width*height {
		return nil, fmt.Errorf("%w: %dx%d mask needs %d values, got %d", ErrDimensionMismatch, width, height, width*height, len(fg))
	}
	m := NewMask(width, height)
	for i, v := range fg {
		if v {
			m.Data[i] = 1
		}
	}
	return m, nil
}

// Foreground reports whether pixel i was classified as a person.
func (m *Mask) Foreground(i int) bool {
	if i < 0 || i >= m.Width*m.Height || i >= len(m.Data) {
		panic(fmt.Sprintf("mask: index %d out of range for %dx%d mask", i, m.Width, m.Height))
	}
	return m.Data[i] != 0
}

// Validate checks that the mask length equals its pixel count.
func (m *Mask) Validate() error {
	if m == nil {
		return fmt.Errorf("nil mask")
	}
	if len(m.Data) != m.Width*m.Height {
		return fmt.Errorf("%w: %dx%d mask has %d values", ErrDimensionMismatch, m.Width, m.Height, len(m.Data))
	}
	return nil
}

// Matches reports whether the mask lines up with f.
func (m *Mask) Matches(f *Frame) bool {
	return m.Width == f.Width && m.Height == f.Height
}

// Coverage returns the fraction of foreground pixels.
func (m *Mask) Coverage() float64 {
	if len(m.Data) == 0 {
		return 0
	}
	n := 0
	for _, v := range m.Data {
		if v != 0 {
			n++
		}
	}
	return float64(n) / float64(len(m.Data))
}

// ToImage renders the mask as an overlay: people are fully transparent,
// background is opaque black.
func (m *Mask) ToImage() *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, m.Width, m.Height))
	bg := color.NRGBA{A: 255}
	for i, v := range m.Data {
		if v != 0 {
			continue
		}
		off := i * BytesPerPixel
		img.Pix[off] = bg.R
		img.Pix[off+1] = bg.G
		img.Pix[off+2] = bg.B
		img.Pix[off+3] = bg.A
	}
	return img
}
