package frame

import (
	"errors"
	"fmt"
	"image"
	"image/draw"
)

// BytesPerPixel is the channel count of every Frame (R, G, B, A).
const BytesPerPixel = 4

// ErrDimensionMismatch is returned whenever two buffers that must line up
// pixel-for-pixel do not.
var ErrDimensionMismatch = errors.New("dimension mismatch")

// Pixel is one RGBA sample.
type Pixel [BytesPerPixel]uint8

// Frame is a snapshot of RGBA pixel data, row-major, 4 bytes per pixel.
// Frames handed to the pipeline are treated as immutable.
type Frame struct {
	Width  int
	Height int
	Pix    []byte
}

// New allocates a zeroed frame.
func New(width, height int) *Frame {
	if width < 0 || height < 0 {
		width, height = 0, 0
	}
	return &Frame{
		Width:  width,
		Height: height,
		Pix:    make([]byte, width*height*BytesPerPixel),
	}
}

// FromRGBA wraps raw RGBA bytes without copying them.
func FromRGBA(pix []byte, width, height int) (*Frame, error) {
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("invalid frame size %dx%d", width, height)
	}
	if want := width * height * BytesPerPixel; len(pix) != want {
		return nil, fmt.Errorf("%w: %dx%d frame needs %d bytes, got %d", ErrDimensionMismatch, width, height, want, len(pix))
	}
	return &Frame{Width: width, Height: height, Pix: pix}, nil
}

// FromImage copies any image into a new Frame anchored at (0,0). Translucent
// pixels are flattened onto opaque black, so every output pixel has alpha 255
// and Pix holds the colors as they would be displayed.
func FromImage(img image.Image) *Frame {
	b := img.Bounds()
	f := New(b.Dx(), b.Dy())
	dst := f.RGBA()
	draw.Draw(dst, dst.Bounds(), image.Black, image.Point{}, draw.Src)
	draw.Draw(dst, dst.Bounds(), img, b.Min, draw.Over)
	return f
}

// PixelCount is Width*Height.
func (f *Frame) PixelCount() int {
	return f.Width * f.Height
}

// Pixel returns pixel i. It panics when i is outside the frame, the same
// way an out-of-range slice index would, but with a useful message.
func (f *Frame) Pixel(i int) Pixel {
	off := f.offset(i)
	var p Pixel
	copy(p[:], f.Pix[off:off+BytesPerPixel])
	return p
}

// SetPixel writes pixel i.
func (f *Frame) SetPixel(i int, p Pixel) {
	off := f.offset(i)
	copy(f.Pix[off:off+BytesPerPixel], p[:])
}

func (f *Frame) offset(i int) int {
	if i < 0 || i >= f.PixelCount() || (i+1)*BytesPerPixel > len(f.Pix) {
		panic(fmt.Sprintf("frame: pixel index %d out of range for %dx%d frame", i, f.Width, f.Height))
	}
	return i * BytesPerPixel
}

// Validate checks that Pix matches the declared size.
func (f *Frame) Validate() error {
	if f == nil {
		return errors.New("nil frame")
	}
	if want := f.PixelCount() * BytesPerPixel; len(f.Pix) != want {
		return fmt.Errorf("%w: %dx%d frame has %d bytes, want %d", ErrDimensionMismatch, f.Width, f.Height, len(f.Pix), want)
	}
	return nil
}

// SameSize reports whether f and o have identical dimensions.
func (f *Frame) SameSize(o *Frame) bool {
	return f.Width == o.Width && f.Height == o.Height
}

// RGBA returns a zero-copy image view over the frame's bytes.
func (f *Frame) RGBA() *image.RGBA {
	return &image.RGBA{
		Pix:    f.Pix,
		Stride: f.Width * BytesPerPixel,
		Rect:   image.Rect(0, 0, f.Width, f.Height),
	}
}

// Clone returns a deep copy.
func (f *Frame) Clone() *Frame {
	pix := make([]byte, len(f.Pix))
	copy(pix, f.Pix)
	return &Frame{Width: f.Width, Height: f.Height, Pix: pix}
}
