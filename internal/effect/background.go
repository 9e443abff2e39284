package effect

import (
	"fmt"
	"image"
	_ "image/jpeg" // decoders for background assets
	_ "image/png"
	"io"
	"os"

	"github.com/nfnt/resize"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp"

	"github.com/andresmejia3/backdrop/internal/frame"
)

// LoadBackground decodes the image at path and fits it to width x height.
func LoadBackground(path string, width, height int) (*frame.Frame, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open background: %w", err)
	}
	defer func() {
		_ = file.Close()
	}()
	return DecodeBackground(file, width, height)
}

// DecodeBackground decodes an image and fits it to width x height.
func DecodeBackground(r io.Reader, width, height int) (*frame.Frame, error) {
	img, _, err := image.Decode(r)
	if err != nil {
		return nil, fmt.Errorf("decode background: %w", err)
	}
	return FitCover(img, width, height)
}

// FitCover scales img so it covers width x height and crops the overflow
// around the centre, keeping the aspect ratio.
func FitCover(img image.Image, width, height int) (*frame.Frame, error) {
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("invalid target size %dx%d", width, height)
	}
	b := img.Bounds()
	if b.Empty() {
		return nil, fmt.Errorf("background image is empty")
	}

	if b.Dx() == width && b.Dy() == height {
		return frame.FromImage(img), nil
	}

	// Scale by the larger ratio so both sides reach the target
	sx := float64(width) / float64(b.Dx())
	sy := float64(height) / float64(b.Dy())
	scale := max(sx, sy)
	newW := max(width, int(float64(b.Dx())*scale+0.5))
	newH := max(height, int(float64(b.Dy())*scale+0.5))

	scaled := resize.Resize(uint(newW), uint(newH), img, resize.Lanczos3)

	sb := scaled.Bounds()
	offset := image.Pt(sb.Min.X+(sb.Dx()-width)/2, sb.Min.Y+(sb.Dy()-height)/2)

	out := frame.New(width, height)
	draw.Draw(out.RGBA(), image.Rect(0, 0, width, height), scaled, offset, draw.Src)
	return out, nil
}
