package effect

import "github.com/andresmejia3/backdrop/internal/frame"

// Composite builds a new frame where every pixel the mask marks as a person
// comes from live and every other pixel comes from background. All three
// inputs must share the same dimensions; nothing is written otherwise.
func Composite(live, background *frame.Frame, mask *frame.Mask) (*frame.Frame, error) {
	if err := checkInputs(live, background, mask); err != nil {
		return nil, err
	}

	out := frame.New(live.Width, live.Height)
	n := live.PixelCount()
	for i := 0; i < n; i++ {
		if mask.Foreground(i) {
			out.SetPixel(i, live.Pixel(i))
		} else {
			out.SetPixel(i, background.Pixel(i))
		}
	}
	return out, nil
}
