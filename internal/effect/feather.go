package effect

import (
	"sync"

	"github.com/andresmejia3/backdrop/internal/frame"
)

// alphaRowPool recycles the intermediate buffer of the horizontal pass.
var alphaRowPool = sync.Pool{
	New: func() interface{} { return make([]uint32, 0, 640*480) },
}

// featherMask turns a hard mask into a 0-255 alpha map using a separable box
// blur of the given radius. 255 means fully person.
func featherMask(mask *frame.Mask, radius int) []uint8 {
	w, h := mask.Width, mask.Height
	alpha := make([]uint8, w*h)
	if w == 0 || h == 0 {
		return alpha
	}

	if radius < 1 {
		for i, v := range mask.Data {
			if v != 0 {
				alpha[i] = 255
			}
		}
		return alpha
	}
	// Clamp so the window never wraps more than once around an edge
	if radius > w/2 {
		radius = w / 2
	}
	if radius > h/2 {
		radius = h / 2
	}
	if radius < 1 {
		radius = 1
	}

	buf := alphaRowPool.Get().([]uint32)
	if cap(buf) < w*h {
		buf = make([]uint32, w*h)
	}
	buf = buf[:w*h]
	defer alphaRowPool.Put(buf)

	value := func(i int) uint32 {
		if mask.Data[i] != 0 {
			return 255
		}
		return 0
	}
	count := uint32(2*radius + 1)

	// 1. Horizontal pass: mask -> buf
	for y := 0; y < h; y++ {
		row := y * w
		var sum uint32
		for k := -radius; k <= radius; k++ {
			sum += value(row + clamp(k, w))
		}
		for x := 0; x < w; x++ {
			buf[row+x] = sum / count
			sum = sum - value(row+clamp(x-radius, w)) + value(row+clamp(x+radius+1, w))
		}
	}

	// 2. Vertical pass: buf -> alpha, one column accumulator per x
	colSums := make([]uint32, w)
	for k := -radius; k <= radius; k++ {
		row := clamp(k, h) * w
		for x := 0; x < w; x++ {
			colSums[x] += buf[row+x]
		}
	}
	for y := 0; y < h; y++ {
		rowRemove := clamp(y-radius, h) * w
		rowAdd := clamp(y+radius+1, h) * w
		for x := 0; x < w; x++ {
			alpha[y*w+x] = uint8(colSums[x] / count)
			colSums[x] = colSums[x] - buf[rowRemove+x] + buf[rowAdd+x]
		}
	}
	return alpha
}

func clamp(i, n int) int {
	if i < 0 {
		return 0
	}
	if i >= n {
		return n - 1
	}
	return i
}

// blend mixes fg over bg with a per-pixel alpha. Inputs are assumed to be
// validated and equally sized.
func blend(fg, bg *frame.Frame, alpha []uint8) *frame.Frame {
	out := frame.New(fg.Width, fg.Height)
	for i, a := range alpha {
		off := i * frame.BytesPerPixel
		switch a {
		case 255:
			copy(out.Pix[off:off+4], fg.Pix[off:off+4])
		case 0:
			copy(out.Pix[off:off+4], bg.Pix[off:off+4])
		default:
			af := uint32(a)
			for c := 0; c < frame.BytesPerPixel; c++ {
				out.Pix[off+c] = uint8((uint32(fg.Pix[off+c])*af + uint32(bg.Pix[off+c])*(255-af) + 127) / 255)
			}
		}
	}
	return out
}
