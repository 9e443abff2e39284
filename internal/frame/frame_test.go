package frame

import (
	"errors"
	"image"
	"image/color"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromRGBA(t *testing.T) {
	tests := []struct {
		name    string
		pix     []byte
		w, h    int
		wantErr bool
	}{
		{name: "Exact size", pix: make([]byte, 2*1*4), w: 2, h: 1},
		{name: "Short buffer", pix: make([]byte, 7), w: 2, h: 1, wantErr: true},
		{name: "Long buffer", pix: make([]byte, 9), w: 2, h: 1, wantErr: true},
		{name: "Zero width", pix: nil, w: 0, h: 1, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := FromRGBA(tt.pix, tt.w, tt.h)
			if (err != nil) != tt.wantErr {
				t.Errorf("FromRGBA() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestFromRGBA_ZeroCopy(t *testing.T) {
	pix := []byte{1, 2, 3, 4}
	f, err := FromRGBA(pix, 1, 1)
	require.NoError(t, err)

	pix[0] = 99
	assert.Equal(t, uint8(99), f.Pixel(0)[0])
}

func TestPixelAccess(t *testing.T) {
	f := New(2, 2)
	f.SetPixel(3, Pixel{10, 20, 30, 40})

	assert.Equal(t, Pixel{10, 20, 30, 40}, f.Pixel(3))
	assert.Equal(t, Pixel{}, f.Pixel(0))
	assert.Equal(t, []byte{10, 20, 30, 40}, f.Pix[12:16])

	assert.Panics(t, func() { f.Pixel(4) })
	assert.Panics(t, func() { f.Pixel(-1) })
	assert.Panics(t, func() { f.SetPixel(4, Pixel{}) })
}

func TestValidate(t *testing.T) {
	f := New(3, 2)
	assert.NoError(t, f.Validate())

	f.Pix = f.Pix[:len(f.Pix)-1]
	err := f.Validate()
	assert.True(t, errors.Is(err, ErrDimensionMismatch), "got %v", err)

	var nilFrame *Frame
	assert.Error(t, nilFrame.Validate())
}

func TestFromImage(t *testing.T) {
	src := image.NewRGBA(image.Rect(5, 5, 7, 6))
	src.Set(5, 5, color.RGBA{255, 0, 0, 255})
	src.Set(6, 5, color.RGBA{0, 255, 0, 255})

	f := FromImage(src)
	assert.Equal(t, 2, f.Width)
	assert.Equal(t, 1, f.Height)
	assert.Equal(t, Pixel{255, 0, 0, 255}, f.Pixel(0))
	assert.Equal(t, Pixel{0, 255, 0, 255}, f.Pixel(1))
}

func TestFromImage_FlattensAlpha(t *testing.T) {
	src := image.NewNRGBA(image.Rect(0, 0, 2, 1))
	src.SetNRGBA(0, 0, color.NRGBA{200, 100, 50, 128})
	src.SetNRGBA(1, 0, color.NRGBA{200, 100, 50, 0})

	f := FromImage(src)
	half := f.Pixel(0)
	assert.Equal(t, uint8(255), half[3], "output is opaque")
	assert.InDelta(t, 100, int(half[0]), 1)
	assert.InDelta(t, 50, int(half[1]), 1)
	assert.InDelta(t, 25, int(half[2]), 1)
	assert.Equal(t, Pixel{0, 0, 0, 255}, f.Pixel(1), "fully transparent is black")
}

func TestRGBAView(t *testing.T) {
	f := New(2, 2)
	view := f.RGBA()
	view.Set(1, 1, color.RGBA{1, 2, 3, 4})

	assert.Equal(t, Pixel{1, 2, 3, 4}, f.Pixel(3))
}

func TestClone(t *testing.T) {
	f := New(1, 1)
	f.SetPixel(0, Pixel{1, 1, 1, 1})
	c := f.Clone()
	c.SetPixel(0, Pixel{2, 2, 2, 2})

	assert.Equal(t, Pixel{1, 1, 1, 1}, f.Pixel(0))
}

func TestMask(t *testing.T) {
	m, err := MaskFromBools(2, 2, []bool{true, false, false, true})
	require.NoError(t, err)

	assert.True(t, m.Foreground(0))
	assert.False(t, m.Foreground(1))
	assert.InDelta(t, 0.5, m.Coverage(), 1e-9)
	assert.Panics(t, func() { m.Foreground(4) })

	_, err = MaskFromBools(2, 2, []bool{true})
	assert.ErrorIs(t, err, ErrDimensionMismatch)

	m.Data = m.Data[:3]
	assert.ErrorIs(t, m.Validate(), ErrDimensionMismatch)
}

func TestMaskToImage(t *testing.T) {
	m, _ := MaskFromBools(2, 1, []bool{true, false})
	img := m.ToImage()

	assert.Equal(t, color.NRGBA{}, img.NRGBAAt(0, 0))
	assert.Equal(t, color.NRGBA{A: 255}, img.NRGBAAt(1, 0))
}
