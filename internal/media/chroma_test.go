package media

import (
	"image"
	"image/color"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseHexColor(t *testing.T) {
	tests := []struct {
		in      string
		want    color.RGBA
		wantErr bool
	}{
		{"#00FF00", color.RGBA{G: 255, A: 255}, false},
		{"#0a1B2c", color.RGBA{R: 0x0a, G: 0x1b, B: 0x2c, A: 255}, false},
		{"FF0000", color.RGBA{R: 255, A: 255}, false},
		{"#FFF", color.RGBA{}, true},
		{"#GG0000", color.RGBA{}, true},
		{"", color.RGBA{}, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseHexColor(tt.in)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidColor)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestChromaKey_Opacity(t *testing.T) {
	key, err := NewChromaKey("#00FF00", 40)
	require.NoError(t, err)

	tests := []struct {
		name string
		c    color.Color
		want float64
	}{
		{"near green is background", color.RGBA{R: 10, G: 250, B: 5, A: 255}, 0},
		{"red is foreground", color.RGBA{R: 200, G: 50, B: 50, A: 255}, 1},
		{"exact key", color.RGBA{G: 255, A: 255}, 0},
		{"one channel at threshold", color.RGBA{R: 40, G: 255, A: 255}, 1},
		{"just under threshold", color.RGBA{R: 39, G: 216, B: 39, A: 255}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, key.Opacity(tt.c))
		})
	}
}

func TestChromaKey_OutOfRangeThresholdAccepted(t *testing.T) {
	key := ChromaKey{Color: color.RGBA{G: 255, A: 255}, Threshold: 300}
	assert.Equal(t, 0.0, key.Opacity(color.RGBA{R: 200, G: 50, B: 50, A: 255}))

	key.Threshold = 0
	assert.Equal(t, 1.0, key.Opacity(color.RGBA{G: 255, A: 255}))
}

func greenScreen() *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, 4, 2))
	for x := 0; x < 4; x++ {
		img.Set(x, 0, color.RGBA{R: 10, G: 250, B: 5, A: 255})
		img.Set(x, 1, color.RGBA{R: 200, G: 50, B: 50, A: 255})
	}
	return img
}

func TestChromaKey_Mask(t *testing.T) {
	key, _ := NewChromaKey(DefaultKeyColor, DefaultThreshold)
	mask := key.Mask(greenScreen())

	for x := 0; x < 4; x++ {
		assert.Equal(t, uint8(0), mask.AlphaAt(x, 0).A)
		assert.Equal(t, uint8(255), mask.AlphaAt(x, 1).A)
	}
}

func TestChromaKey_Preview(t *testing.T) {
	key, _ := NewChromaKey(DefaultKeyColor, DefaultThreshold)
	backdrop := color.RGBA{B: 255, A: 255}

	out := key.Preview(greenScreen(), backdrop)

	assert.Equal(t, backdrop, out.RGBAAt(0, 0))
	assert.Equal(t, color.RGBA{R: 200, G: 50, B: 50, A: 255}, out.RGBAAt(0, 1))
}

func TestChromaKey_FilterExpr(t *testing.T) {
	key, _ := NewChromaKey("#102030", 25)
	expr := key.FilterExpr()

	assert.Contains(t, expr, "format=rgba")
	assert.Contains(t, expr, "lt(abs(r(X,Y)-16),25)")
	assert.Contains(t, expr, "lt(abs(g(X,Y)-32),25)")
	assert.Contains(t, expr, "lt(abs(b(X,Y)-48),25)")
	assert.Contains(t, expr, ",0,255)")
}

func TestThumbnail(t *testing.T) {
	src := image.NewRGBA(image.Rect(0, 0, 400, 200))

	small := Thumbnail(src, 100)
	assert.Equal(t, image.Rect(0, 0, 100, 50), small.Bounds())

	same := Thumbnail(src, 1000)
	assert.Same(t, src, same.(*image.RGBA))
}
