package media

import (
	"errors"
	"fmt"
	"image"
	"image/color"
	"strconv"
	"strings"

	"golang.org/x/image/draw"
)

// ErrInvalidColor is returned for colors that are not #RRGGBB.
var ErrInvalidColor = errors.New("invalid color: expected #RRGGBB")

// Recommended threshold range. Values outside it are accepted.
const (
	MinThreshold     = 10
	MaxThreshold     = 100
	DefaultThreshold = 40
	DefaultKeyColor  = "#00FF00"
)

// ChromaKey classifies pixels as background when every channel is within
// Threshold of Color.
type ChromaKey struct {
	Color     color.RGBA
	Threshold int
}

// ParseHexColor parses "#RRGGBB" (the leading # is optional).
func ParseHexColor(s string) (color.RGBA, error) {
	s = strings.TrimPrefix(strings.TrimSpace(s), "#")
	if len(s) != 6 {
		return color.RGBA{}, fmt.Errorf("%w: %q", ErrInvalidColor, s)
	}
	v, err := strconv.ParseUint(s, 16, 32)
	if err != nil {
		return color.RGBA{}, fmt.Errorf("%w: %q", ErrInvalidColor, s)
	}
	return color.RGBA{R: uint8(v >> 16), G: uint8(v >> 8), B: uint8(v), A: 0xff}, nil
}

// NewChromaKey builds a key from a hex color and threshold.
func NewChromaKey(hex string, threshold int) (ChromaKey, error) {
	c, err := ParseHexColor(hex)
	if err != nil {
		return ChromaKey{}, err
	}
	return ChromaKey{Color: c, Threshold: threshold}, nil
}

// Opacity returns 0 for background pixels and 1 for everything else.
func (k ChromaKey) Opacity(c color.Color) float64 {
	r, g, b, _ := c.RGBA()
	if absDiff(uint8(r>>8), k.Color.R) < k.Threshold &&
		absDiff(uint8(g>>8), k.Color.G) < k.Threshold &&
		absDiff(uint8(b>>8), k.Color.B) < k.Threshold {
		return 0
	}
	return 1
}

func absDiff(a, b uint8) int {
	d := int(a) - int(b)
	if d < 0 {
		return -d
	}
	return d
}

// Mask computes the per-pixel opacity of img as an alpha image.
func (k ChromaKey) Mask(img image.Image) *image.Alpha {
	bounds := img.Bounds()
	mask := image.NewAlpha(bounds)
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			if k.Opacity(img.At(x, y)) > 0 {
				mask.SetAlpha(x, y, color.Alpha{A: 0xff})
			}
		}
	}
	return mask
}

// alphaExpr returns the geq alpha expression equivalent to Opacity.
func (k ChromaKey) alphaExpr() string {
	return fmt.Sprintf("if(lt(abs(r(X,Y)-%d),%d)*lt(abs(g(X,Y)-%d),%d)*lt(abs(b(X,Y)-%d),%d),0,255)",
		k.Color.R, k.Threshold, k.Color.G, k.Threshold, k.Color.B, k.Threshold)
}

// FilterExpr returns the ffmpeg filter chain that applies the key to an RGB
// stream, leaving an rgba stream with the mask in its alpha channel.
func (k ChromaKey) FilterExpr() string {
	return fmt.Sprintf("format=rgba,geq=r='r(X,Y)':g='g(X,Y)':b='b(X,Y)':a='%s'", k.alphaExpr())
}

// Preview composites frame over a solid backdrop using the key's mask.
func (k ChromaKey) Preview(frame image.Image, backdrop color.Color) *image.RGBA {
	bounds := frame.Bounds()
	dst := image.NewRGBA(bounds)
	draw.Draw(dst, bounds, image.NewUniform(backdrop), image.Point{}, draw.Src)
	draw.DrawMask(dst, bounds, frame, bounds.Min, k.Mask(frame), bounds.Min, draw.Over)
	return dst
}

// Thumbnail scales img down to fit maxW, keeping its aspect ratio. Images
// already narrow enough are returned unchanged.
func Thumbnail(img image.Image, maxW int) image.Image {
	b := img.Bounds()
	if maxW <= 0 || b.Dx() <= maxW {
		return img
	}
	h := max(1, b.Dy()*maxW/b.Dx())
	dst := image.NewRGBA(image.Rect(0, 0, maxW, h))
	draw.CatmullRom.Scale(dst, dst.Bounds(), img, b, draw.Over, nil)
	return dst
}
