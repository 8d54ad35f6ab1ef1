// Package tensor holds the planar float32 image buffers passed between the
// enhancement engines and the inference backends.
package tensor

import (
	"fmt"
	"image"

	"github.com/disintegration/imaging"
)

// PadMode selects how Pad fills the border.
type PadMode int

const (
	// Reflect mirrors the image without repeating the edge pixel.
	Reflect PadMode = iota
	// Edge repeats the edge pixel.
	Edge
)

// Tensor is a C x H x W image stored plane by plane.
type Tensor struct {
	C, H, W int
	Data    []float32
}

// New returns a zeroed tensor.
func New(c, h, w int) *Tensor {
	return &Tensor{C: c, H: h, W: w, Data: make([]float32, c*h*w)}
}

// At returns the value at channel c, row y, column x.
func (t *Tensor) At(c, y, x int) float32 {
	return t.Data[(c*t.H+y)*t.W+x]
}

// Set stores v at channel c, row y, column x.
func (t *Tensor) Set(c, y, x int, v float32) {
	t.Data[(c*t.H+y)*t.W+x] = v
}

// Plane returns the backing slice of channel c.
func (t *Tensor) Plane(c int) []float32 {
	n := t.H * t.W
	return t.Data[c*n : (c+1)*n]
}

// Shape formats the dimensions for error messages.
func (t *Tensor) Shape() string {
	return fmt.Sprintf("%dx%dx%d", t.C, t.H, t.W)
}

// FromImage converts img to a 3 x H x W RGB tensor with values in [0, 1].
// Alpha is ignored.
func FromImage(img image.Image) *Tensor {
	src := imaging.Clone(img)
	b := src.Bounds()
	w, h := b.Dx(), b.Dy()
	t := New(3, h, w)
	r, g, bl := t.Plane(0), t.Plane(1), t.Plane(2)
	for y := 0; y < h; y++ {
		row := src.Pix[y*src.Stride : y*src.Stride+w*4]
		for x := 0; x < w; x++ {
			i := y*w + x
			r[i] = float32(row[x*4]) / 255
			g[i] = float32(row[x*4+1]) / 255
			bl[i] = float32(row[x*4+2]) / 255
		}
	}
	return t
}

// ToImage clips the first three channels to [0, 1] and quantizes them to an
// opaque 8-bit image. A single channel tensor is rendered as gray.
func (t *Tensor) ToImage() *image.NRGBA {
	dst := image.NewNRGBA(image.Rect(0, 0, t.W, t.H))
	planes := make([][]float32, 3)
	for c := 0; c < 3; c++ {
		if c < t.C {
			planes[c] = t.Plane(c)
		} else {
			planes[c] = t.Plane(0)
		}
	}
	for y := 0; y < t.H; y++ {
		row := dst.Pix[y*dst.Stride:]
		for x := 0; x < t.W; x++ {
			i := y*t.W + x
			row[x*4] = quantize(planes[0][i])
			row[x*4+1] = quantize(planes[1][i])
			row[x*4+2] = quantize(planes[2][i])
			row[x*4+3] = 0xff
		}
	}
	return dst
}

func quantize(v float32) uint8 {
	if v <= 0 {
		return 0
	}
	if v >= 1 {
		return 0xff
	}
	return uint8(v*255 + 0.5)
}

// Affine returns a copy with every value mapped to v*mul + add.
func (t *Tensor) Affine(mul, add float32) *Tensor {
	out := New(t.C, t.H, t.W)
	for i, v := range t.Data {
		out.Data[i] = v*mul + add
	}
	return out
}

// Pad returns a copy grown by the given number of pixels on each side.
func (t *Tensor) Pad(top, bottom, left, right int, mode PadMode) *Tensor {
	h := t.H + top + bottom
	w := t.W + left + right
	out := New(t.C, h, w)
	idx := func(i, n int) int {
		if mode == Edge {
			return clamp(i, n)
		}
		return reflect(i, n)
	}
	for c := 0; c < t.C; c++ {
		src := t.Plane(c)
		dst := out.Plane(c)
		for y := 0; y < h; y++ {
			sy := idx(y-top, t.H)
			for x := 0; x < w; x++ {
				dst[y*w+x] = src[sy*t.W+idx(x-left, t.W)]
			}
		}
	}
	return out
}

// Crop returns a copy of the rectangle [x0, x1) x [y0, y1).
func (t *Tensor) Crop(x0, y0, x1, y1 int) *Tensor {
	out := New(t.C, y1-y0, x1-x0)
	for c := 0; c < t.C; c++ {
		src := t.Plane(c)
		dst := out.Plane(c)
		for y := y0; y < y1; y++ {
			copy(dst[(y-y0)*out.W:(y-y0+1)*out.W], src[y*t.W+x0:y*t.W+x1])
		}
	}
	return out
}

// Paste copies src into t with its top-left corner at (x, y). Both tensors
// must have the same channel count and src must fit inside t.
func (t *Tensor) Paste(src *Tensor, x, y int) {
	for c := 0; c < src.C; c++ {
		s := src.Plane(c)
		d := t.Plane(c)
		for row := 0; row < src.H; row++ {
			off := (y+row)*t.W + x
			copy(d[off:off+src.W], s[row*src.W:(row+1)*src.W])
		}
	}
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

func reflect(i, n int) int {
	if n == 1 {
		return 0
	}
	period := 2 * (n - 1)
	i %= period
	if i < 0 {
		i += period
	}
	if i >= n {
		i = period - i
	}
	return i
}
