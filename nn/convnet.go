package nn

/*
Sequential convolution network in the waifu2x JSON model format.
Reference: https://github.com/nagadomi/waifu2x, https://marcan.st/transf/waifu2x.py
*/

import (
	"context"
	"encoding/json"
	"os"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"gonum.org/v1/gonum/mat"

	"github.com/lon9/enhance-go/tensor"
)

// bandCells caps the size of one im2col matrix.
const bandCells = 1 << 22

// Layer is one convolution layer of the model file.
type Layer struct {
	Weight       [][][][]float64 `json:"weight"`
	NOutputPlane int             `json:"nOutputPlane"`
	KW           int             `json:"kW"`
	KH           int             `json:"kH"`
	Bias         []float64       `json:"bias"`
	NInputPlane  int             `json:"nInputPlane"`
}

// ConvNet applies its layers as valid correlations with a leaky ReLU between
// them. The input is edge padded first so the output keeps its size.
type ConvNet struct {
	layers  []Layer
	kernels []*mat.Dense
	padX    int
	padY    int
	logger  *zap.Logger
}

// LoadConvNet reads a JSON model from path.
func LoadConvNet(path string, logger *zap.Logger) (*ConvNet, error) {

	// Load model from json file.

	f, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read model")
	}
	var layers []Layer
	if err := json.Unmarshal(f, &layers); err != nil {
		return nil, errors.Wrapf(err, "failed to parse model %s", path)
	}
	return NewConvNet(layers, logger)
}

// NewConvNet validates layers and flattens their kernels.
func NewConvNet(layers []Layer, logger *zap.Logger) (*ConvNet, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if len(layers) == 0 {
		return nil, errors.New("model has no layers")
	}

	n := &ConvNet{layers: layers, logger: logger}
	for i, l := range layers {
		if i > 0 && l.NInputPlane != layers[i-1].NOutputPlane {
			return nil, errors.Errorf("layer %d takes %d planes, previous layer gives %d", i, l.NInputPlane, layers[i-1].NOutputPlane)
		}
		if l.KW < 1 || l.KH < 1 || l.KW%2 == 0 || l.KH%2 == 0 {
			return nil, errors.Errorf("layer %d has kernel %dx%d, want odd sizes", i, l.KW, l.KH)
		}
		if len(l.Weight) != l.NOutputPlane || len(l.Bias) != l.NOutputPlane {
			return nil, errors.Errorf("layer %d has %d kernels and %d biases for %d output planes", i, len(l.Weight), len(l.Bias), l.NOutputPlane)
		}

		k := mat.NewDense(l.NOutputPlane, l.NInputPlane*l.KH*l.KW, nil)
		for o, wo := range l.Weight {
			if len(wo) != l.NInputPlane {
				return nil, errors.Errorf("layer %d kernel %d has %d input planes", i, o, len(wo))
			}
			for c, wc := range wo {
				if len(wc) != l.KH {
					return nil, errors.Errorf("layer %d kernel %d/%d has %d rows", i, o, c, len(wc))
				}
				for ky, row := range wc {
					if len(row) != l.KW {
						return nil, errors.Errorf("layer %d kernel %d/%d row %d has %d columns", i, o, c, ky, len(row))
					}
					for kx, v := range row {
						k.Set(o, (c*l.KH+ky)*l.KW+kx, v)
					}
				}
			}
		}
		n.kernels = append(n.kernels, k)
		n.padX += l.KW / 2
		n.padY += l.KH / 2
	}
	return n, nil
}

// InChannels implements Network.
func (n *ConvNet) InChannels() int { return n.layers[0].NInputPlane }

// OutChannels implements Network.
func (n *ConvNet) OutChannels() int { return n.layers[len(n.layers)-1].NOutputPlane }

// Scale implements Network. Conv nets keep the input size.
func (n *ConvNet) Scale() int { return 1 }

// Close implements Network.
func (n *ConvNet) Close() error { return nil }

// Forward implements Network.
func (n *ConvNet) Forward(ctx context.Context, in *tensor.Tensor) (*tensor.Tensor, error) {
	if in.C != n.InChannels() {
		return nil, errors.Errorf("input has %d channels, model takes %d", in.C, n.InChannels())
	}

	// Padding.
	x := in.Pad(n.padY, n.padY, n.padX, n.padX, tensor.Edge)

	for i := range n.layers {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		x = n.correlate(x, i)
		if i < len(n.layers)-1 {
			leakyReLU(x.Data)
		}
		n.logger.Debug("convnet layer done", zap.Int("layer", i+1), zap.Int("layers", len(n.layers)))
	}
	return x, nil
}

func (n *ConvNet) correlate(x *tensor.Tensor, i int) *tensor.Tensor {

	// Convolve all planes at once as kernel x im2col, a band of rows at a time.

	l := n.layers[i]
	oh := x.H - l.KH + 1
	ow := x.W - l.KW + 1
	out := tensor.New(l.NOutputPlane, oh, ow)

	depth := l.NInputPlane * l.KH * l.KW
	band := bandCells / (depth * ow)
	if band < 1 {
		band = 1
	}
	if band > oh {
		band = oh
	}
	buf := make([]float64, depth*band*ow)

	for y0 := 0; y0 < oh; y0 += band {
		rows := min(band, oh-y0)
		cells := rows * ow
		cols := buf[:depth*cells]
		for c := 0; c < l.NInputPlane; c++ {
			plane := x.Plane(c)
			for ky := 0; ky < l.KH; ky++ {
				for kx := 0; kx < l.KW; kx++ {
					r := (c*l.KH+ky)*l.KW + kx
					dst := cols[r*cells : (r+1)*cells]
					for y := 0; y < rows; y++ {
						src := plane[(y0+y+ky)*x.W+kx:]
						for xx := 0; xx < ow; xx++ {
							dst[y*ow+xx] = float64(src[xx])
						}
					}
				}
			}
		}

		var prod mat.Dense
		prod.Mul(n.kernels[i], mat.NewDense(depth, cells, cols))
		for o := 0; o < l.NOutputPlane; o++ {
			b := l.Bias[o]
			src := prod.RawRowView(o)
			dst := out.Plane(o)[y0*ow : y0*ow+cells]
			for j, v := range src {
				dst[j] = float32(v + b)
			}
		}
	}
	return out
}

func leakyReLU(vec []float32) {
	for i, v := range vec {
		if v < 0 {
			vec[i] = v * 0.1
		}
	}
}
