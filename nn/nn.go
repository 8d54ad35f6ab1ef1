// Package nn loads network weights and runs single-sample inference on them.
//
// Two backends are supported, chosen by the weights file extension:
//
//	.json  sequential convolution layers in the waifu2x model format, run in pure Go
//	.onnx  any single-input single-output NCHW float32 model, run by ONNX Runtime
package nn

import (
	"context"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/lon9/enhance-go/tensor"
)

// ErrUnsupportedModel is returned for weights files no backend can load.
var ErrUnsupportedModel = errors.New("unsupported model format")

// Network runs inference on one C x H x W sample.
type Network interface {
	Forward(ctx context.Context, in *tensor.Tensor) (*tensor.Tensor, error)
	// InChannels and OutChannels report the channel counts of the model.
	InChannels() int
	OutChannels() int
	// Scale is the spatial factor between input and output.
	Scale() int
	Close() error
}

// Options configure how a network is loaded.
type Options struct {
	Device  string
	Threads int
	// Scale is the native scale assumed when the model does not declare one.
	Scale   int
	LibPath string
	Logger  *zap.Logger
}

// Option is a functional option for Load.
type Option func(*Options)

// WithDevice selects "cpu" or "cuda".
func WithDevice(device string) Option {
	return func(o *Options) { o.Device = device }
}

// WithThreads limits the number of threads a backend may use.
func WithThreads(n int) Option {
	return func(o *Options) { o.Threads = n }
}

// WithScale sets the fallback native scale.
func WithScale(scale int) Option {
	return func(o *Options) { o.Scale = scale }
}

// WithLibPath sets the onnxruntime shared library location.
func WithLibPath(path string) Option {
	return func(o *Options) { o.LibPath = path }
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(o *Options) { o.Logger = logger }
}

// Load opens the weights at path with the backend matching its extension.
func Load(path string, opts ...Option) (Network, error) {
	o := Options{Device: "cpu", Scale: 1}
	for _, opt := range opts {
		opt(&o)
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}

	var (
		net Network
		err error
	)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		net, err = LoadConvNet(path, o.Logger)
	case ".onnx":
		net, err = LoadONNX(path, o)
	default:
		return nil, errors.Wrapf(ErrUnsupportedModel, "%s (convert the weights to ONNX)", path)
	}
	if err != nil {
		return nil, err
	}
	return net, nil
}
