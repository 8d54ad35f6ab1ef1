package nn

import (
	"context"
	"os"
	"strconv"
	"sync"

	"github.com/pkg/errors"
	ort "github.com/yalue/onnxruntime_go"
	"go.uber.org/zap"

	"github.com/lon9/enhance-go/tensor"
)

var (
	ortOnce sync.Once
	ortErr  error
)

func initRuntime(libPath string) error {
	ortOnce.Do(func() {
		if ort.IsInitialized() {
			return
		}
		if libPath != "" {
			ort.SetSharedLibraryPath(libPath)
		}
		ortErr = ort.InitializeEnvironment()
	})
	return ortErr
}

// ONNXNet runs an NCHW float32 model with ONNX Runtime.
type ONNXNet struct {
	session *ort.DynamicAdvancedSession
	inCh    int
	outCh   int
	scale   int
	logger  *zap.Logger

	mu sync.Mutex
}

// LoadONNX creates a session for the model at path on o.Device.
func LoadONNX(path string, o Options) (*ONNXNet, error) {
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	if _, err := os.Stat(path); err != nil {
		return nil, errors.Wrap(err, "failed to open model")
	}
	if err := initRuntime(o.LibPath); err != nil {
		return nil, errors.Wrap(err, "failed to initialize onnxruntime")
	}

	inputs, outputs, err := ort.GetInputOutputInfo(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to inspect model %s", path)
	}
	if len(inputs) != 1 || len(outputs) != 1 {
		return nil, errors.Errorf("model %s has %d inputs and %d outputs, want 1 and 1", path, len(inputs), len(outputs))
	}
	inCh, err := channels(inputs[0])
	if err != nil {
		return nil, errors.Wrapf(err, "model %s input", path)
	}
	outCh, err := channels(outputs[0])
	if err != nil {
		return nil, errors.Wrapf(err, "model %s output", path)
	}

	scale := o.Scale
	if s, ok := metadataScale(path); ok {
		scale = s
	}

	opts, err := ort.NewSessionOptions()
	if err != nil {
		return nil, errors.Wrap(err, "failed to create session options")
	}
	defer opts.Destroy()
	if o.Threads > 0 {
		if err := opts.SetIntraOpNumThreads(o.Threads); err != nil {
			return nil, errors.Wrap(err, "failed to set thread count")
		}
	}
	if o.Device == "cuda" {
		cuda, err := ort.NewCUDAProviderOptions()
		if err != nil {
			return nil, errors.Wrap(err, "cuda execution provider unavailable")
		}
		defer cuda.Destroy()
		if err := opts.AppendExecutionProviderCUDA(cuda); err != nil {
			return nil, errors.Wrap(err, "failed to enable cuda execution provider")
		}
	}

	session, err := ort.NewDynamicAdvancedSession(path,
		[]string{inputs[0].Name}, []string{outputs[0].Name}, opts)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to load model %s", path)
	}
	o.Logger.Info("onnx model loaded",
		zap.String("path", path),
		zap.String("device", o.Device),
		zap.Int("scale", scale))

	return &ONNXNet{
		session: session,
		inCh:    inCh,
		outCh:   outCh,
		scale:   scale,
		logger:  o.Logger,
	}, nil
}

func channels(info ort.InputOutputInfo) (int, error) {
	if info.OrtValueType != ort.ONNXTypeTensor || info.DataType != ort.TensorElementDataTypeFloat {
		return 0, errors.Errorf("%s is not a float32 tensor", info.Name)
	}
	if len(info.Dimensions) != 4 || info.Dimensions[1] <= 0 {
		return 0, errors.Errorf("%s has shape %v, want NCHW with fixed channels", info.Name, info.Dimensions)
	}
	return int(info.Dimensions[1]), nil
}

func metadataScale(path string) (int, bool) {
	md, err := ort.GetModelMetadata(path)
	if err != nil {
		return 0, false
	}
	defer md.Destroy()
	v, ok, err := md.LookupCustomMetadataMap("scale")
	if err != nil || !ok {
		return 0, false
	}
	s, err := strconv.Atoi(v)
	if err != nil || s < 1 {
		return 0, false
	}
	return s, true
}

// InChannels implements Network.
func (n *ONNXNet) InChannels() int { return n.inCh }

// OutChannels implements Network.
func (n *ONNXNet) OutChannels() int { return n.outCh }

// Scale implements Network.
func (n *ONNXNet) Scale() int { return n.scale }

// Close implements Network.
func (n *ONNXNet) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.session == nil {
		return nil
	}
	err := n.session.Destroy()
	n.session = nil
	return err
}

// Forward implements Network.
func (n *ONNXNet) Forward(ctx context.Context, in *tensor.Tensor) (*tensor.Tensor, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if in.C != n.inCh {
		return nil, errors.Errorf("input has %d channels, model takes %d", in.C, n.inCh)
	}

	input, err := ort.NewTensor(ort.NewShape(1, int64(in.C), int64(in.H), int64(in.W)), in.Data)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create input tensor")
	}
	defer input.Destroy()

	outputs := []ort.Value{nil}
	n.mu.Lock()
	if n.session == nil {
		n.mu.Unlock()
		return nil, errors.New("model is closed")
	}
	err = n.session.Run([]ort.Value{input}, outputs)
	n.mu.Unlock()
	if err != nil {
		return nil, errors.Wrap(err, "inference failed")
	}
	defer outputs[0].Destroy()

	out, ok := outputs[0].(*ort.Tensor[float32])
	if !ok {
		return nil, errors.New("model output is not a float32 tensor")
	}
	shape := out.GetShape()
	if len(shape) != 4 || shape[0] != 1 {
		return nil, errors.Errorf("model output has shape %v", shape)
	}
	t := tensor.New(int(shape[1]), int(shape[2]), int(shape[3]))
	copy(t.Data, out.GetData())
	return t, nil
}

// CUDAProbe reports whether onnxruntime can run on a CUDA device.
type CUDAProbe struct {
	LibPath string
}

// Available implements device.Probe.
func (p CUDAProbe) Available() bool {
	if err := initRuntime(p.LibPath); err != nil {
		return false
	}
	cuda, err := ort.NewCUDAProviderOptions()
	if err != nil {
		return false
	}
	cuda.Destroy()
	return true
}
