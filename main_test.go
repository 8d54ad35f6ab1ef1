package main

import (
	"bytes"
	"context"
	"image"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/lon9/enhance-go/device"
	"github.com/lon9/enhance-go/enhance"
	"github.com/lon9/enhance-go/imageio"
)

func TestParseArgsDefaults(t *testing.T) {
	opts, err := parseArgs([]string{"face.jpg", "out.png"})
	require.NoError(t, err)
	assert.Equal(t, "face.jpg", opts.Args.Input)
	assert.Equal(t, "out.png", opts.Args.Output)
	assert.Equal(t, "RealESRGAN_x4plus.onnx", opts.SRModel)
	assert.Equal(t, "GFPGANv1.4.onnx", opts.GFPGANModel)
	assert.Equal(t, "auto", opts.Device)
	assert.Equal(t, "facefinder", opts.FaceDetector)
	assert.Equal(t, 0, opts.Tile)
}

func TestParseArgsFlags(t *testing.T) {
	opts, err := parseArgs([]string{
		"--sr-model", "sr.onnx", "--gfpgan-model", "face.onnx",
		"--device", "cpu", "--tile", "256", "-c", "2", "-v",
		"in.png", "out.png",
	})
	require.NoError(t, err)
	assert.Equal(t, "sr.onnx", opts.SRModel)
	assert.Equal(t, "face.onnx", opts.GFPGANModel)
	assert.Equal(t, "cpu", opts.Device)
	assert.Equal(t, 256, opts.Tile)
	assert.Equal(t, 2, opts.CPU)
	assert.True(t, opts.Verbose)
}

func TestParseArgsEnv(t *testing.T) {
	t.Setenv("ENHANCE_DEVICE", "cuda")
	t.Setenv("ENHANCE_SR_MODEL", "env.onnx")
	opts, err := parseArgs([]string{"in.png", "out.png"})
	require.NoError(t, err)
	assert.Equal(t, "cuda", opts.Device)
	assert.Equal(t, "env.onnx", opts.SRModel)
}

func TestParseArgsErrors(t *testing.T) {
	tcs := map[string][]string{
		"no positionals":  {},
		"missing output":  {"in.png"},
		"unknown device":  {"--device", "tpu", "in.png", "out.png"},
		"non-number tile": {"--tile", "big", "in.png", "out.png"},
	}
	for name, args := range tcs {
		t.Run(name, func(t *testing.T) {
			_, err := parseArgs(args)
			assert.Error(t, err)
		})
	}
}

func TestRunResolvesDevice(t *testing.T) {
	dir := t.TempDir()
	input := filepath.Join(dir, "in.png")
	require.NoError(t, imageio.Write(input, image.NewNRGBA(image.Rect(0, 0, 4, 4))))

	tcs := map[string]struct {
		preference string
		probe      device.Probe
		expected   string
	}{
		"auto with gpu":     {preference: "auto", probe: device.ProbeFunc(func() bool { return true }), expected: "cuda"},
		"auto without gpu":  {preference: "auto", probe: device.ProbeFunc(func() bool { return false }), expected: "cpu"},
		"cpu with gpu":      {preference: "cpu", probe: device.ProbeFunc(func() bool { return true }), expected: "cpu"},
		"cpu default probe": {preference: "cpu", expected: "cpu"},
	}
	for name, tc := range tcs {
		t.Run(name, func(t *testing.T) {
			opts, err := parseArgs([]string{"--device", tc.preference, input, filepath.Join(dir, "out.png")})
			require.NoError(t, err)

			var got enhance.Config
			factory := func(cfg enhance.Config, _ *zap.Logger) (*enhance.Pipeline, error) {
				got = cfg
				return nil, assert.AnError
			}
			err = run(context.Background(), opts, tc.probe, zap.NewNop(),
				enhance.WithFactory(factory), enhance.WithStdout(&bytes.Buffer{}))
			assert.ErrorIs(t, err, assert.AnError)
			assert.Equal(t, tc.expected, got.Device)
			assert.Equal(t, "RealESRGAN_x4plus.onnx", got.SRModel)
			assert.Equal(t, "GFPGANv1.4.onnx", got.GFPGANModel)
			assert.Equal(t, input, got.Input)
		})
	}
}

func TestExecute(t *testing.T) {
	dir := t.TempDir()
	var stderr bytes.Buffer
	code := execute(context.Background(), []string{"--device", "cpu", filepath.Join(dir, "missing.png"), filepath.Join(dir, "out.png")}, &stderr)
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr.String(), "failed to read input image")

	stderr.Reset()
	assert.Equal(t, 1, execute(context.Background(), []string{"in.png"}, &stderr))
	assert.Equal(t, 0, execute(context.Background(), []string{"--help"}, &stderr))
}
