package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"runtime"

	"github.com/jessevdk/go-flags"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/lon9/enhance-go/device"
	"github.com/lon9/enhance-go/enhance"
	"github.com/lon9/enhance-go/nn"
)

func main() {

	// Values from .env act as environment defaults.
	_ = godotenv.Load()

	os.Exit(execute(context.Background(), os.Args[1:], os.Stderr))
}

// execute runs the command and returns the exit status.
func execute(ctx context.Context, args []string, stderr io.Writer) int {
	opts, err := parseArgs(args)
	if err != nil {
		if fe, ok := err.(*flags.Error); ok && fe.Type == flags.ErrHelp {
			return 0
		}
		return 1
	}

	logger := newLogger(opts.Verbose)
	defer logger.Sync()

	if err := run(ctx, opts, nil, logger); err != nil {
		fmt.Fprintf(stderr, "%+v\n", err)
		return 1
	}
	return 0
}

func parseArgs(args []string) (*Options, error) {
	opts := &Options{}
	parser := flags.NewParser(opts, flags.Default)
	parser.Name = "enhance-go"
	parser.Usage = "[OPTIONS] <input> <output>"
	if _, err := parser.ParseArgs(args); err != nil {
		return nil, err
	}
	return opts, nil
}

func newLogger(verbose bool) *zap.Logger {
	cfg := zap.NewDevelopmentConfig()
	cfg.DisableStacktrace = true
	cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	if verbose {
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	}
	logger, err := cfg.Build()
	if err != nil {
		return zap.NewNop()
	}
	return logger
}

// run resolves the device and runs the enhancement. A nil probe checks for an
// NVIDIA driver and a CUDA enabled onnxruntime.
func run(ctx context.Context, opts *Options, probe device.Probe, logger *zap.Logger, runnerOpts ...enhance.RunnerOption) error {
	numCPU := opts.CPU
	cpus := runtime.NumCPU()
	if numCPU != 0 {
		if numCPU > cpus {
			numCPU = cpus
		}
		runtime.GOMAXPROCS(numCPU)
	}

	if probe == nil {
		probe = device.All{device.NVIDIAProbe{}, nn.CUDAProbe{LibPath: opts.ORTLib}}
	}
	dev, err := device.Resolve(opts.Device, probe)
	if err != nil {
		return err
	}
	logger.Info("device resolved", zap.String("preference", opts.Device), zap.String("device", dev))

	cfg := enhance.Config{
		Input:        opts.Args.Input,
		Output:       opts.Args.Output,
		SRModel:      opts.SRModel,
		GFPGANModel:  opts.GFPGANModel,
		FaceDetector: opts.FaceDetector,
		Device:       dev,
		Tile:         opts.Tile,
		Workers:      numCPU,
		ORTLib:       opts.ORTLib,
	}
	runnerOpts = append([]enhance.RunnerOption{enhance.WithLogger(logger)}, runnerOpts...)
	return enhance.NewRunner(cfg, runnerOpts...).Run(ctx)
}
