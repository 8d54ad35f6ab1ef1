// Package enhance wires the super-resolution and face-restoration engines
// into the upscale-then-restore run.
package enhance

import (
	"context"
	"image"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/lon9/enhance-go/esrgan"
	"github.com/lon9/enhance-go/gfpgan"
)

// Fixed engine settings.
const (
	OutScale      = 4
	TilePad       = 10
	PrePad        = 0
	FaceUpscale   = 1
	FaceArch      = "clean"
	ChannelFactor = 2
)

// Config is the run configuration, built once at startup.
type Config struct {
	Input        string
	Output       string
	SRModel      string
	GFPGANModel  string
	FaceDetector string
	// Device is the resolved device, "cpu" or "cuda".
	Device string
	Tile   int
	// Workers bounds tile concurrency and backend threads, 0 means all CPUs.
	Workers int
	ORTLib  string
}

// Upsampler is the super-resolution stage.
type Upsampler interface {
	Enhance(ctx context.Context, img image.Image, outscale float64) (image.Image, error)
	Close() error
}

// Restorer is the face-restoration stage.
type Restorer interface {
	Enhance(ctx context.Context, img image.Image, hasAligned, onlyCenterFace, pasteBack bool) (cropped, restored []image.Image, out image.Image, err error)
	Close() error
}

// Pipeline holds both engines.
type Pipeline struct {
	SR   Upsampler
	Face Restorer
}

// Close releases both engines.
func (p *Pipeline) Close() error {
	var err error
	if p.Face != nil {
		err = multierr.Append(err, p.Face.Close())
	}
	if p.SR != nil {
		err = multierr.Append(err, p.SR.Close())
	}
	return err
}

// Factory builds the engines for a configuration.
type Factory func(cfg Config, logger *zap.Logger) (*Pipeline, error)

// Build loads the RealESRGAN x4plus upsampler and a GFPGAN restorer that uses
// it for the background.
func Build(cfg Config, logger *zap.Logger) (*Pipeline, error) {
	return build(cfg, logger)
}

func build(cfg Config, logger *zap.Logger, faceOpts ...gfpgan.Option) (*Pipeline, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	sr, err := esrgan.New(esrgan.Config{
		Scale:     OutScale,
		ModelPath: cfg.SRModel,
		Model:     esrgan.X4Plus,
		Tile:      cfg.Tile,
		TilePad:   TilePad,
		PrePad:    PrePad,
		Device:    cfg.Device,
		Workers:   cfg.Workers,
		LibPath:   cfg.ORTLib,
	}, esrgan.WithLogger(logger.Named("esrgan")))
	if err != nil {
		return nil, err
	}

	opts := append([]gfpgan.Option{gfpgan.WithLogger(logger.Named("gfpgan"))}, faceOpts...)
	face, err := gfpgan.New(gfpgan.Config{
		ModelPath:         cfg.GFPGANModel,
		Upscale:           FaceUpscale,
		Arch:              FaceArch,
		ChannelMultiplier: ChannelFactor,
		BgUpsampler:       sr,
		Device:            cfg.Device,
		DetectorPath:      cfg.FaceDetector,
		LibPath:           cfg.ORTLib,
		Threads:           cfg.Workers,
	}, opts...)
	if err != nil {
		sr.Close()
		return nil, err
	}

	logger.Debug("engines chained",
		zap.Int("sr_scale", sr.Scale()),
		zap.Int("face_upscale", FaceUpscale))
	return &Pipeline{SR: sr, Face: face}, nil
}
