package enhance

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/lon9/enhance-go/imageio"
)

// Runner reads one image, upscales it, restores its faces and writes it.
type Runner struct {
	cfg    Config
	build  Factory
	logger *zap.Logger
	stdout io.Writer
}

// RunnerOption is a functional option for NewRunner.
type RunnerOption func(*Runner)

// WithFactory replaces Build.
func WithFactory(f Factory) RunnerOption {
	return func(r *Runner) { r.build = f }
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) RunnerOption {
	return func(r *Runner) { r.logger = logger }
}

// WithStdout redirects the confirmation line.
func WithStdout(w io.Writer) RunnerOption {
	return func(r *Runner) { r.stdout = w }
}

// NewRunner returns a Runner for cfg.
func NewRunner(cfg Config, opts ...RunnerOption) *Runner {
	r := &Runner{cfg: cfg, build: Build, stdout: os.Stdout}
	for _, opt := range opts {
		opt(r)
	}
	if r.logger == nil {
		r.logger = zap.NewNop()
	}
	return r
}

// Run executes the whole sequence. The input is decoded before any model is
// loaded.
func (r *Runner) Run(ctx context.Context) error {
	img, err := imageio.Read(r.cfg.Input)
	if err != nil {
		return err
	}
	r.logger.Info("input read",
		zap.String("path", r.cfg.Input),
		zap.Int("width", img.Bounds().Dx()),
		zap.Int("height", img.Bounds().Dy()))

	start := time.Now()
	p, err := r.build(r.cfg, r.logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := p.Close(); err != nil {
			r.logger.Debug("failed to close pipelines", zap.Error(err))
		}
	}()
	r.logger.Debug("pipelines built", zap.Duration("elapsed", time.Since(start)))

	start = time.Now()
	upscaled, err := p.SR.Enhance(ctx, img, OutScale)
	if err != nil {
		return errors.Wrap(err, "super-resolution failed")
	}
	r.logger.Info("image upscaled",
		zap.Int("width", upscaled.Bounds().Dx()),
		zap.Int("height", upscaled.Bounds().Dy()),
		zap.Duration("elapsed", time.Since(start)))

	start = time.Now()
	_, _, restored, err := p.Face.Enhance(ctx, upscaled, false, false, true)
	if err != nil {
		return errors.Wrap(err, "face restoration failed")
	}
	if restored == nil {
		return errors.New("face restoration returned no image")
	}
	r.logger.Info("faces restored", zap.Duration("elapsed", time.Since(start)))

	if err := imageio.Write(r.cfg.Output, restored); err != nil {
		return err
	}
	fmt.Fprintf(r.stdout, "Saved enhanced image to %s\n", r.cfg.Output)
	return nil
}
