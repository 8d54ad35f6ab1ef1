// Package esrgan is a Real-ESRGAN style super-resolution engine: it feeds an
// image, whole or tile by tile, through an upscaling network.
package esrgan

import (
	"context"
	"image"
	"math"
	"runtime"

	"github.com/disintegration/imaging"
	"github.com/nfnt/resize"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/lon9/enhance-go/nn"
	"github.com/lon9/enhance-go/tensor"
)

// ErrChannelMismatch is returned when the weights do not fit the architecture.
var ErrChannelMismatch = errors.New("model channels do not match architecture")

// RRDBNet holds the architecture hyperparameters of the network.
type RRDBNet struct {
	NumInCh   int
	NumOutCh  int
	NumFeat   int
	NumBlock  int
	NumGrowCh int
	Scale     int
}

// X4Plus is the architecture of the RealESRGAN_x4plus weights.
var X4Plus = RRDBNet{NumInCh: 3, NumOutCh: 3, NumFeat: 64, NumBlock: 23, NumGrowCh: 32, Scale: 4}

// Config of an Upsampler.
type Config struct {
	Scale     int
	ModelPath string
	Model     RRDBNet
	// Tile is the tile edge in input pixels, 0 disables tiling.
	Tile    int
	TilePad int
	PrePad  int
	Device  string
	// Workers bounds how many tiles run at once, 0 means GOMAXPROCS.
	Workers int
	// LibPath is the onnxruntime shared library, if the weights need it.
	LibPath string
}

// Upsampler is the super-resolution engine.
type Upsampler struct {
	cfg    Config
	net    nn.Network
	logger *zap.Logger
}

// Option is a functional option for New.
type Option func(*Upsampler)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(u *Upsampler) { u.logger = logger }
}

// WithNetwork uses net instead of loading cfg.ModelPath.
func WithNetwork(net nn.Network) Option {
	return func(u *Upsampler) { u.net = net }
}

// New is constructor of Upsampler. It loads the weights unless a network is
// given with WithNetwork.
func New(cfg Config, opts ...Option) (*Upsampler, error) {
	u := &Upsampler{cfg: cfg}
	for _, opt := range opts {
		opt(u)
	}
	if u.logger == nil {
		u.logger = zap.NewNop()
	}
	if u.cfg.Scale < 1 {
		return nil, errors.Errorf("invalid scale %d", u.cfg.Scale)
	}
	if u.cfg.Tile < 0 || u.cfg.TilePad < 0 || u.cfg.PrePad < 0 {
		return nil, errors.New("tile, tile pad and pre pad must not be negative")
	}
	if u.cfg.Workers <= 0 {
		u.cfg.Workers = runtime.GOMAXPROCS(0)
	}

	if u.net == nil {
		net, err := nn.Load(cfg.ModelPath,
			nn.WithDevice(cfg.Device),
			nn.WithScale(cfg.Scale),
			nn.WithThreads(cfg.Workers),
			nn.WithLibPath(cfg.LibPath),
			nn.WithLogger(u.logger))
		if err != nil {
			return nil, errors.Wrap(err, "failed to load super-resolution model")
		}
		u.net = net
	}

	if err := u.checkModel(); err != nil {
		u.net.Close()
		return nil, err
	}
	u.logger.Info("super-resolution model ready",
		zap.String("path", cfg.ModelPath),
		zap.String("device", cfg.Device),
		zap.Int("scale", cfg.Scale),
		zap.Int("num_feat", cfg.Model.NumFeat),
		zap.Int("num_block", cfg.Model.NumBlock),
		zap.Int("num_grow_ch", cfg.Model.NumGrowCh))
	return u, nil
}

func (u *Upsampler) checkModel() error {
	m := u.cfg.Model
	if u.net.InChannels() != m.NumInCh || u.net.OutChannels() != m.NumOutCh {
		return errors.Wrapf(ErrChannelMismatch, "model maps %d to %d channels, architecture %d to %d",
			u.net.InChannels(), u.net.OutChannels(), m.NumInCh, m.NumOutCh)
	}
	if m.NumOutCh != 3 {
		return errors.Wrapf(ErrChannelMismatch, "output must be RGB, got %d channels", m.NumOutCh)
	}
	if m.Scale != 0 && m.Scale != u.cfg.Scale {
		return errors.Errorf("architecture scale %d differs from engine scale %d", m.Scale, u.cfg.Scale)
	}
	if s := u.net.Scale(); s < 1 || u.cfg.Scale%s != 0 {
		return errors.Errorf("model scale %d does not divide engine scale %d", s, u.cfg.Scale)
	}
	return nil
}

// Scale returns the native upscaling factor.
func (u *Upsampler) Scale() int { return u.cfg.Scale }

// Close releases the network.
func (u *Upsampler) Close() error { return u.net.Close() }

// Enhance upscales img by the native scale and then resizes it to outscale
// times its size if the two differ.
func (u *Upsampler) Enhance(ctx context.Context, img image.Image, outscale float64) (image.Image, error) {
	if outscale <= 0 {
		return nil, errors.Errorf("invalid outscale %v", outscale)
	}
	b := img.Bounds()
	if b.Empty() {
		return nil, errors.New("empty image")
	}
	w, h := b.Dx(), b.Dy()
	scale := u.cfg.Scale

	x := tensor.FromImage(img)
	if u.cfg.PrePad > 0 {
		x = x.Pad(0, u.cfg.PrePad, 0, u.cfg.PrePad, tensor.Reflect)
	}

	var (
		out *tensor.Tensor
		err error
	)
	if u.cfg.Tile > 0 {
		out, err = u.tileProcess(ctx, x)
	} else {
		out, err = u.forward(ctx, x)
	}
	if err != nil {
		return nil, err
	}

	if u.cfg.PrePad > 0 {
		out = out.Crop(0, 0, w*scale, h*scale)
	}
	res := out.ToImage()

	if outscale != float64(scale) {
		ow := int(math.Round(float64(w) * outscale))
		oh := int(math.Round(float64(h) * outscale))
		if ow < 1 || oh < 1 {
			return nil, errors.Errorf("outscale %v leaves no pixels", outscale)
		}
		return imaging.Resize(res, ow, oh, imaging.Lanczos), nil
	}
	return res, nil
}

// forward runs the network on one tile and checks the result covers it.
func (u *Upsampler) forward(ctx context.Context, x *tensor.Tensor) (*tensor.Tensor, error) {
	in := x
	if pre := u.cfg.Scale / u.net.Scale(); pre > 1 {

		// Refiner nets work at the target size, enlarge first.

		img := resize.Resize(uint(x.W*pre), uint(x.H*pre), x.ToImage(), resize.NearestNeighbor)
		in = tensor.FromImage(img)
	}

	out, err := u.net.Forward(ctx, in)
	if err != nil {
		return nil, errors.Wrap(err, "super-resolution inference failed")
	}
	if out.C != 3 || out.H != x.H*u.cfg.Scale || out.W != x.W*u.cfg.Scale {
		return nil, errors.Errorf("model returned %s for a %s input at scale %d", out.Shape(), x.Shape(), u.cfg.Scale)
	}
	return out, nil
}

// tileProcess crops x into tiles, upscales each with TilePad pixels of
// context and stitches the unpadded parts together.
func (u *Upsampler) tileProcess(ctx context.Context, x *tensor.Tensor) (*tensor.Tensor, error) {
	scale := u.cfg.Scale
	tile := u.cfg.Tile
	pad := u.cfg.TilePad
	tilesX := (x.W + tile - 1) / tile
	tilesY := (x.H + tile - 1) / tile
	total := tilesX * tilesY

	out := tensor.New(3, x.H*scale, x.W*scale)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(u.cfg.Workers)

	for ty := 0; ty < tilesY; ty++ {
		for tx := 0; tx < tilesX; tx++ {
			idx := ty*tilesX + tx + 1
			inX0 := tx * tile
			inY0 := ty * tile
			inX1 := min(inX0+tile, x.W)
			inY1 := min(inY0+tile, x.H)
			padX0 := max(inX0-pad, 0)
			padY0 := max(inY0-pad, 0)
			padX1 := min(inX1+pad, x.W)
			padY1 := min(inY1+pad, x.H)

			g.Go(func() error {
				res, err := u.forward(gctx, x.Crop(padX0, padY0, padX1, padY1))
				if err != nil {
					return errors.Wrapf(err, "tile %d/%d", idx, total)
				}
				ox := (inX0 - padX0) * scale
				oy := (inY0 - padY0) * scale
				out.Paste(res.Crop(ox, oy, ox+(inX1-inX0)*scale, oy+(inY1-inY0)*scale), inX0*scale, inY0*scale)
				u.logger.Debug("tile done", zap.Int("tile", idx), zap.Int("tiles", total))
				return nil
			})
		}
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}
