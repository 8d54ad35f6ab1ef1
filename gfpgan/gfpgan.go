// Package gfpgan is a GFPGAN style face-restoration engine: it detects faces,
// restores each one with a network and pastes them back on an upscaled
// background.
package gfpgan

import (
	"context"
	"image"
	"image/draw"
	"math"

	"github.com/disintegration/imaging"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/lon9/enhance-go/nn"
	"github.com/lon9/enhance-go/tensor"
)

const (
	// FaceSize is the edge of the square faces the network works on.
	FaceSize = 512
	// cropFactor grows a detection to the crop around it.
	cropFactor = 1.5
)

// ErrUnknownArch is returned for an architecture name New does not know.
var ErrUnknownArch = errors.New("unknown architecture")

var archs = map[string]bool{
	"clean":         true,
	"original":      true,
	"bilinear":      true,
	"RestoreFormer": true,
}

// Enhancer upscales whole images. The super-resolution engine implements it.
type Enhancer interface {
	Enhance(ctx context.Context, img image.Image, outscale float64) (image.Image, error)
}

// Config of a Restorer.
type Config struct {
	ModelPath         string
	Upscale           int
	Arch              string
	ChannelMultiplier int
	// BgUpsampler upscales the regions outside faces; nil means a plain resize.
	BgUpsampler Enhancer
	Device      string
	// DetectorPath is the pigo cascade file.
	DetectorPath string
	LibPath      string
	Threads      int
}

// Restorer is the face-restoration engine.
type Restorer struct {
	cfg      Config
	net      nn.Network
	detector Detector
	logger   *zap.Logger
}

// Option is a functional option for New.
type Option func(*Restorer)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(r *Restorer) { r.logger = logger }
}

// WithNetwork uses net instead of loading cfg.ModelPath.
func WithNetwork(net nn.Network) Option {
	return func(r *Restorer) { r.net = net }
}

// WithDetector uses d instead of loading cfg.DetectorPath.
func WithDetector(d Detector) Option {
	return func(r *Restorer) { r.detector = d }
}

// New is constructor of Restorer.
func New(cfg Config, opts ...Option) (*Restorer, error) {
	r := &Restorer{cfg: cfg}
	for _, opt := range opts {
		opt(r)
	}
	if r.logger == nil {
		r.logger = zap.NewNop()
	}
	if !archs[cfg.Arch] {
		return nil, errors.Wrapf(ErrUnknownArch, "%q", cfg.Arch)
	}
	if cfg.Upscale < 1 {
		return nil, errors.Errorf("invalid upscale %d", cfg.Upscale)
	}

	if r.detector == nil {
		d, err := LoadPigoDetector(cfg.DetectorPath)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to load face detector %s", cfg.DetectorPath)
		}
		r.detector = d
	}

	if r.net == nil {
		net, err := nn.Load(cfg.ModelPath,
			nn.WithDevice(cfg.Device),
			nn.WithScale(1),
			nn.WithThreads(cfg.Threads),
			nn.WithLibPath(cfg.LibPath),
			nn.WithLogger(r.logger))
		if err != nil {
			return nil, errors.Wrap(err, "failed to load face restoration model")
		}
		r.net = net
	}
	if r.net.InChannels() != 3 || r.net.OutChannels() != 3 || r.net.Scale() != 1 {
		r.net.Close()
		return nil, errors.Errorf("face model maps %d to %d channels at scale %d, want 3 to 3 at 1",
			r.net.InChannels(), r.net.OutChannels(), r.net.Scale())
	}

	r.logger.Info("face restoration model ready",
		zap.String("path", cfg.ModelPath),
		zap.String("arch", cfg.Arch),
		zap.Int("channel_multiplier", cfg.ChannelMultiplier),
		zap.Int("upscale", cfg.Upscale),
		zap.Bool("bg_upsampler", cfg.BgUpsampler != nil),
		zap.String("device", cfg.Device))
	return r, nil
}

// Close releases the network. The background upsampler is not closed.
func (r *Restorer) Close() error { return r.net.Close() }

// Enhance restores the faces of img.
//
// With hasAligned the whole image is taken as one face. Otherwise faces are
// detected, only the one nearest the center is kept when onlyCenterFace is
// set, and with pasteBack the restored faces are blended into the upscaled
// background and returned as out. out is nil when nothing is pasted and
// otherwise starts at the origin.
func (r *Restorer) Enhance(ctx context.Context, img image.Image, hasAligned, onlyCenterFace, pasteBack bool) (cropped, restored []image.Image, out image.Image, err error) {
	if img.Bounds().Empty() {
		return nil, nil, nil, errors.New("empty image")
	}
	// Boxes and the pasted result are in 0-origin coordinates.
	img = imaging.Clone(img)

	var boxes []image.Rectangle
	if hasAligned {
		cropped = append(cropped, imaging.Resize(img, FaceSize, FaceSize, imaging.Lanczos))
	} else {
		faces := r.detector.Detect(img)
		if onlyCenterFace {
			faces = centerFace(faces, img.Bounds())
		}
		r.logger.Debug("faces detected", zap.Int("faces", len(faces)))
		for _, f := range faces {
			box := fit(f.Box(cropFactor), img.Bounds())
			if box.Empty() {
				continue
			}
			boxes = append(boxes, box)
			cropped = append(cropped, imaging.Resize(imaging.Crop(img, box), FaceSize, FaceSize, imaging.Lanczos))
		}
	}

	for i, face := range cropped {
		res, err := r.restore(ctx, face)
		if err != nil {
			return nil, nil, nil, errors.Wrapf(err, "face %d", i)
		}
		restored = append(restored, res)
	}

	if hasAligned || !pasteBack {
		return cropped, restored, nil, nil
	}

	bg, err := r.background(ctx, img)
	if err != nil {
		return nil, nil, nil, err
	}
	return cropped, restored, r.pasteFaces(bg, img.Bounds(), boxes, restored), nil
}

func (r *Restorer) restore(ctx context.Context, face image.Image) (image.Image, error) {
	x := tensor.FromImage(face).Affine(2, -1)
	y, err := r.net.Forward(ctx, x)
	if err != nil {
		return nil, errors.Wrap(err, "face restoration inference failed")
	}
	if y.C != 3 || y.H != FaceSize || y.W != FaceSize {
		return nil, errors.Errorf("face model returned %s", y.Shape())
	}
	return y.Affine(0.5, 0.5).ToImage(), nil
}

func (r *Restorer) background(ctx context.Context, img image.Image) (*image.NRGBA, error) {
	b := img.Bounds()
	w, h := b.Dx()*r.cfg.Upscale, b.Dy()*r.cfg.Upscale

	if r.cfg.BgUpsampler == nil {
		if r.cfg.Upscale == 1 {
			return imaging.Clone(img), nil
		}
		return imaging.Resize(img, w, h, imaging.Lanczos), nil
	}

	bg, err := r.cfg.BgUpsampler.Enhance(ctx, img, float64(r.cfg.Upscale))
	if err != nil {
		return nil, errors.Wrap(err, "background upsampling failed")
	}
	if bg.Bounds().Dx() != w || bg.Bounds().Dy() != h {
		bg = imaging.Resize(bg, w, h, imaging.Lanczos)
	}
	return imaging.Clone(bg), nil
}

// pasteFaces blends every restored face into bg through a feathered mask.
func (r *Restorer) pasteFaces(bg *image.NRGBA, src image.Rectangle, boxes []image.Rectangle, faces []image.Image) *image.NRGBA {
	up := r.cfg.Upscale
	for i, box := range boxes {
		dst := image.Rect(
			(box.Min.X-src.Min.X)*up, (box.Min.Y-src.Min.Y)*up,
			(box.Max.X-src.Min.X)*up, (box.Max.Y-src.Min.Y)*up,
		).Intersect(bg.Bounds())
		if dst.Empty() {
			continue
		}
		face := imaging.Resize(faces[i], dst.Dx(), dst.Dy(), imaging.Lanczos)
		blend(bg, face, featherMask(dst.Dx(), dst.Dy()), dst.Min)
	}
	return bg
}

// featherMask is opaque in the middle and fades to transparent over the
// outer twentieth of the shorter side.
func featherMask(w, h int) []float32 {
	erode := min(w, h) / 20
	mask := image.NewGray(image.Rect(0, 0, w, h))
	draw.Draw(mask, image.Rect(erode, erode, w-erode, h-erode), image.White, image.Point{}, draw.Src)
	var soft *image.NRGBA
	if erode > 0 {
		soft = imaging.Blur(mask, float64(erode)/2)
	} else {
		soft = imaging.Clone(mask)
	}

	alpha := make([]float32, w*h)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			alpha[y*w+x] = float32(soft.Pix[y*soft.Stride+x*4]) / 255
		}
	}
	return alpha
}

func blend(dst, face *image.NRGBA, alpha []float32, at image.Point) {
	w := face.Bounds().Dx()
	h := face.Bounds().Dy()
	for y := 0; y < h; y++ {
		drow := dst.Pix[(at.Y+y)*dst.Stride+at.X*4:]
		frow := face.Pix[y*face.Stride:]
		for x := 0; x < w; x++ {
			a := alpha[y*w+x]
			if a == 0 {
				continue
			}
			for c := 0; c < 3; c++ {
				i := x*4 + c
				v := float32(drow[i])*(1-a) + float32(frow[i])*a
				drow[i] = uint8(math.Round(float64(v)))
			}
		}
	}
}

// centerFace keeps the face closest to the center of bounds.
func centerFace(faces []Face, bounds image.Rectangle) []Face {
	if len(faces) < 2 {
		return faces
	}
	cx := float64(bounds.Min.X+bounds.Max.X) / 2
	cy := float64(bounds.Min.Y+bounds.Max.Y) / 2
	best := 0
	bestDist := math.Inf(1)
	for i, f := range faces {
		d := math.Hypot(float64(f.Center.X)-cx, float64(f.Center.Y)-cy)
		if d < bestDist {
			best, bestDist = i, d
		}
	}
	return faces[best : best+1]
}

// fit shifts the square box inside bounds, shrinking it when it is larger.
func fit(box, bounds image.Rectangle) image.Rectangle {
	side := min(box.Dx(), bounds.Dx(), bounds.Dy())
	if side <= 0 {
		return image.Rectangle{}
	}
	cx := (box.Min.X + box.Max.X) / 2
	cy := (box.Min.Y + box.Max.Y) / 2
	x0 := min(max(cx-side/2, bounds.Min.X), bounds.Max.X-side)
	y0 := min(max(cy-side/2, bounds.Min.Y), bounds.Max.Y-side)
	return image.Rect(x0, y0, x0+side, y0+side)
}
