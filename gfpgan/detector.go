package gfpgan

import (
	"image"
	"os"
	"sort"
	"sync"

	"github.com/disintegration/imaging"
	pigo "github.com/esimov/pigo/core"
	"github.com/pkg/errors"
)

// Face is a detected face: a square of side Size centered on Center.
type Face struct {
	Center image.Point
	Size   int
	Score  float32
}

// Box returns the square around the face grown by factor.
func (f Face) Box(factor float64) image.Rectangle {
	side := int(float64(f.Size)*factor + 0.5)
	x0 := f.Center.X - side/2
	y0 := f.Center.Y - side/2
	return image.Rect(x0, y0, x0+side, y0+side)
}

// Detector finds faces in an image.
type Detector interface {
	Detect(img image.Image) []Face
}

// PigoDetector finds faces with a pigo cascade.
type PigoDetector struct {
	MinSize     int
	ShiftFactor float64
	ScaleFactor float64
	IoU         float64
	Threshold   float32

	classifier *pigo.Pigo
	mu         sync.Mutex
}

// LoadPigoDetector reads the cascade file at path.
func LoadPigoDetector(path string) (*PigoDetector, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read cascade file")
	}
	return NewPigoDetector(data)
}

// NewPigoDetector unpacks a cascade.
func NewPigoDetector(cascade []byte) (*PigoDetector, error) {
	classifier, err := pigo.NewPigo().Unpack(cascade)
	if err != nil {
		return nil, errors.Wrap(err, "failed to unpack cascade file")
	}
	return &PigoDetector{
		MinSize:     20,
		ShiftFactor: 0.1,
		ScaleFactor: 1.1,
		IoU:         0.2,
		Threshold:   5.0,
		classifier:  classifier,
	}, nil
}

// Detect implements Detector. Faces are returned top to bottom, left to right,
// in the coordinates of img.
func (d *PigoDetector) Detect(img image.Image) []Face {
	src := imaging.Clone(img)
	cols, rows := src.Bounds().Dx(), src.Bounds().Dy()
	cParams := pigo.CascadeParams{
		MinSize:     d.MinSize,
		MaxSize:     max(cols, rows),
		ShiftFactor: d.ShiftFactor,
		ScaleFactor: d.ScaleFactor,
		ImageParams: pigo.ImageParams{
			Pixels: pigo.RgbToGrayscale(src),
			Rows:   rows,
			Cols:   cols,
			Dim:    cols,
		},
	}

	d.mu.Lock()
	dets := d.classifier.RunCascade(cParams, 0.0)
	dets = d.classifier.ClusterDetections(dets, d.IoU)
	d.mu.Unlock()

	return toFaces(dets, d.Threshold, img.Bounds().Min)
}

// toFaces drops detections scoring below threshold and moves the rest by origin.
func toFaces(dets []pigo.Detection, threshold float32, origin image.Point) []Face {
	var faces []Face
	for _, det := range dets {
		if det.Q < threshold {
			continue
		}
		faces = append(faces, Face{
			Center: image.Pt(det.Col, det.Row).Add(origin),
			Size:   det.Scale,
			Score:  det.Q,
		})
	}
	sort.Slice(faces, func(i, j int) bool {
		if faces[i].Center.Y != faces[j].Center.Y {
			return faces[i].Center.Y < faces[j].Center.Y
		}
		return faces[i].Center.X < faces[j].Center.X
	})
	return faces
}
