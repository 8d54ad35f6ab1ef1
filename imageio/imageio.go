// Package imageio reads and writes the images the enhancer works on.
package imageio

import (
	"fmt"
	"image"

	// Decoders beyond the ones imaging registers.
	_ "golang.org/x/image/webp"

	"github.com/disintegration/imaging"
	"github.com/pkg/errors"
)

// ErrUnreadable matches every error returned by Read.
var ErrUnreadable = errors.New("failed to read input image")

// ReadError reports an input image that is missing or cannot be decoded.
type ReadError struct {
	Path string
	Err  error
}

func (e *ReadError) Error() string {
	return fmt.Sprintf("%v: %s: %v", ErrUnreadable, e.Path, e.Err)
}

func (e *ReadError) Unwrap() error { return e.Err }

// Is makes errors.Is(err, ErrUnreadable) hold.
func (e *ReadError) Is(target error) bool { return target == ErrUnreadable }

// Read decodes the image at path as opaque 8-bit RGB, applying its EXIF
// orientation. Alpha is discarded.
func Read(path string) (*image.NRGBA, error) {
	img, err := imaging.Open(path, imaging.AutoOrientation(true))
	if err != nil {
		return nil, errors.WithStack(&ReadError{Path: path, Err: err})
	}
	if img.Bounds().Empty() {
		return nil, errors.WithStack(&ReadError{Path: path, Err: errors.New("empty image")})
	}

	dst := imaging.Clone(img)
	for i := 3; i < len(dst.Pix); i += 4 {
		dst.Pix[i] = 0xff
	}
	return dst, nil
}

// Write encodes img in the format given by the extension of path.
func Write(path string, img image.Image) error {
	if err := imaging.Save(img, path, imaging.JPEGQuality(95)); err != nil {
		return errors.Wrapf(err, "failed to write %s", path)
	}
	return nil
}
