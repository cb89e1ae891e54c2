package media

import (
	"fmt"
	"image"
	"image/color"
	"os"
	"path/filepath"
	"strings"

	"github.com/disintegration/imaging"
)

// jpeg quality ladder for oversize recovery, then dimension fallbacks
var shrinkQualities = []int{90, 80, 70, 60, 50}
var shrinkScales = []float64{0.90, 0.75, 0.50}

// ShrinkImage re-encodes an image until it fits under maxBytes: descending
// JPEG qualities first, then fixed-percentage downscales at the floor
// quality. Transparency is flattened onto an opaque background. Returns the
// path of the substitute file.
func ShrinkImage(path string, maxBytes int64) (string, error) {
	img, err := imaging.Open(path, imaging.AutoOrientation(true))
	if err != nil {
		return "", fmt.Errorf("failed to decode image: %w", err)
	}
	img = flatten(img)

	out := shrunkPath(path)

	for _, q := range shrinkQualities {
		if err := imaging.Save(img, out, imaging.JPEGQuality(q)); err != nil {
			return "", fmt.Errorf("failed to encode image: %w", err)
		}
		if underLimit(out, maxBytes) {
			return out, nil
		}
	}

	floor := shrinkQualities[len(shrinkQualities)-1]
	bounds := img.Bounds()
	for _, scale := range shrinkScales {
		w := int(float64(bounds.Dx()) * scale)
		if w < 1 {
			break
		}
		resized := imaging.Resize(img, w, 0, imaging.Lanczos)
		if err := imaging.Save(resized, out, imaging.JPEGQuality(floor)); err != nil {
			return "", fmt.Errorf("failed to encode image: %w", err)
		}
		if underLimit(out, maxBytes) {
			return out, nil
		}
	}

	os.Remove(out)
	return "", fmt.Errorf("image cannot be shrunk under %d bytes", maxBytes)
}

func underLimit(path string, maxBytes int64) bool {
	fi, err := os.Stat(path)
	return err == nil && fi.Size() <= maxBytes
}

// flatten composites the image onto a white background so JPEG encoding
// cannot produce black where alpha was.
func flatten(img image.Image) image.Image {
	bg := imaging.New(img.Bounds().Dx(), img.Bounds().Dy(), color.White)
	return imaging.Overlay(bg, img, image.Pt(0, 0), 1.0)
}

func shrunkPath(path string) string {
	ext := filepath.Ext(path)
	return strings.TrimSuffix(path, ext) + ".shrunk.jpg"
}
