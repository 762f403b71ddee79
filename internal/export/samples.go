// Package export writes the artefacts of a finished run: segmentation
// overlays for the held-out images and the training loss curve.
package export

import (
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/image/draw"
	"k8s.io/klog/v2"

	"roadseg/internal/dataset"
	"roadseg/internal/model"
)

// RoadColor is painted over pixels classified as road.
var RoadColor = color.NRGBA{R: 0, G: 255, B: 0, A: 127}

// Threshold is the road probability above which a pixel is painted.
const Threshold = 0.5

// SaveInferenceSamples runs p over every image in testRoot/image_2 and
// writes the overlays to a fresh directory under runsDir named after now.
// It returns that directory.
func SaveInferenceSamples(runsDir, testRoot string, p model.Predictor, width, height int, now time.Time) (string, error) {
	images, err := dataset.ListImages(testRoot)
	if err != nil {
		return "", err
	}
	outDir := filepath.Join(runsDir, strconv.FormatInt(now.Unix(), 10))
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return "", errors.Wrap(err, "create output dir")
	}
	klog.Infof("saving inference samples to %s images=%d", outDir, len(images))

	for _, path := range images {
		src, err := dataset.DecodeFile(path)
		if err != nil {
			return "", err
		}
		street := dataset.Resize(src, width, height, draw.BiLinear)
		probs, err := p.Predict(dataset.ImageTensor(street))
		if err != nil {
			return "", errors.Wrapf(err, "predict %s", path)
		}
		out, err := Overlay(street, probs)
		if err != nil {
			return "", errors.Wrapf(err, "overlay %s", path)
		}
		if err := writePNG(filepath.Join(outDir, filepath.Base(path)), out); err != nil {
			return "", err
		}
	}
	return outDir, nil
}

// Overlay paints RoadColor over every pixel of street whose road probability
// in probs ([H, W, 2]) exceeds Threshold.
func Overlay(street *image.RGBA, probs model.Tensor) (*image.RGBA, error) {
	b := street.Bounds()
	w, h := b.Dx(), b.Dy()
	if len(probs.Shape) != 3 || probs.Shape[0] != h || probs.Shape[1] != w || probs.Shape[2] != model.NumClasses {
		return nil, errors.Wrapf(model.ErrShape, "probabilities %v for %dx%d image", probs.Shape, w, h)
	}
	mask := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			if probs.Data[(y*w+x)*model.NumClasses+1] > Threshold {
				mask.SetNRGBA(x, y, RoadColor)
			}
		}
	}
	out := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.Draw(out, out.Bounds(), street, b.Min, draw.Src)
	draw.Draw(out, out.Bounds(), mask, image.Point{}, draw.Over)
	return out, nil
}

func writePNG(path string, img image.Image) error {
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrap(err, "create sample")
	}
	if err := png.Encode(f, img); err != nil {
		f.Close()
		return errors.Wrapf(err, "encode %s", path)
	}
	return errors.Wrapf(f.Close(), "close %s", path)
}
