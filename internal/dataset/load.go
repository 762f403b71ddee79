package dataset

import (
	"image"
	"image/color"
	_ "image/jpeg"
	_ "image/png"
	"os"

	"github.com/pkg/errors"
	"golang.org/x/image/draw"

	"roadseg/internal/model"
)

// BackgroundColor marks non-road pixels in the ground-truth masks. Every other
// colour counts as road.
var BackgroundColor = color.RGBA{R: 255, G: 0, B: 0, A: 255}

// Example is one decoded training pair at the target resolution.
type Example struct {
	Key   string
	Image model.Tensor // [H, W, 3]
	Label model.Tensor // [H, W, 2]
}

// Load decodes and resizes a pair. Images are scaled bilinearly, masks with
// nearest neighbour so class colours are never blended.
func Load(p Pair, width, height int) (Example, error) {
	img, err := DecodeFile(p.ImagePath)
	if err != nil {
		return Example{}, err
	}
	mask, err := DecodeFile(p.LabelPath)
	if err != nil {
		return Example{}, err
	}
	return Example{
		Key:   p.Key,
		Image: ImageTensor(Resize(img, width, height, draw.BiLinear)),
		Label: OneHot(Resize(mask, width, height, draw.NearestNeighbor)),
	}, nil
}

// DecodeFile opens and decodes a PNG or JPEG file.
func DecodeFile(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, &DataLoadError{Path: path, Err: err}
	}
	defer f.Close()

	img, _, err := image.Decode(f)
	if err != nil {
		return nil, &DataLoadError{Path: path, Err: errors.Wrap(err, "decode")}
	}
	b := img.Bounds()
	if b.Dx() == 0 || b.Dy() == 0 {
		return nil, &DataLoadError{Path: path, Err: errors.New("empty image")}
	}
	return img, nil
}

// Resize scales src to width x height with the given interpolator.
func Resize(src image.Image, width, height int, scaler draw.Scaler) *image.RGBA {
	dst := image.NewRGBA(image.Rect(0, 0, width, height))
	scaler.Scale(dst, dst.Bounds(), src, src.Bounds(), draw.Src, nil)
	return dst
}

// ImageTensor converts img to an [H, W, 3] tensor normalised to [0, 1].
func ImageTensor(img *image.RGBA) model.Tensor {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	t := model.NewTensor("image", h, w, model.InChannels)
	for y := 0; y < h; y++ {
		row := img.Pix[y*img.Stride:]
		for x := 0; x < w; x++ {
			px := row[x*4 : x*4+3]
			idx := (y*w + x) * model.InChannels
			t.Data[idx] = float32(px[0]) / 255
			t.Data[idx+1] = float32(px[1]) / 255
			t.Data[idx+2] = float32(px[2]) / 255
		}
	}
	return t
}

// OneHot turns a colour mask into an [H, W, 2] tensor: channel 0 is set for
// background pixels, channel 1 for everything else.
func OneHot(mask *image.RGBA) model.Tensor {
	b := mask.Bounds()
	w, h := b.Dx(), b.Dy()
	t := model.NewTensor("label", h, w, model.NumClasses)
	for y := 0; y < h; y++ {
		row := mask.Pix[y*mask.Stride:]
		for x := 0; x < w; x++ {
			px := row[x*4 : x*4+3]
			idx := (y*w + x) * model.NumClasses
			if px[0] == BackgroundColor.R && px[1] == BackgroundColor.G && px[2] == BackgroundColor.B {
				t.Data[idx] = 1
			} else {
				t.Data[idx+1] = 1
			}
		}
	}
	return t
}
