package export

import (
	"bytes"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"roadseg/internal/metrics"
	"roadseg/internal/model"
)

// leftHalfRoad marks every pixel in the left half of the image as road.
type leftHalfRoad struct{ calls int }

func (p *leftHalfRoad) Predict(img model.Tensor) (model.Tensor, error) {
	p.calls++
	h, w := img.Shape[0], img.Shape[1]
	out := model.NewTensor("probabilities", h, w, model.NumClasses)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			road := float32(0.1)
			if x < w/2 {
				road = 0.9
			}
			i := (y*w + x) * model.NumClasses
			out.Data[i] = 1 - road
			out.Data[i+1] = road
		}
	}
	return out, nil
}

func writeSolid(t *testing.T, path string, w, h int, c color.RGBA) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for i := 0; i < len(img.Pix); i += 4 {
		img.Pix[i], img.Pix[i+1], img.Pix[i+2], img.Pix[i+3] = c.R, c.G, c.B, c.A
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode: %v", err)
	}
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func TestSaveInferenceSamplesWritesOverlays(t *testing.T) {
	base := t.TempDir()
	testRoot := filepath.Join(base, "testing")
	gray := color.RGBA{R: 100, G: 100, B: 100, A: 255}
	writeSolid(t, filepath.Join(testRoot, "image_2", "um_000000.png"), 16, 8, gray)
	writeSolid(t, filepath.Join(testRoot, "image_2", "uu_000003.png"), 32, 4, gray)

	runs := filepath.Join(base, "runs")
	now := time.Unix(1700000000, 0)
	pred := &leftHalfRoad{}
	dir, err := SaveInferenceSamples(runs, testRoot, pred, 8, 4, now)
	if err != nil {
		t.Fatalf("SaveInferenceSamples: %v", err)
	}
	if dir != filepath.Join(runs, "1700000000") {
		t.Fatalf("unexpected output dir %s", dir)
	}
	if pred.calls != 2 {
		t.Fatalf("expected 2 predictions, got %d", pred.calls)
	}

	f, err := os.Open(filepath.Join(dir, "um_000000.png"))
	if err != nil {
		t.Fatalf("open sample: %v", err)
	}
	defer f.Close()
	img, err := png.Decode(f)
	if err != nil {
		t.Fatalf("decode sample: %v", err)
	}
	if b := img.Bounds(); b.Dx() != 8 || b.Dy() != 4 {
		t.Fatalf("sample not resized: %v", b)
	}
	road := color.RGBAModel.Convert(img.At(1, 1)).(color.RGBA)
	if road.G <= road.R || road.G <= gray.G {
		t.Fatalf("road pixel not tinted green: %+v", road)
	}
	plain := color.RGBAModel.Convert(img.At(6, 1)).(color.RGBA)
	if plain.R != plain.G || plain.G != plain.B || plain.A != 255 {
		t.Fatalf("non-road pixel tinted: %+v", plain)
	}
	if _, err := os.Stat(filepath.Join(dir, "uu_000003.png")); err != nil {
		t.Fatalf("second sample missing: %v", err)
	}
}

func TestSaveInferenceSamplesMissingTestRoot(t *testing.T) {
	base := t.TempDir()
	_, err := SaveInferenceSamples(filepath.Join(base, "runs"), filepath.Join(base, "absent"), &leftHalfRoad{}, 8, 4, time.Now())
	if err == nil {
		t.Fatal("expected error for missing test root")
	}
}

func TestOverlayRejectsShapeMismatch(t *testing.T) {
	street := image.NewRGBA(image.Rect(0, 0, 4, 2))
	if _, err := Overlay(street, model.NewTensor("p", 2, 3, 2)); err == nil {
		t.Fatal("expected shape error")
	}
}

func TestPlotLossWritesSVG(t *testing.T) {
	path := filepath.Join(t.TempDir(), "loss.svg")
	history := []metrics.EpochStat{
		{Epoch: 0, Loss: 0.69},
		{Epoch: 1, Loss: 0.41},
		{Epoch: 2, Loss: 0.30},
	}
	if err := PlotLoss(path, history); err != nil {
		t.Fatalf("PlotLoss: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read plot: %v", err)
	}
	if !strings.Contains(string(data), "<svg") {
		t.Fatalf("output is not svg: %.80s", data)
	}
}

func TestPlotLossEmptyHistory(t *testing.T) {
	if err := PlotLoss(filepath.Join(t.TempDir(), "loss.svg"), nil); err == nil {
		t.Fatal("expected error for empty history")
	}
}
