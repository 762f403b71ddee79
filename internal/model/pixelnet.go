package model

import (
	"math"
	"math/rand"

	"github.com/pkg/errors"
)

const (
	// NumClasses is the number of segmentation classes: background and road.
	NumClasses = 2
	// InChannels is the number of colour channels per input pixel.
	InChannels = 3

	adamBeta1   = 0.9
	adamBeta2   = 0.999
	adamEpsilon = 1e-8
	initStddev  = 0.01
)

const (
	kernelName = "score/kernel"
	biasName   = "score/bias"
	stepName   = "global_step"
)

var (
	_ Graph     = (*PixelNet)(nil)
	_ Predictor = (*PixelNet)(nil)
)

// PixelNet is a 1x1 convolutional scorer with softmax cross-entropy, trained
// with Adam. Every pixel is classified from its own colour.
type PixelNet struct {
	seed   int64
	params map[string]*Tensor
	order  []string
}

// NewPixelNet constructs the model and applies the default initialisation.
func NewPixelNet(seed int64) *PixelNet {
	m := &PixelNet{seed: seed}
	m.Initialize()
	return m
}

// Initialize resets weights to a truncated normal, biases to zero and clears
// optimizer state.
func (m *PixelNet) Initialize() error {
	m.params = make(map[string]*Tensor)
	m.order = m.order[:0]
	add := func(name string, shape ...int) *Tensor {
		t := NewTensor(name, shape...)
		m.params[name] = &t
		m.order = append(m.order, name)
		return &t
	}

	kernel := add(kernelName, 1, 1, InChannels, NumClasses)
	add(biasName, NumClasses)
	for _, name := range []string{kernelName, biasName} {
		shape := m.params[name].Shape
		add(name+"/Adam", shape...)
		add(name+"/Adam_1", shape...)
	}
	add(stepName, 1)

	rng := rand.New(rand.NewSource(m.seed))
	for i := range kernel.Data {
		kernel.Data[i] = float32(truncatedNormal(rng) * initStddev)
	}
	return nil
}

// Step returns the number of training steps applied so far.
func (m *PixelNet) Step() int {
	return int(m.params[stepName].Data[0])
}

// TrainStep executes one Adam step and returns the mean per-pixel loss.
func (m *PixelNet) TrainStep(batch Batch, hp Hyper) (float64, error) {
	if hp.KeepProb <= 0 || hp.KeepProb > 1 {
		return 0, errors.Errorf("model: keep probability %v outside (0, 1]", hp.KeepProb)
	}
	if hp.LearningRate <= 0 {
		return 0, errors.Errorf("model: learning rate %v must be > 0", hp.LearningRate)
	}
	if err := checkBatch(batch); err != nil {
		return 0, err
	}

	kernel := m.params[kernelName].Data
	bias := m.params[biasName].Data
	step := m.Step() + 1
	rng := rand.New(rand.NewSource(m.seed*1_000_003 + int64(step)))

	pixels := len(batch.Images.Data) / InChannels
	gradW := make([]float64, len(kernel))
	gradB := make([]float64, len(bias))
	scale := 1.0 / float64(pixels)
	var x [InChannels]float64
	var logits [NumClasses]float64
	totalLoss := 0.0

	for p := 0; p < pixels; p++ {
		for c := 0; c < InChannels; c++ {
			v := float64(batch.Images.Data[p*InChannels+c])
			if hp.KeepProb < 1 {
				if rng.Float64() < hp.KeepProb {
					v /= hp.KeepProb
				} else {
					v = 0
				}
			}
			x[c] = v
		}
		scorePixel(kernel, bias, x[:], logits[:])
		probs := softmax(logits[:])
		labels := batch.Labels.Data[p*NumClasses : (p+1)*NumClasses]
		for k := 0; k < NumClasses; k++ {
			y := float64(labels[k])
			if y > 0 {
				totalLoss -= y * math.Log(math.Max(probs[k], 1e-12))
			}
			g := (probs[k] - y) * scale
			gradB[k] += g
			for c := 0; c < InChannels; c++ {
				gradW[c*NumClasses+k] += g * x[c]
			}
		}
	}

	loss := totalLoss * scale
	if math.IsNaN(loss) || math.IsInf(loss, 0) {
		return 0, errors.Errorf("model: non-finite loss at step %d", step)
	}

	lrT := hp.LearningRate * math.Sqrt(1-math.Pow(adamBeta2, float64(step))) / (1 - math.Pow(adamBeta1, float64(step)))
	m.adam(kernelName, gradW, lrT)
	m.adam(biasName, gradB, lrT)
	m.params[stepName].Data[0] = float32(step)
	return loss, nil
}

func (m *PixelNet) adam(name string, grad []float64, lrT float64) {
	w := m.params[name].Data
	mSlot := m.params[name+"/Adam"].Data
	vSlot := m.params[name+"/Adam_1"].Data
	for i, g := range grad {
		mi := adamBeta1*float64(mSlot[i]) + (1-adamBeta1)*g
		vi := adamBeta2*float64(vSlot[i]) + (1-adamBeta2)*g*g
		mSlot[i] = float32(mi)
		vSlot[i] = float32(vi)
		w[i] -= float32(lrT * mi / (math.Sqrt(vi) + adamEpsilon))
	}
}

// Predict returns per-pixel class probabilities for an [H, W, 3] image.
func (m *PixelNet) Predict(image Tensor) (Tensor, error) {
	if len(image.Shape) != 3 || image.Shape[2] != InChannels {
		return Tensor{}, shapeError("image", image.Shape, []int{-1, -1, InChannels})
	}
	h, w := image.Shape[0], image.Shape[1]
	out := NewTensor("probabilities", h, w, NumClasses)
	kernel := m.params[kernelName].Data
	bias := m.params[biasName].Data
	var x [InChannels]float64
	var logits [NumClasses]float64
	for p := 0; p < h*w; p++ {
		for c := 0; c < InChannels; c++ {
			x[c] = float64(image.Data[p*InChannels+c])
		}
		scorePixel(kernel, bias, x[:], logits[:])
		for k, v := range softmax(logits[:]) {
			out.Data[p*NumClasses+k] = float32(v)
		}
	}
	return out, nil
}

// Parameters returns a deep copy of every tensor in a stable order.
func (m *PixelNet) Parameters() Parameters {
	out := make(Parameters, 0, len(m.order))
	for _, name := range m.order {
		out = append(out, m.params[name].Clone())
	}
	return out
}

// Restore copies params into the live state. Every tensor of the model must
// be present with a matching shape; unknown tensors are ignored.
func (m *PixelNet) Restore(params Parameters) error {
	for _, name := range m.order {
		src, ok := params.Lookup(name)
		if !ok {
			return errors.Errorf("model: parameters missing %q", name)
		}
		dst := m.params[name]
		if !sameShape(src.Shape, dst.Shape) || len(src.Data) != len(dst.Data) {
			return shapeError(name, src.Shape, dst.Shape)
		}
	}
	for _, name := range m.order {
		src, _ := params.Lookup(name)
		copy(m.params[name].Data, src.Data)
	}
	return nil
}

func checkBatch(b Batch) error {
	img, lbl := b.Images.Shape, b.Labels.Shape
	if len(img) != 4 || img[3] != InChannels || img[0] == 0 {
		return shapeError("images", img, []int{-1, -1, -1, InChannels})
	}
	want := []int{img[0], img[1], img[2], NumClasses}
	if !sameShape(lbl, want) {
		return shapeError("labels", lbl, want)
	}
	if len(b.Images.Data) != Size(img) || len(b.Labels.Data) != Size(lbl) {
		return errors.Wrap(ErrShape, "batch data length does not match shape")
	}
	return nil
}

func scorePixel(kernel, bias []float32, x, logits []float64) {
	for k := range logits {
		sum := float64(bias[k])
		for c, v := range x {
			sum += float64(kernel[c*NumClasses+k]) * v
		}
		logits[k] = sum
	}
}

func softmax(logits []float64) []float64 {
	maxLogit := logits[0]
	for _, v := range logits {
		if v > maxLogit {
			maxLogit = v
		}
	}
	sum := 0.0
	out := make([]float64, len(logits))
	for i, v := range logits {
		exp := math.Exp(v - maxLogit)
		out[i] = exp
		sum += exp
	}
	inv := 1.0 / sum
	for i := range out {
		out[i] *= inv
	}
	return out
}

// truncatedNormal draws from N(0,1) rejecting samples beyond two deviations.
func truncatedNormal(rng *rand.Rand) float64 {
	for {
		v := rng.NormFloat64()
		if math.Abs(v) <= 2 {
			return v
		}
	}
}

func sameShape(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
