package model

import "github.com/pkg/errors"

// Tensor is a named, row-major float32 array.
type Tensor struct {
	Name  string
	Shape []int
	Data  []float32
}

// NewTensor allocates a zeroed tensor of the given shape.
func NewTensor(name string, shape ...int) Tensor {
	return Tensor{Name: name, Shape: append([]int(nil), shape...), Data: make([]float32, Size(shape))}
}

// Size returns the number of elements described by shape.
func Size(shape []int) int {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return n
}

// Clone returns a deep copy of t.
func (t Tensor) Clone() Tensor {
	return Tensor{
		Name:  t.Name,
		Shape: append([]int(nil), t.Shape...),
		Data:  append([]float32(nil), t.Data...),
	}
}

// Batch represents a minibatch of images and one-hot label masks.
//
// Images has shape [N, H, W, 3] and Labels has shape [N, H, W, classes].
type Batch struct {
	Images Tensor
	Labels Tensor
}

// Len returns the number of examples in the batch.
func (b Batch) Len() int {
	if len(b.Images.Shape) == 0 {
		return 0
	}
	return b.Images.Shape[0]
}

// Hyper holds the per-run hyperparameters fed to every training step.
type Hyper struct {
	KeepProb     float64
	LearningRate float64
}

// Parameters is the ordered set of tensors that make up a model's state.
type Parameters []Tensor

// Clone deep-copies every tensor.
func (p Parameters) Clone() Parameters {
	out := make(Parameters, len(p))
	for i, t := range p {
		out[i] = t.Clone()
	}
	return out
}

// Lookup returns the tensor with the given name.
func (p Parameters) Lookup(name string) (Tensor, bool) {
	for _, t := range p {
		if t.Name == name {
			return t, true
		}
	}
	return Tensor{}, false
}

// Graph is the differentiable unit driven by the training loop.
type Graph interface {
	// Initialize resets every parameter to its default initialisation.
	Initialize() error
	// TrainStep runs one forward and backward pass and returns the batch loss.
	TrainStep(batch Batch, hp Hyper) (float64, error)
	// Parameters returns a snapshot that does not alias live state.
	Parameters() Parameters
	// Restore overwrites live state with params.
	Restore(params Parameters) error
}

// Predictor maps a single [H, W, 3] image to [H, W, classes] probabilities.
type Predictor interface {
	Predict(image Tensor) (Tensor, error)
}

// ErrShape is returned when a tensor does not have the expected layout.
var ErrShape = errors.New("model: shape mismatch")

func shapeError(name string, got, want []int) error {
	return errors.Wrapf(ErrShape, "%s: got %v want %v", name, got, want)
}
