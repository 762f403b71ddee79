package dataset

import (
	"iter"
	"math/rand"

	"github.com/pkg/errors"

	"roadseg/internal/model"
)

// ErrBatchSize is yielded when a non-positive batch size is requested.
var ErrBatchSize = errors.New("dataset: batch size must be > 0")

// LoadFunc decodes one pair into an example.
type LoadFunc func(p Pair, width, height int) (Example, error)

// Source produces shuffled minibatches over an immutable list of pairs.
type Source struct {
	pairs  []Pair
	width  int
	height int
	seed   int64
	load   LoadFunc
}

// NewSource returns a Source over pairs. Examples are resized to
// width x height.
func NewSource(pairs []Pair, width, height int, seed int64) *Source {
	return &Source{
		pairs:  append([]Pair(nil), pairs...),
		width:  width,
		height: height,
		seed:   seed,
		load:   Load,
	}
}

// WithLoader replaces the decoder; tests use it to avoid image files.
func (s *Source) WithLoader(fn LoadFunc) *Source {
	s.load = fn
	return s
}

// Len returns the number of pairs.
func (s *Source) Len() int { return len(s.pairs) }

// NumBatches returns how many batches one epoch yields, counting a short tail.
func (s *Source) NumBatches(batchSize int) int {
	if batchSize <= 0 {
		return 0
	}
	return (len(s.pairs) + batchSize - 1) / batchSize
}

// Permutation returns the visiting order for epoch. Each epoch gets its own
// permutation, and the same epoch always gets the same one, so a resumed run
// sees the batches an uninterrupted run would.
func (s *Source) Permutation(epoch int) []int {
	rng := rand.New(rand.NewSource(s.seed*7919 + int64(epoch)))
	return rng.Perm(len(s.pairs))
}

// Batches reshuffles the dataset and yields consecutive slices of batchSize
// examples until every pair has been visited exactly once. The final batch
// may be short. A decode failure is yielded once and ends the sequence.
func (s *Source) Batches(epoch, batchSize int) iter.Seq2[model.Batch, error] {
	return func(yield func(model.Batch, error) bool) {
		if batchSize <= 0 {
			yield(model.Batch{}, ErrBatchSize)
			return
		}
		order := s.Permutation(epoch)
		for start := 0; start < len(order); start += batchSize {
			end := min(start+batchSize, len(order))
			batch, err := s.assemble(order[start:end])
			if err != nil {
				yield(model.Batch{}, err)
				return
			}
			if !yield(batch, nil) {
				return
			}
		}
	}
}

func (s *Source) assemble(indexes []int) (model.Batch, error) {
	n := len(indexes)
	images := model.NewTensor("images", n, s.height, s.width, model.InChannels)
	labels := model.NewTensor("labels", n, s.height, s.width, model.NumClasses)
	imgStride := s.height * s.width * model.InChannels
	lblStride := s.height * s.width * model.NumClasses
	for i, idx := range indexes {
		ex, err := s.load(s.pairs[idx], s.width, s.height)
		if err != nil {
			return model.Batch{}, err
		}
		if len(ex.Image.Data) != imgStride || len(ex.Label.Data) != lblStride {
			return model.Batch{}, &DataLoadError{
				Path: s.pairs[idx].ImagePath,
				Err:  errors.Errorf("decoded example has shape %v/%v", ex.Image.Shape, ex.Label.Shape),
			}
		}
		copy(images.Data[i*imgStride:], ex.Image.Data)
		copy(labels.Data[i*lblStride:], ex.Label.Data)
	}
	return model.Batch{Images: images, Labels: labels}, nil
}
