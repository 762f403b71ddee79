package trainer

import (
	"context"
	"fmt"
	"iter"
	"time"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"roadseg/internal/checkpoint"
	"roadseg/internal/metrics"
	"roadseg/internal/model"
)

// BatchSource yields one epoch's worth of shuffled batches per call.
type BatchSource interface {
	Batches(epoch, batchSize int) iter.Seq2[model.Batch, error]
}

// Store persists parameter snapshots between epochs and runs.
type Store interface {
	Save(epoch int, params model.Parameters) error
	FindLatest() (checkpoint.Checkpoint, bool, error)
}

// State is a phase of a training run.
type State int

const (
	StateInit State = iota
	StateRestoring
	StateEpoch
	StateCheckpointing
	StateDone
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateRestoring:
		return "restoring"
	case StateEpoch:
		return "epoch"
	case StateCheckpointing:
		return "checkpointing"
	case StateDone:
		return "done"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// RunConfig captures the knobs required by the training loop.
type RunConfig struct {
	// Epochs is the number of epochs to run, counted from the resumed start.
	Epochs       int
	BatchSize    int
	KeepProb     float64
	LearningRate float64

	// OnState, if set, is called on every state transition.
	OnState func(state State, epoch int)
	// OnEpoch, if set, is called after each epoch (and its checkpoint).
	OnEpoch func(stat metrics.EpochStat)
}

// Result summarises a finished run.
type Result struct {
	StartEpoch int
	// EndEpoch is one past the last completed epoch.
	EndEpoch int
	Steps    int
	Restored bool
	History  []metrics.EpochStat
}

// ModelStepError wraps a failure of the forward/backward step.
type ModelStepError struct {
	Epoch int
	Step  int
	Err   error
}

func (e *ModelStepError) Error() string {
	return fmt.Sprintf("training step %d of epoch %d: %v", e.Step, e.Epoch, e.Err)
}

func (e *ModelStepError) Unwrap() error { return e.Err }

// Run executes the training workload. store may be nil, in which case the
// run neither restores nor saves checkpoints. Any error from the source, the
// graph or the store aborts the run; nothing is retried.
func Run(ctx context.Context, cfg RunConfig, graph model.Graph, src BatchSource, store Store) (Result, error) {
	if cfg.Epochs <= 0 {
		return Result{}, errors.New("trainer: epochs must be > 0")
	}
	if cfg.BatchSize <= 0 {
		return Result{}, errors.New("trainer: batch size must be > 0")
	}
	if s, ok := store.(*checkpoint.Store); ok && s == nil {
		store = nil
	}
	notify := func(state State, epoch int) {
		if cfg.OnState != nil {
			cfg.OnState(state, epoch)
		}
	}

	notify(StateInit, 0)
	if err := graph.Initialize(); err != nil {
		return Result{}, errors.Wrap(err, "trainer: initialize parameters")
	}

	res := Result{}
	if store != nil {
		notify(StateRestoring, 0)
		ckpt, ok, err := store.FindLatest()
		if err != nil {
			return res, errors.Wrap(err, "trainer: find latest checkpoint")
		}
		if ok {
			if err := graph.Restore(ckpt.Parameters); err != nil {
				return res, errors.Wrapf(err, "trainer: restore checkpoint epoch %d", ckpt.Epoch)
			}
			res.StartEpoch = ckpt.Epoch + 1
			res.Restored = true
			klog.Infof("restored checkpoint epoch=%d run_id=%s", ckpt.Epoch, ckpt.RunID)
		}
	}
	res.EndEpoch = res.StartEpoch

	stop := res.StartEpoch + cfg.Epochs
	hp := model.Hyper{KeepProb: cfg.KeepProb, LearningRate: cfg.LearningRate}

	for epoch := res.StartEpoch; epoch < stop; epoch++ {
		notify(StateEpoch, epoch)
		klog.Infof("epoch=%d/%d start", epoch+1, stop)

		snap, err := runEpoch(ctx, epoch, cfg.BatchSize, hp, graph, src)
		res.Steps += snap.Steps
		if err != nil {
			return res, err
		}
		klog.Infof("epoch=%d/%d loss=%.4f steps=%d images_per_sec=%.1f data_ms=%.2f compute_ms=%.2f",
			epoch+1,
			stop,
			snap.LastLoss,
			snap.Steps,
			snap.ImagesPerSec,
			snap.AvgDataMS,
			snap.AvgComputeMS,
		)

		stat := metrics.NewEpochStat(epoch, snap)
		if store != nil {
			notify(StateCheckpointing, epoch)
			if err := store.Save(epoch, graph.Parameters()); err != nil {
				return res, errors.Wrapf(err, "trainer: save checkpoint epoch %d", epoch)
			}
			stat.Checkpointed = true
			klog.Infof("saved checkpoint epoch=%d", epoch)
		}

		res.History = append(res.History, stat)
		res.EndEpoch = epoch + 1
		if cfg.OnEpoch != nil {
			cfg.OnEpoch(stat)
		}
	}

	notify(StateDone, res.EndEpoch)
	return res, nil
}

// runEpoch feeds every batch of one epoch through the graph. The returned
// snapshot's LastLoss is the loss of the final batch.
func runEpoch(ctx context.Context, epoch, batchSize int, hp model.Hyper, graph model.Graph, src BatchSource) (metrics.Snapshot, error) {
	var window metrics.Window
	step := 0
	startData := time.Now()
	for batch, err := range src.Batches(epoch, batchSize) {
		if err != nil {
			return window.Snapshot(), err
		}
		if err := ctx.Err(); err != nil {
			return window.Snapshot(), err
		}
		dataTime := time.Since(startData)

		startCompute := time.Now()
		loss, err := graph.TrainStep(batch, hp)
		if err != nil {
			return window.Snapshot(), &ModelStepError{Epoch: epoch, Step: step, Err: err}
		}
		computeTime := time.Since(startCompute)

		window.Record(batch.Len(), dataTime, computeTime, loss)
		klog.V(2).Infof("epoch=%d step=%d loss=%.4f", epoch, step, loss)
		step++
		startData = time.Now()
	}
	if window.Steps() == 0 {
		return window.Snapshot(), errors.Errorf("trainer: epoch %d produced no batches", epoch)
	}
	return window.Snapshot(), nil
}
