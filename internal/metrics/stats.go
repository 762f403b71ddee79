package metrics

import "time"

// Window accumulates timing stats across the steps of one epoch.
type Window struct {
	samples  int
	data     time.Duration
	compute  time.Duration
	steps    int
	lastLoss float64
}

// Record adds a new measurement to the window.
func (w *Window) Record(batchSize int, dataTime, computeTime time.Duration, loss float64) {
	w.samples += batchSize
	w.data += dataTime
	w.compute += computeTime
	w.steps++
	w.lastLoss = loss
}

// Steps returns how many steps were recorded since the last snapshot.
func (w *Window) Steps() int { return w.steps }

// Snapshot returns aggregated metrics and resets the window.
func (w *Window) Snapshot() Snapshot {
	snap := Snapshot{Steps: w.steps, Examples: w.samples}
	total := w.data + w.compute
	snap.Duration = total
	if total > 0 {
		snap.ImagesPerSec = float64(w.samples) / total.Seconds()
	}
	if w.steps > 0 {
		snap.AvgDataMS = (w.data.Seconds() * 1000) / float64(w.steps)
		snap.AvgComputeMS = (w.compute.Seconds() * 1000) / float64(w.steps)
	}
	snap.LastLoss = w.lastLoss

	w.samples = 0
	w.data = 0
	w.compute = 0
	w.steps = 0
	w.lastLoss = 0
	return snap
}

// Snapshot represents loggable metrics.
type Snapshot struct {
	Steps        int
	Examples     int
	Duration     time.Duration
	ImagesPerSec float64
	AvgDataMS    float64
	AvgComputeMS float64
	LastLoss     float64
}

// EpochStat summarises one completed epoch. Loss is the loss of the last
// batch of the epoch, not an average.
type EpochStat struct {
	Epoch        int           `json:"epoch"`
	Loss         float64       `json:"loss"`
	Steps        int           `json:"steps"`
	Examples     int           `json:"examples"`
	Duration     time.Duration `json:"duration_ns"`
	ImagesPerSec float64       `json:"images_per_sec"`
	Checkpointed bool          `json:"checkpointed"`
}

// NewEpochStat builds an EpochStat from a window snapshot.
func NewEpochStat(epoch int, snap Snapshot) EpochStat {
	return EpochStat{
		Epoch:        epoch,
		Loss:         snap.LastLoss,
		Steps:        snap.Steps,
		Examples:     snap.Examples,
		Duration:     snap.Duration,
		ImagesPerSec: snap.ImagesPerSec,
	}
}
