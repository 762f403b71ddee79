package trainer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"roadseg/internal/checkpoint"
	"roadseg/internal/dataset"
	"roadseg/internal/metrics"
	"roadseg/internal/model"
)

// countingGraph wraps a Graph and counts calls.
type countingGraph struct {
	model.Graph
	inits, steps, restores int
	failAt                 int
	losses                 []float64
}

func (g *countingGraph) Initialize() error {
	g.inits++
	return g.Graph.Initialize()
}

func (g *countingGraph) Restore(p model.Parameters) error {
	g.restores++
	return g.Graph.Restore(p)
}

func (g *countingGraph) TrainStep(b model.Batch, hp model.Hyper) (float64, error) {
	g.steps++
	if g.failAt > 0 && g.steps == g.failAt {
		return 0, errStep
	}
	loss, err := g.Graph.TrainStep(b, hp)
	if g.losses != nil {
		loss = g.losses[(g.steps-1)%len(g.losses)]
	}
	return loss, err
}

var errStep = errors.New("step exploded")

// recordingStore wraps a Store and records saved epochs.
type recordingStore struct {
	Store
	saved   []int
	saveErr error
}

func (s *recordingStore) Save(epoch int, params model.Parameters) error {
	if s.saveErr != nil {
		return s.saveErr
	}
	s.saved = append(s.saved, epoch)
	return s.Store.Save(epoch, params)
}

func syntheticLoad(p dataset.Pair, width, height int) (dataset.Example, error) {
	var idx int
	if _, err := fmt.Sscanf(p.Key, "um_%d", &idx); err != nil {
		return dataset.Example{}, err
	}
	img := model.NewTensor("image", height, width, model.InChannels)
	lbl := model.NewTensor("label", height, width, model.NumClasses)
	for px := 0; px < width*height; px++ {
		road := (px+idx)%3 == 0
		v := float32(0.2)
		if road {
			v = 0.8
		}
		for c := 0; c < model.InChannels; c++ {
			img.Data[px*model.InChannels+c] = v + float32(c)*0.05
		}
		if road {
			lbl.Data[px*model.NumClasses+1] = 1
		} else {
			lbl.Data[px*model.NumClasses] = 1
		}
	}
	return dataset.Example{Key: p.Key, Image: img, Label: lbl}, nil
}

func syntheticSource(n int) *dataset.Source {
	pairs := make([]dataset.Pair, n)
	for i := range pairs {
		pairs[i] = dataset.Pair{Key: fmt.Sprintf("um_%06d", i)}
	}
	return dataset.NewSource(pairs, 4, 2, 11).WithLoader(syntheticLoad)
}

func baseConfig(epochs, batchSize int) RunConfig {
	return RunConfig{Epochs: epochs, BatchSize: batchSize, KeepProb: 0.2, LearningRate: 0.001}
}

func TestRunToyEndToEnd(t *testing.T) {
	root := t.TempDir()
	for i := 0; i < 4; i++ {
		writePNG(t, filepath.Join(root, "image_2", fmt.Sprintf("um_%06d.png", i)), fill(8, 4, color.RGBA{R: 90, G: 90, B: 90, A: 255}))
		writePNG(t, filepath.Join(root, "gt_image_2", fmt.Sprintf("um_road_%06d.png", i)), fill(8, 4, dataset.BackgroundColor))
	}
	before := listTree(t, root)

	pairs, err := dataset.Enumerate(root)
	if err != nil {
		t.Fatalf("Enumerate: %v", err)
	}
	graph := &countingGraph{Graph: model.NewPixelNet(1)}
	res, err := Run(context.Background(), baseConfig(1, 2), graph, dataset.NewSource(pairs, 8, 4, 1), nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if graph.steps != 2 || res.Steps != 2 {
		t.Fatalf("expected 2 training steps, graph=%d result=%d", graph.steps, res.Steps)
	}
	if res.StartEpoch != 0 || res.EndEpoch != 1 || res.Restored {
		t.Fatalf("unexpected result %+v", res)
	}
	if len(res.History) != 1 || res.History[0].Checkpointed {
		t.Fatalf("unexpected history %+v", res.History)
	}
	if after := listTree(t, root); !reflect.DeepEqual(before, after) {
		t.Fatalf("run touched the filesystem: before=%v after=%v", before, after)
	}
}

func TestRunResumesAfterLatestCheckpoint(t *testing.T) {
	dir := t.TempDir()
	seed := checkpoint.Open(dir, 10)
	if err := seed.Save(4, model.NewPixelNet(9).Parameters()); err != nil {
		t.Fatalf("Save: %v", err)
	}

	graph := &countingGraph{Graph: model.NewPixelNet(1)}
	store := &recordingStore{Store: checkpoint.Open(dir, 10)}
	res, err := Run(context.Background(), baseConfig(16, 4), graph, syntheticSource(4), store)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !res.Restored || res.StartEpoch != 5 || res.EndEpoch != 21 {
		t.Fatalf("unexpected result %+v", res)
	}
	if graph.restores != 1 {
		t.Fatalf("expected one restore, got %d", graph.restores)
	}
	want := make([]int, 0, 16)
	for e := 5; e <= 20; e++ {
		want = append(want, e)
	}
	if !reflect.DeepEqual(store.saved, want) {
		t.Fatalf("saved epochs %v want %v", store.saved, want)
	}
	latest, ok, err := checkpoint.Open(dir, 10).FindLatest()
	if err != nil || !ok || latest.Epoch != 20 {
		t.Fatalf("latest=%d ok=%v err=%v", latest.Epoch, ok, err)
	}
}

func TestRunEmptyCheckpointDirStartsFresh(t *testing.T) {
	dir := t.TempDir()
	graph := &countingGraph{Graph: model.NewPixelNet(1)}
	res, err := Run(context.Background(), baseConfig(2, 2), graph, syntheticSource(4), checkpoint.Open(dir, 10))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Restored || res.StartEpoch != 0 || res.EndEpoch != 2 {
		t.Fatalf("unexpected result %+v", res)
	}
	if graph.inits != 1 || graph.restores != 0 {
		t.Fatalf("inits=%d restores=%d", graph.inits, graph.restores)
	}
	entries, err := checkpoint.Open(dir, 10).List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(entries) != 2 || entries[0].Epoch != 0 || entries[1].Epoch != 1 {
		t.Fatalf("unexpected entries %+v", entries)
	}
}

func TestRunCreatesMissingCheckpointDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "checkpoints")
	if _, err := Run(context.Background(), baseConfig(1, 4), model.NewPixelNet(1), syntheticSource(4), checkpoint.Open(dir, 10)); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, checkpoint.FileName(0))); err != nil {
		t.Fatalf("expected epoch 0 checkpoint: %v", err)
	}
}

func TestRunReportsLastBatchLoss(t *testing.T) {
	graph := &countingGraph{Graph: model.NewPixelNet(1), losses: []float64{3, 1, 2}}
	res, err := Run(context.Background(), baseConfig(2, 1), graph, syntheticSource(3), nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	for _, stat := range res.History {
		if stat.Loss != 2 {
			t.Fatalf("epoch %d loss=%v want last batch loss 2", stat.Epoch, stat.Loss)
		}
		if stat.Steps != 3 {
			t.Fatalf("epoch %d steps=%d want 3", stat.Epoch, stat.Steps)
		}
	}
}

func TestRunStepErrorIsFatal(t *testing.T) {
	graph := &countingGraph{Graph: model.NewPixelNet(1), failAt: 3}
	store := &recordingStore{Store: checkpoint.Open(t.TempDir(), 10)}
	res, err := Run(context.Background(), baseConfig(3, 1), graph, syntheticSource(4), store)

	var stepErr *ModelStepError
	if !errors.As(err, &stepErr) {
		t.Fatalf("expected ModelStepError, got %v", err)
	}
	if !errors.Is(err, errStep) {
		t.Fatalf("ModelStepError does not wrap the cause: %v", err)
	}
	if stepErr.Epoch != 0 || stepErr.Step != 2 {
		t.Fatalf("unexpected failure location epoch=%d step=%d", stepErr.Epoch, stepErr.Step)
	}
	if graph.steps != 3 {
		t.Fatalf("expected no retry after failure, got %d steps", graph.steps)
	}
	if len(store.saved) != 0 || len(res.History) != 0 {
		t.Fatalf("failed epoch must not be checkpointed: saved=%v history=%v", store.saved, res.History)
	}
}

func TestRunSaveErrorIsFatal(t *testing.T) {
	saveErr := errors.New("disk full")
	store := &recordingStore{Store: checkpoint.Open(t.TempDir(), 10), saveErr: saveErr}
	graph := &countingGraph{Graph: model.NewPixelNet(1)}
	res, err := Run(context.Background(), baseConfig(3, 2), graph, syntheticSource(4), store)
	if !errors.Is(err, saveErr) {
		t.Fatalf("expected save error, got %v", err)
	}
	if graph.steps != 2 {
		t.Fatalf("expected the run to stop after epoch 0, got %d steps", graph.steps)
	}
	if res.EndEpoch != 0 {
		t.Fatalf("epoch 0 must not count as completed, EndEpoch=%d", res.EndEpoch)
	}
}

func TestRunDataLoadErrorIsFatal(t *testing.T) {
	pairs := []dataset.Pair{{Key: "um_000000", ImagePath: filepath.Join(t.TempDir(), "missing.png")}}
	graph := &countingGraph{Graph: model.NewPixelNet(1)}
	_, err := Run(context.Background(), baseConfig(1, 1), graph, dataset.NewSource(pairs, 2, 2, 1), nil)
	var loadErr *dataset.DataLoadError
	if !errors.As(err, &loadErr) {
		t.Fatalf("expected DataLoadError, got %v", err)
	}
	if graph.steps != 0 {
		t.Fatalf("expected no training steps, got %d", graph.steps)
	}
}

func TestRunCorruptCheckpointIsFatal(t *testing.T) {
	dir := t.TempDir()
	manifest := map[string]any{
		"version":     1,
		"checkpoints": []map[string]any{{"epoch": 3, "file": "checkpoint-x3.ckpt"}},
	}
	data, err := json.Marshal(manifest)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, checkpoint.ManifestName), data, 0o644); err != nil {
		t.Fatalf("write manifest: %v", err)
	}

	graph := &countingGraph{Graph: model.NewPixelNet(1)}
	_, err = Run(context.Background(), baseConfig(1, 1), graph, syntheticSource(2), checkpoint.Open(dir, 10))
	var corrupt *checkpoint.CorruptCheckpointError
	if !errors.As(err, &corrupt) {
		t.Fatalf("expected CorruptCheckpointError, got %v", err)
	}
	if graph.steps != 0 {
		t.Fatalf("expected no training, got %d steps", graph.steps)
	}
}

func TestRunResumeMatchesUninterrupted(t *testing.T) {
	src := syntheticSource(6)
	cfg := baseConfig(6, 2)

	full := model.NewPixelNet(5)
	if _, err := Run(context.Background(), cfg, full, src, checkpoint.Open(t.TempDir(), 10)); err != nil {
		t.Fatalf("uninterrupted run: %v", err)
	}

	dir := t.TempDir()
	cfg.Epochs = 3
	if _, err := Run(context.Background(), cfg, model.NewPixelNet(5), src, checkpoint.Open(dir, 10)); err != nil {
		t.Fatalf("first half: %v", err)
	}
	resumed := model.NewPixelNet(5)
	res, err := Run(context.Background(), cfg, resumed, src, checkpoint.Open(dir, 10))
	if err != nil {
		t.Fatalf("second half: %v", err)
	}
	if res.StartEpoch != 3 || res.EndEpoch != 6 {
		t.Fatalf("unexpected resumed range %+v", res)
	}

	want, got := full.Parameters(), resumed.Parameters()
	if !reflect.DeepEqual(want, got) {
		t.Fatalf("resumed parameters differ from uninterrupted run:\n got %v\nwant %v", got, want)
	}
}

func TestRunStateTransitions(t *testing.T) {
	type transition struct {
		state State
		epoch int
	}
	var got []transition
	var epochs []metrics.EpochStat
	cfg := baseConfig(2, 4)
	cfg.OnState = func(s State, epoch int) { got = append(got, transition{s, epoch}) }
	cfg.OnEpoch = func(stat metrics.EpochStat) { epochs = append(epochs, stat) }

	if _, err := Run(context.Background(), cfg, model.NewPixelNet(1), syntheticSource(4), checkpoint.Open(t.TempDir(), 10)); err != nil {
		t.Fatalf("Run: %v", err)
	}
	want := []transition{
		{StateInit, 0},
		{StateRestoring, 0},
		{StateEpoch, 0},
		{StateCheckpointing, 0},
		{StateEpoch, 1},
		{StateCheckpointing, 1},
		{StateDone, 2},
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("transitions %v want %v", got, want)
	}
	if len(epochs) != 2 || !epochs[0].Checkpointed || epochs[1].Epoch != 1 {
		t.Fatalf("unexpected epoch stats %+v", epochs)
	}
}

func TestRunTypedNilStoreDisablesCheckpointing(t *testing.T) {
	var store *checkpoint.Store
	res, err := Run(context.Background(), baseConfig(1, 2), model.NewPixelNet(1), syntheticSource(2), store)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.History[0].Checkpointed {
		t.Fatal("typed nil store must not checkpoint")
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	graph := &countingGraph{Graph: model.NewPixelNet(1)}
	_, err := Run(ctx, baseConfig(1, 1), graph, syntheticSource(2), nil)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if graph.steps != 0 {
		t.Fatalf("expected no steps after cancel, got %d", graph.steps)
	}
}

func TestRunRejectsBadConfig(t *testing.T) {
	for _, cfg := range []RunConfig{baseConfig(0, 1), baseConfig(1, 0)} {
		if _, err := Run(context.Background(), cfg, model.NewPixelNet(1), syntheticSource(1), nil); err == nil {
			t.Fatalf("expected error for %+v", cfg)
		}
	}
}

func fill(w, h int, c color.RGBA) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetRGBA(x, y, c)
		}
	}
	return img
}

func writePNG(t *testing.T, path string, img image.Image) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	defer f.Close()
	if err := png.Encode(f, img); err != nil {
		t.Fatalf("encode: %v", err)
	}
}

func listTree(t *testing.T, root string) []string {
	t.Helper()
	var out []string
	err := filepath.Walk(root, func(path string, _ os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		out = append(out, path)
		return nil
	})
	if err != nil {
		t.Fatalf("walk: %v", err)
	}
	return out
}
