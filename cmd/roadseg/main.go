package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"roadseg/internal/checkpoint"
	"roadseg/internal/config"
	"roadseg/internal/dataset"
	"roadseg/internal/export"
	"roadseg/internal/metrics"
	"roadseg/internal/model"
	"roadseg/internal/status"
	"roadseg/internal/trainer"
)

func main() {
	klog.InitFlags(nil)
	cfgPath := flag.String("config", "configs/roadseg.yaml", "Path to YAML config")
	dataDir := flag.String("data-dir", "", "Override dataset directory")
	runsDir := flag.String("runs-dir", "", "Override output directory for inference samples")
	ckptDir := flag.String("checkpoint-dir", "", "Override checkpoint directory")
	noCkpt := flag.Bool("no-checkpoints", false, "Disable checkpoint restore and save")
	epochs := flag.Int("epochs", 0, "Number of epochs to run in this invocation")
	batchSize := flag.Int("batch-size", 0, "Batch size")
	keepProb := flag.Float64("keep-prob", 0, "Dropout keep probability")
	lr := flag.Float64("learning-rate", 0, "Adam learning rate")
	seed := flag.Int64("seed", 0, "PRNG seed")
	statusAddr := flag.String("status-addr", "", "Serve training status on this address")
	noExport := flag.Bool("no-export", false, "Skip inference samples and loss plot")
	flag.Parse()
	defer klog.Flush()

	cfg, err := config.LoadOrDefault(*cfgPath)
	if err != nil {
		fatal(errors.Wrap(err, "load config"))
	}
	cfg.ApplyOverrides(config.Overrides{
		DataDir:       *dataDir,
		RunsDir:       *runsDir,
		CheckpointDir: *ckptDir,
		Epochs:        *epochs,
		BatchSize:     *batchSize,
		KeepProb:      *keepProb,
		LearningRate:  *lr,
		Seed:          *seed,
		StatusAddr:    *statusAddr,
		NoCheckpoints: *noCkpt,
		NoExport:      *noExport,
	})
	if err := cfg.Validate(); err != nil {
		fatal(errors.Wrap(err, "invalid config"))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		stop()
		fatal(err)
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	pairs, err := dataset.Enumerate(cfg.TrainingRoot())
	if err != nil {
		return err
	}
	klog.Infof("dataset root=%s pairs=%d image=%dx%d", cfg.TrainingRoot(), len(pairs), cfg.ImageWidth, cfg.ImageHeight)
	src := dataset.NewSource(pairs, cfg.ImageWidth, cfg.ImageHeight, cfg.Seed)
	net := model.NewPixelNet(cfg.Seed)

	// A nil *checkpoint.Store must not reach trainer.Run as a non-nil
	// interface.
	var store trainer.Store
	var lister status.Lister
	if cfg.CheckpointDir != "" {
		s := checkpoint.Open(cfg.CheckpointDir, cfg.CheckpointRetain)
		klog.Infof("checkpoints dir=%s retain=%d run_id=%s", s.Dir(), cfg.CheckpointRetain, s.RunID())
		store, lister = s, s
	} else {
		klog.Infof("checkpointing disabled")
	}

	runCfg := trainer.RunConfig{
		Epochs:       cfg.Epochs,
		BatchSize:    cfg.BatchSize,
		KeepProb:     cfg.KeepProb,
		LearningRate: cfg.LearningRate,
	}

	if cfg.StatusAddr != "" {
		srv := status.New(lister)
		runCfg.OnState = srv.OnState
		runCfg.OnEpoch = srv.OnEpoch
		srvCtx, cancel := context.WithCancel(ctx)
		defer cancel()
		go func() {
			if err := srv.ListenAndServe(srvCtx, cfg.StatusAddr); err != nil {
				klog.Errorf("status server: %v", err)
			}
		}()
	}

	res, err := trainer.Run(ctx, runCfg, net, src, store)
	if err != nil {
		return err
	}
	klog.Infof("training finished epochs=%d..%d steps=%d restored=%t", res.StartEpoch, res.EndEpoch-1, res.Steps, res.Restored)

	if !cfg.ExportSamples {
		return nil
	}
	return exportRun(cfg, net, res.History)
}

func exportRun(cfg *config.Config, p model.Predictor, history []metrics.EpochStat) error {
	dir, err := export.SaveInferenceSamples(cfg.RunsDir, cfg.TestingRoot(), p, cfg.ImageWidth, cfg.ImageHeight, time.Now())
	if err != nil {
		return errors.Wrap(err, "export inference samples")
	}
	plotPath := filepath.Join(dir, "loss.svg")
	if err := export.PlotLoss(plotPath, history); err != nil {
		return errors.Wrap(err, "plot loss")
	}
	klog.Infof("exported samples=%s plot=%s", dir, plotPath)
	return nil
}

func fatal(err error) {
	klog.Errorf("%+v", err)
	klog.Flush()
	os.Exit(1)
}
