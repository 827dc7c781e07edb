// Command faultlens-train trains the diagnostic sequence autoencoder on a
// synthetic dataset. Flags and an optional JSON config file resolve into the
// training parameters before the core loop runs.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/faultlens/faultlens/checkpoints"
	"github.com/faultlens/faultlens/data"
	"github.com/faultlens/faultlens/model"
	"github.com/faultlens/faultlens/monitor"
	"github.com/faultlens/faultlens/optimizer"
	"github.com/faultlens/faultlens/training"
)

type runConfig struct {
	Channels   int   `json:"channels"`
	Timesteps  int   `json:"timesteps"`
	BatchSize  int   `json:"batch_size"`
	Actions    int   `json:"actions"`
	BatchCount int   `json:"batch_count"`
	LatentDims int   `json:"latent_dims"`
	Seed       int64 `json:"seed"`

	Epochs           int     `json:"epochs"`
	LearnRate        float64 `json:"learn_rate"`
	MonteCarloReps   int     `json:"monte_carlo_reps"`
	ReconLossFactor  float64 `json:"recon_loss_factor"`
	ActionLossFactor float64 `json:"action_loss_factor"`
	Strict           bool    `json:"strict"`

	CheckpointDir string `json:"checkpoint_dir"`
	TrainLog      string `json:"train_log"`
	ValidationLog string `json:"validation_log"`
	MetricsDB     string `json:"metrics_db"`
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "faultlens-train: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg := runConfig{
		Channels:         8,
		Timesteps:        16,
		BatchSize:        4,
		Actions:          4,
		BatchCount:       50,
		LatentDims:       4,
		Epochs:           10,
		LearnRate:        1e-3,
		MonteCarloReps:   3,
		ReconLossFactor:  1.0,
		ActionLossFactor: 1.0,
		CheckpointDir:    "checkpoints",
		TrainLog:         "training.csv",
		ValidationLog:    "validation.csv",
	}

	configPath := flag.String("config", "", "JSON config file; flags override it")
	flag.IntVar(&cfg.Channels, "channels", cfg.Channels, "error vector feature count")
	flag.IntVar(&cfg.Timesteps, "timesteps", cfg.Timesteps, "sequence length per sample")
	flag.IntVar(&cfg.BatchSize, "batch-size", cfg.BatchSize, "samples per batch")
	flag.IntVar(&cfg.Actions, "actions", cfg.Actions, "action label count")
	flag.IntVar(&cfg.BatchCount, "batches", cfg.BatchCount, "synthetic batch count")
	flag.IntVar(&cfg.LatentDims, "latent", cfg.LatentDims, "latent variable count")
	flag.Int64Var(&cfg.Seed, "seed", cfg.Seed, "random seed")
	flag.IntVar(&cfg.Epochs, "epochs", cfg.Epochs, "epoch count")
	flag.Float64Var(&cfg.LearnRate, "lr", cfg.LearnRate, "learning rate")
	flag.IntVar(&cfg.MonteCarloReps, "mc-reps", cfg.MonteCarloReps, "monte carlo samples per batch")
	flag.BoolVar(&cfg.Strict, "strict", cfg.Strict, "enable strict finiteness checks")
	flag.StringVar(&cfg.CheckpointDir, "checkpoint-dir", cfg.CheckpointDir, "checkpoint directory")
	flag.StringVar(&cfg.TrainLog, "train-log", cfg.TrainLog, "training CSV log path")
	flag.StringVar(&cfg.ValidationLog, "validation-log", cfg.ValidationLog, "validation CSV log path")
	flag.StringVar(&cfg.MetricsDB, "metrics-db", cfg.MetricsDB, "optional SQLite metrics database path")
	flag.Parse()

	if *configPath != "" {
		if err := loadConfig(*configPath, &cfg); err != nil {
			return err
		}
		// Re-apply flags so they win over the config file.
		flag.Parse()
	}

	batches, err := data.Synthetic(data.SyntheticConfig{
		Channels:   cfg.Channels,
		Timesteps:  cfg.Timesteps,
		BatchSize:  cfg.BatchSize,
		Actions:    cfg.Actions,
		BatchCount: cfg.BatchCount,
		Seed:       cfg.Seed,
	})
	if err != nil {
		return err
	}
	train, validation, err := data.Split(batches, 0.8, cfg.Seed)
	if err != nil {
		return err
	}

	m, err := model.New(model.DefaultConfig(cfg.Channels, cfg.Actions, cfg.LatentDims))
	if err != nil {
		return err
	}

	params := training.DefaultParams()
	params.EpochCount = cfg.Epochs
	params.LearnRate = cfg.LearnRate
	params.MonteCarloReps = cfg.MonteCarloReps
	params.ReconLossFactor = cfg.ReconLossFactor
	params.ActionLossFactor = cfg.ActionLossFactor
	params.Strict = cfg.Strict
	params.Seed = cfg.Seed
	if err := params.Validate(); err != nil {
		return err
	}

	saver, err := checkpoints.NewSaver(cfg.CheckpointDir, checkpoints.FormatGob)
	if err != nil {
		return err
	}

	console := monitor.NewConsole()
	trainSinks := []monitor.Sink{console, monitor.NewCSVRecorder(cfg.TrainLog)}
	validationSinks := []monitor.Sink{monitor.NewCSVRecorder(cfg.ValidationLog)}

	if cfg.MetricsDB != "" {
		trainDB := monitor.NewSQLiteRecorder(cfg.MetricsDB, "train")
		if err := trainDB.Init(context.Background()); err != nil {
			return fmt.Errorf("failed to open metrics database: %v", err)
		}
		defer trainDB.Close()
		trainSinks = append(trainSinks, trainDB)
	}

	updater := training.NewUpdater(optimizer.NewAdam(optimizer.DefaultAdamConfig()))
	loop, err := training.NewLoop(m, training.NewEvaluator(), updater, params,
		train, validation, training.LoopConfig{
			Checkpoints:     saver,
			TrainSinks:      trainSinks,
			ValidationSinks: validationSinks,
		})
	if err != nil {
		return err
	}

	// The stop signal is polled at epoch and iteration boundaries; an
	// in-flight evaluate+update always completes.
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigs
		loop.RequestStop()
	}()

	return loop.Run()
}

func loadConfig(path string, cfg *runConfig) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config %s: %v", path, err)
	}
	if err := json.Unmarshal(raw, cfg); err != nil {
		return fmt.Errorf("failed to parse config %s: %v", path, err)
	}
	return nil
}
