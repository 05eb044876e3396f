package core

import (
	"context"
	"fmt"
	"log/slog"
	"math"

	"pretrain-backend/internal/folds"
	"pretrain-backend/internal/sweep"
	"pretrain-backend/internal/tracker"
	"pretrain-backend/plugin/shared"
)

// RunResult summarizes a finished training run. Summary holds the validation
// metrics observed at the best epoch plus the training loss of that epoch.
type RunResult struct {
	BestMetric     float64
	BestEpoch      int
	Summary        map[string]float64
	CheckpointPath string
}

// ExecuteRun drives one training session: bind the validation split, then
// train epoch by epoch until max_epochs or until the monitored metric stops
// improving for patience epochs. A checkpoint is saved on every improvement,
// so the reported checkpoint is always the best one.
func ExecuteRun(ctx context.Context, loader TrainerLoader, session tracker.RunSession, cfg sweep.RunConfig, runDir string) (RunResult, error) {
	trainer, err := loader(cfg)
	if err != nil {
		return RunResult{}, fmt.Errorf("error starting trainer: %w", err)
	}
	defer trainer.Release()

	info, err := trainer.DatasetInfo()
	if err != nil {
		return RunResult{}, fmt.Errorf("%w: %v", ErrData, err)
	}

	setup, err := buildTrainSetup(cfg, info)
	if err != nil {
		return RunResult{}, err
	}

	if err := trainer.Setup(setup); err != nil {
		return RunResult{}, fmt.Errorf("error binding validation split: %w", err)
	}

	var (
		best           = math.NaN()
		bestEpoch      = -1
		summary        map[string]float64
		checkpointPath string
		sinceImproved  = 0
	)

	for epoch := 0; epoch < cfg.ExtraArgs.MaxEpochs; epoch++ {
		if err := ctx.Err(); err != nil {
			return RunResult{}, err
		}

		stats, err := trainer.TrainEpoch(epoch)
		if err != nil {
			return RunResult{}, fmt.Errorf("error training epoch %d: %w", epoch, err)
		}

		metrics, err := trainer.Validate()
		if err != nil {
			return RunResult{}, fmt.Errorf("error validating epoch %d: %w", epoch, err)
		}
		if _, ok := metrics["train_loss"]; !ok {
			metrics["train_loss"] = stats.TrainLoss
		}

		monitored, ok := metrics[cfg.Metric.Name]
		if !ok {
			return RunResult{}, fmt.Errorf("trainer did not report monitored metric %q", cfg.Metric.Name)
		}

		if err := session.LogEpoch(ctx, epoch, metrics); err != nil {
			slog.Error("error logging epoch to tracker", "epoch", epoch, "error", err)
		}

		improved := !math.IsNaN(monitored) && (bestEpoch < 0 || cfg.Metric.Improved(monitored, best))
		if improved {
			path, err := trainer.SaveCheckpoint(runDir)
			if err != nil {
				return RunResult{}, fmt.Errorf("error saving checkpoint at epoch %d: %w", epoch, err)
			}

			best = monitored
			bestEpoch = epoch
			summary = metrics
			checkpointPath = path
			sinceImproved = 0
		} else {
			sinceImproved++
			if cfg.ExtraArgs.Patience > 0 && sinceImproved >= cfg.ExtraArgs.Patience {
				slog.Info("early stopping", "epoch", epoch, "best_epoch", bestEpoch, "metric", cfg.Metric.Name, "best", best)
				break
			}
		}
	}

	if bestEpoch < 0 {
		return RunResult{}, fmt.Errorf("monitored metric %q never produced a value", cfg.Metric.Name)
	}

	return RunResult{
		BestMetric:     best,
		BestEpoch:      bestEpoch,
		Summary:        summary,
		CheckpointPath: checkpointPath,
	}, nil
}

// buildTrainSetup picks the validation split. Cross-validating runs receive
// the explicit index set of their fold; plain runs delegate a random holdout
// of val_fraction to the trainer.
func buildTrainSetup(cfg sweep.RunConfig, info shared.DatasetInfo) (shared.TrainSetup, error) {
	if cfg.Fold < 0 {
		return shared.TrainSetup{ValFraction: cfg.ExtraArgs.ValFraction, Seed: cfg.ExtraArgs.Seed}, nil
	}

	k := cfg.ExtraArgs.Kfolds

	var (
		foldSets [][]int
		err      error
	)
	if cfg.ExtraArgs.Classification && len(info.Labels) == info.NumSamples {
		foldSets, err = folds.Stratified(info.Labels, k, cfg.ExtraArgs.Seed)
	} else {
		foldSets, err = folds.Split(info.NumSamples, k, cfg.ExtraArgs.Seed)
	}
	if err != nil {
		return shared.TrainSetup{}, fmt.Errorf("error building folds: %w", err)
	}

	_, val, err := folds.TrainVal(foldSets, cfg.Fold)
	if err != nil {
		return shared.TrainSetup{}, fmt.Errorf("error selecting fold %d: %w", cfg.Fold, err)
	}

	return shared.TrainSetup{ValIndices: val, Seed: cfg.ExtraArgs.Seed}, nil
}
