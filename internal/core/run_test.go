package core

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"testing"

	"pretrain-backend/internal/sweep"
	"pretrain-backend/plugin/shared"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeTrainer scripts a training session: the monitored metric follows curve,
// checkpoints are real files so upload and discovery paths can be exercised.
type fakeTrainer struct {
	info    shared.DatasetInfo
	infoErr error

	metricName string
	curve      []float64
	trainErr   error

	evalOut shared.EvaluationOutput
	evalErr error

	setup    *shared.TrainSetup
	epoch    int
	saved    []string
	released bool
}

func (f *fakeTrainer) DatasetInfo() (shared.DatasetInfo, error) {
	if f.infoErr != nil {
		return shared.DatasetInfo{}, f.infoErr
	}
	return f.info, nil
}

func (f *fakeTrainer) Setup(setup shared.TrainSetup) error {
	f.setup = &setup
	return nil
}

func (f *fakeTrainer) TrainEpoch(epoch int) (shared.EpochStats, error) {
	if f.trainErr != nil {
		return shared.EpochStats{}, f.trainErr
	}
	f.epoch = epoch
	return shared.EpochStats{Epoch: epoch, TrainLoss: 1.0 / float64(epoch+1)}, nil
}

func (f *fakeTrainer) Validate() (map[string]float64, error) {
	value := f.curve[min(f.epoch, len(f.curve)-1)]
	return map[string]float64{f.metricName: value}, nil
}

func (f *fakeTrainer) SaveCheckpoint(dir string) (string, error) {
	path := filepath.Join(dir, fmt.Sprintf("epoch=%d-step=%d.ckpt", f.epoch, (f.epoch+1)*100))
	if err := os.WriteFile(path, []byte("checkpoint"), 0644); err != nil {
		return "", err
	}
	f.saved = append(f.saved, path)
	return path, nil
}

func (f *fakeTrainer) Evaluate(checkpointPath string) (shared.EvaluationOutput, error) {
	return f.evalOut, f.evalErr
}

func (f *fakeTrainer) Release() {
	f.released = true
}

func singleTrainerLoader(trainer *fakeTrainer) TrainerLoader {
	return func(cfg sweep.RunConfig) (Trainer, error) {
		return trainer, nil
	}
}

type fakeRunSession struct {
	epochs  map[int]map[string]float64
	state   string
	summary map[string]float64
}

func newFakeRunSession() *fakeRunSession {
	return &fakeRunSession{epochs: make(map[int]map[string]float64)}
}

func (s *fakeRunSession) Id() string { return "fake-run" }

func (s *fakeRunSession) LogEpoch(ctx context.Context, epoch int, metrics map[string]float64) error {
	s.epochs[epoch] = metrics
	return nil
}

func (s *fakeRunSession) Finish(ctx context.Context, state string, summary map[string]float64) error {
	s.state = state
	s.summary = summary
	return nil
}

func maximizeConfig(maxEpochs, patience int) sweep.RunConfig {
	return sweep.RunConfig{
		Params: map[string]any{"lr": 0.001},
		Metric: sweep.Metric{Goal: sweep.GoalMaximize, Name: "AUC_val"},
		ExtraArgs: sweep.ExtraArgs{
			FilenameTrainset: "data/train.hdf5",
			Combinations:     []string{"host_galaxy", "lightcurve"},
			ValFraction:      0.1,
			MaxEpochs:        maxEpochs,
			Patience:         patience,
		},
		Fold: -1,
	}
}

func TestExecuteRunEarlyStopping(t *testing.T) {
	trainer := &fakeTrainer{
		info:       shared.DatasetInfo{NumSamples: 20},
		metricName: "AUC_val",
		curve:      []float64{0.5, 0.6, 0.55, 0.58, 0.59},
	}
	session := newFakeRunSession()

	result, err := ExecuteRun(context.Background(), singleTrainerLoader(trainer), session, maximizeConfig(100, 2), t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, 1, result.BestEpoch)
	assert.Equal(t, 0.6, result.BestMetric)
	assert.Equal(t, 0.6, result.Summary["AUC_val"])
	assert.Equal(t, 0.5, result.Summary["train_loss"])

	// Epochs 2 and 3 exhaust the patience of 2, so epoch 4 never runs.
	assert.Len(t, session.epochs, 4)

	// One checkpoint per improvement, the last one is the best.
	require.Len(t, trainer.saved, 2)
	assert.Equal(t, trainer.saved[1], result.CheckpointPath)
	assert.FileExists(t, result.CheckpointPath)

	assert.True(t, trainer.released)
}

func TestExecuteRunMinimize(t *testing.T) {
	trainer := &fakeTrainer{
		info:       shared.DatasetInfo{NumSamples: 20},
		metricName: "loss_val",
		curve:      []float64{0.5, 0.3, 0.4, 0.2},
	}

	cfg := maximizeConfig(4, 0)
	cfg.Metric = sweep.Metric{Goal: sweep.GoalMinimize, Name: "loss_val"}

	result, err := ExecuteRun(context.Background(), singleTrainerLoader(trainer), newFakeRunSession(), cfg, t.TempDir())
	require.NoError(t, err)

	// Patience 0 disables early stopping, so all four epochs run.
	assert.Equal(t, 3, result.BestEpoch)
	assert.Equal(t, 0.2, result.BestMetric)
	assert.Len(t, trainer.saved, 3)
}

func TestExecuteRunValidationSplit(t *testing.T) {
	t.Run("Holdout", func(t *testing.T) {
		trainer := &fakeTrainer{
			info:       shared.DatasetInfo{NumSamples: 20},
			metricName: "AUC_val",
			curve:      []float64{0.5},
		}

		_, err := ExecuteRun(context.Background(), singleTrainerLoader(trainer), newFakeRunSession(), maximizeConfig(1, 1), t.TempDir())
		require.NoError(t, err)

		require.NotNil(t, trainer.setup)
		assert.Empty(t, trainer.setup.ValIndices)
		assert.Equal(t, 0.1, trainer.setup.ValFraction)
	})

	t.Run("Fold", func(t *testing.T) {
		trainer := &fakeTrainer{
			info:       shared.DatasetInfo{NumSamples: 9},
			metricName: "AUC_val",
			curve:      []float64{0.5},
		}

		cfg := maximizeConfig(1, 1)
		cfg.ExtraArgs.Kfolds = 3
		cfg.Fold = 1

		_, err := ExecuteRun(context.Background(), singleTrainerLoader(trainer), newFakeRunSession(), cfg, t.TempDir())
		require.NoError(t, err)

		require.NotNil(t, trainer.setup)
		assert.Len(t, trainer.setup.ValIndices, 3)
		assert.Equal(t, 0.0, trainer.setup.ValFraction)
		for _, idx := range trainer.setup.ValIndices {
			assert.GreaterOrEqual(t, idx, 0)
			assert.Less(t, idx, 9)
		}
	})

	t.Run("StratifiedFold", func(t *testing.T) {
		labels := []string{"Ia", "Ia", "Ia", "II", "II", "II", "Ibc", "Ibc", "Ibc"}
		trainer := &fakeTrainer{
			info:       shared.DatasetInfo{NumSamples: 9, Labels: labels},
			metricName: "AUC_val",
			curve:      []float64{0.5},
		}

		cfg := maximizeConfig(1, 1)
		cfg.ExtraArgs.Kfolds = 3
		cfg.ExtraArgs.Classification = true
		cfg.Fold = 0

		_, err := ExecuteRun(context.Background(), singleTrainerLoader(trainer), newFakeRunSession(), cfg, t.TempDir())
		require.NoError(t, err)

		// One sample of each class held out.
		require.Len(t, trainer.setup.ValIndices, 3)
		seen := make(map[string]int)
		for _, idx := range trainer.setup.ValIndices {
			seen[labels[idx]]++
		}
		assert.Len(t, seen, 3)
	})
}

func TestExecuteRunDataError(t *testing.T) {
	trainer := &fakeTrainer{infoErr: errors.New("file not found: data/train.hdf5")}

	_, err := ExecuteRun(context.Background(), singleTrainerLoader(trainer), newFakeRunSession(), maximizeConfig(1, 1), t.TempDir())
	assert.ErrorIs(t, err, ErrData)
	assert.True(t, trainer.released)
}

func TestExecuteRunTrainError(t *testing.T) {
	trainer := &fakeTrainer{
		info:       shared.DatasetInfo{NumSamples: 20},
		metricName: "AUC_val",
		trainErr:   errors.New("cuda out of memory"),
	}

	_, err := ExecuteRun(context.Background(), singleTrainerLoader(trainer), newFakeRunSession(), maximizeConfig(5, 2), t.TempDir())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "error training epoch 0")
}

func TestExecuteRunMissingMetric(t *testing.T) {
	trainer := &fakeTrainer{
		info:       shared.DatasetInfo{NumSamples: 20},
		metricName: "loss_val",
		curve:      []float64{0.5},
	}

	_, err := ExecuteRun(context.Background(), singleTrainerLoader(trainer), newFakeRunSession(), maximizeConfig(5, 2), t.TempDir())
	require.Error(t, err)
	assert.Contains(t, err.Error(), `monitored metric "AUC_val"`)
}

func TestExecuteRunMetricAlwaysNaN(t *testing.T) {
	trainer := &fakeTrainer{
		info:       shared.DatasetInfo{NumSamples: 20},
		metricName: "AUC_val",
		curve:      []float64{math.NaN(), math.NaN(), math.NaN()},
	}

	_, err := ExecuteRun(context.Background(), singleTrainerLoader(trainer), newFakeRunSession(), maximizeConfig(3, 0), t.TempDir())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "never produced a value")
}

func TestExecuteRunCancelled(t *testing.T) {
	trainer := &fakeTrainer{
		info:       shared.DatasetInfo{NumSamples: 20},
		metricName: "AUC_val",
		curve:      []float64{0.5},
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := ExecuteRun(ctx, singleTrainerLoader(trainer), newFakeRunSession(), maximizeConfig(10, 2), t.TempDir())
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, trainer.saved)
}
