package core

import (
	"encoding/json"
	"errors"
	"fmt"

	"pretrain-backend/internal/core/python"
	"pretrain-backend/internal/sweep"
	"pretrain-backend/plugin/shared"
)

// ErrData marks a run that failed because its dataset is missing or
// unreadable. It is distinguished from ordinary run failures so sweeps over a
// bad dataset path report the cause instead of a wall of identical failures.
var ErrData = errors.New("dataset missing or unreadable")

// Trainer is one training session. A session is bound to a single run config
// and holds model and optimizer state between calls; Release must be called
// when the session is done.
type Trainer interface {
	DatasetInfo() (shared.DatasetInfo, error)

	Setup(setup shared.TrainSetup) error

	TrainEpoch(epoch int) (shared.EpochStats, error)

	Validate() (map[string]float64, error)

	SaveCheckpoint(dir string) (string, error)

	Evaluate(checkpointPath string) (shared.EvaluationOutput, error)

	Release()
}

// TrainerLoader starts a training session for the given run config.
type TrainerLoader func(cfg sweep.RunConfig) (Trainer, error)

func NewPythonTrainerLoader(pythonExecutable, pluginScript string) TrainerLoader {
	return func(cfg sweep.RunConfig) (Trainer, error) {
		cfgJSON, err := json.Marshal(cfg)
		if err != nil {
			return nil, fmt.Errorf("error serializing run config: %w", err)
		}

		return python.LoadPythonTrainer(pythonExecutable, pluginScript, string(cfgJSON))
	}
}
