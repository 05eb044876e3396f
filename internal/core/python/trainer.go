package python

import (
	"fmt"
	"os/exec"
	"pretrain-backend/plugin/shared"

	"github.com/hashicorp/go-plugin"
)

// PythonTrainer drives a trainer subprocess over go-plugin. One subprocess is
// spawned per run and holds the model and optimizer state between calls.
type PythonTrainer struct {
	client  *plugin.Client
	trainer shared.Trainer
}

func LoadPythonTrainer(pythonExecutable, pluginScript, runConfigJSON string) (*PythonTrainer, error) {
	client := plugin.NewClient(&plugin.ClientConfig{
		HandshakeConfig: shared.Handshake,
		Plugins:         shared.PluginMap,
		Cmd: exec.Command(
			pythonExecutable,
			pluginScript,
			"--run-config", runConfigJSON,
		),
		AllowedProtocols: []plugin.Protocol{plugin.ProtocolNetRPC},
	})

	rpcClient, err := client.Client()
	if err != nil {
		return nil, fmt.Errorf("error establishing RPC connection: %w", err)
	}

	raw, err := rpcClient.Dispense("trainer")
	if err != nil {
		client.Kill()
		return nil, fmt.Errorf("error dispensing '%s': %w", "trainer", err)
	}

	trainer, ok := raw.(shared.Trainer)
	if !ok {
		client.Kill()
		return nil, fmt.Errorf("dispensed interface '%s' is not of expected type shared.Trainer (actual type: %T)", "trainer", raw)
	}

	return &PythonTrainer{
		client:  client,
		trainer: trainer,
	}, nil
}

func (t *PythonTrainer) DatasetInfo() (shared.DatasetInfo, error) {
	return t.trainer.DatasetInfo()
}

func (t *PythonTrainer) Setup(setup shared.TrainSetup) error {
	return t.trainer.Setup(setup)
}

func (t *PythonTrainer) TrainEpoch(epoch int) (shared.EpochStats, error) {
	return t.trainer.TrainEpoch(epoch)
}

func (t *PythonTrainer) Validate() (map[string]float64, error) {
	return t.trainer.Validate()
}

func (t *PythonTrainer) SaveCheckpoint(dir string) (string, error) {
	return t.trainer.SaveCheckpoint(dir)
}

func (t *PythonTrainer) Evaluate(checkpointPath string) (shared.EvaluationOutput, error) {
	return t.trainer.Evaluate(checkpointPath)
}

func (t *PythonTrainer) Release() {
	if t.client == nil {
		return
	}

	t.client.Kill()
	t.client = nil
	t.trainer = nil
}
