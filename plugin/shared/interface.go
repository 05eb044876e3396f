package shared

import (
	"net/rpc"

	"github.com/hashicorp/go-plugin"
)

// Handshake is shared between the Go host and the Python trainer script. The
// plugin process must echo the magic cookie on stdout before serving.
var Handshake = plugin.HandshakeConfig{
	ProtocolVersion:  1,
	MagicCookieKey:   "PRETRAIN_TRAINER_PLUGIN",
	MagicCookieValue: "c7f9d2e4a1b8",
}

var PluginMap = map[string]plugin.Plugin{
	"trainer": &TrainerPlugin{},
}

// DatasetInfo describes the dataset the trainer loaded from its run config.
// Labels carries the per-sample class label for classification datasets so the
// host can build stratified folds; it is empty otherwise.
type DatasetInfo struct {
	NumSamples int
	Labels     []string
	ClassNames []string
}

// TrainSetup binds the validation split before the first epoch. Exactly one of
// ValIndices (cross-validation, host-computed fold) or ValFraction (random
// holdout drawn by the trainer) is set.
type TrainSetup struct {
	ValIndices  []int
	ValFraction float64
	Seed        int64
}

type EpochStats struct {
	Epoch     int
	TrainLoss float64
}

// SplitOutput carries everything the evaluator needs for one data split.
// Embeddings is keyed by modality name; Regressions and Classes are the head
// predictions and are empty when the corresponding head is absent.
type SplitOutput struct {
	Ids           []string
	Embeddings    map[string][][]float64
	Regressions   []float64
	Classes       []int
	TargetValues  []float64
	TargetClasses []int
}

type EvaluationOutput struct {
	Train SplitOutput
	Val   SplitOutput
}

// Trainer is the RPC surface of the Python trainer subprocess. The host owns
// the epoch loop and early stopping; the trainer owns the model, the dataset,
// and the optimizer state between calls.
type Trainer interface {
	DatasetInfo() (DatasetInfo, error)

	Setup(setup TrainSetup) error

	TrainEpoch(epoch int) (EpochStats, error)

	Validate() (map[string]float64, error)

	SaveCheckpoint(dir string) (string, error)

	Evaluate(checkpointPath string) (EvaluationOutput, error)
}

type TrainerPlugin struct {
	Impl Trainer
}

func (p *TrainerPlugin) Server(*plugin.MuxBroker) (interface{}, error) {
	return &RPCServer{Impl: p.Impl}, nil
}

func (p *TrainerPlugin) Client(b *plugin.MuxBroker, c *rpc.Client) (interface{}, error) {
	return &RPCClient{client: c}, nil
}
