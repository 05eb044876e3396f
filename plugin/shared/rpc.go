package shared

import (
	"net/rpc"
)

// RPCClient is an implementation of Trainer that talks over RPC.
type RPCClient struct{ client *rpc.Client }

func (m *RPCClient) DatasetInfo() (DatasetInfo, error) {
	var resp DatasetInfo
	err := m.client.Call("Plugin.DatasetInfo", new(interface{}), &resp)
	return resp, err
}

func (m *RPCClient) Setup(setup TrainSetup) error {
	return m.client.Call("Plugin.Setup", setup, new(interface{}))
}

func (m *RPCClient) TrainEpoch(epoch int) (EpochStats, error) {
	var resp EpochStats
	err := m.client.Call("Plugin.TrainEpoch", epoch, &resp)
	return resp, err
}

func (m *RPCClient) Validate() (map[string]float64, error) {
	var resp map[string]float64
	err := m.client.Call("Plugin.Validate", new(interface{}), &resp)
	return resp, err
}

func (m *RPCClient) SaveCheckpoint(dir string) (string, error) {
	var resp string
	err := m.client.Call("Plugin.SaveCheckpoint", dir, &resp)
	return resp, err
}

func (m *RPCClient) Evaluate(checkpointPath string) (EvaluationOutput, error) {
	var resp EvaluationOutput
	err := m.client.Call("Plugin.Evaluate", checkpointPath, &resp)
	return resp, err
}

// Here is the RPC server that RPCClient talks to, conforming to
// the requirements of net/rpc
type RPCServer struct {
	// This is the real implementation
	Impl Trainer
}

func (m *RPCServer) DatasetInfo(args interface{}, resp *DatasetInfo) error {
	v, err := m.Impl.DatasetInfo()
	*resp = v
	return err
}

func (m *RPCServer) Setup(setup TrainSetup, resp *interface{}) error {
	return m.Impl.Setup(setup)
}

func (m *RPCServer) TrainEpoch(epoch int, resp *EpochStats) error {
	v, err := m.Impl.TrainEpoch(epoch)
	*resp = v
	return err
}

func (m *RPCServer) Validate(args interface{}, resp *map[string]float64) error {
	v, err := m.Impl.Validate()
	*resp = v
	return err
}

func (m *RPCServer) SaveCheckpoint(dir string, resp *string) error {
	v, err := m.Impl.SaveCheckpoint(dir)
	*resp = v
	return err
}

func (m *RPCServer) Evaluate(checkpointPath string, resp *EvaluationOutput) error {
	v, err := m.Impl.Evaluate(checkpointPath)
	*resp = v
	return err
}
