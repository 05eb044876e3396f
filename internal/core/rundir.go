package core

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"pretrain-backend/internal/core/utils"
	"pretrain-backend/internal/sweep"

	"gopkg.in/yaml.v2"
)

// RunConfigFile is dumped into every run directory so checkpoints stay
// interpretable without the database.
const RunConfigFile = "config.yaml"

var runDirLocks = utils.NewMutexMap()

// NextRunDir allocates the next numbered directory under <root>/runs.
// Numbering continues from the largest existing entry, so a resumed sweep
// never reuses the directory of an earlier run.
func NextRunDir(root string) (string, error) {
	runsRoot := filepath.Join(root, "runs")

	runDirLocks.Lock(runsRoot)
	defer runDirLocks.Unlock(runsRoot)

	if err := os.MkdirAll(runsRoot, os.ModePerm); err != nil {
		return "", fmt.Errorf("error creating runs directory: %w", err)
	}

	entries, err := os.ReadDir(runsRoot)
	if err != nil {
		return "", fmt.Errorf("error reading runs directory: %w", err)
	}

	next := 0
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		n, err := strconv.Atoi(entry.Name())
		if err != nil {
			continue
		}
		if n+1 > next {
			next = n + 1
		}
	}

	dir := filepath.Join(runsRoot, strconv.Itoa(next))
	if err := os.Mkdir(dir, os.ModePerm); err != nil {
		return "", fmt.Errorf("error creating run directory: %w", err)
	}

	return dir, nil
}

func WriteRunConfig(dir string, cfg sweep.RunConfig) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("error serializing run config: %w", err)
	}

	if err := os.WriteFile(filepath.Join(dir, RunConfigFile), data, 0644); err != nil {
		return fmt.Errorf("error writing run config: %w", err)
	}

	return nil
}

func LoadRunConfig(dir string) (sweep.RunConfig, error) {
	data, err := os.ReadFile(filepath.Join(dir, RunConfigFile))
	if err != nil {
		return sweep.RunConfig{}, fmt.Errorf("error reading run config: %w", err)
	}

	var cfg sweep.RunConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return sweep.RunConfig{}, fmt.Errorf("error parsing run config: %w", err)
	}

	return cfg, nil
}
