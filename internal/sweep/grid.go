package sweep

import (
	"encoding/json"
	"fmt"
	"sort"
)

// RunConfig is one fully bound hyperparameter point. Immutable once created;
// the same struct is dumped into the run directory, stored on the run row, and
// handed to the trainer.
type RunConfig struct {
	Params    map[string]any `yaml:"parameters" json:"parameters"`
	ExtraArgs ExtraArgs      `yaml:"extra_args" json:"extra_args"`
	Metric    Metric         `yaml:"metric" json:"metric"`

	// Fold is the held-out fold index, -1 when not cross-validating.
	Fold int `yaml:"fold" json:"fold"`
}

// Fingerprint identifies the sweep point: the canonical JSON of the parameter
// assignment (object keys are already sorted by encoding/json) qualified by
// the fold index. Two RunConfigs with equal fingerprints describe the same
// training job, so agents sharing a tracker can dedupe work across databases.
func (rc RunConfig) Fingerprint() string {
	point := struct {
		Fold   int            `json:"fold"`
		Params map[string]any `json:"params"`
	}{Fold: rc.Fold, Params: rc.Params}

	data, err := json.Marshal(point)
	if err != nil {
		// Params hold YAML scalars only, which always marshal.
		panic(fmt.Sprintf("unmarshalable run params: %v", err))
	}
	return string(data)
}

// Enumerate expands the Cartesian product of the parameter value lists.
// Parameter names iterate in sorted order with the last name varying fastest,
// so the sequence is stable across processes resuming the same sweep.
func (s *Spec) Enumerate() []map[string]any {
	names := make([]string, 0, len(s.Parameters))
	for name := range s.Parameters {
		names = append(names, name)
	}
	sort.Strings(names)

	points := []map[string]any{{}}
	for _, name := range names {
		next := make([]map[string]any, 0, len(points)*len(s.Parameters[name]))
		for _, point := range points {
			for _, value := range s.Parameters[name] {
				p := make(map[string]any, len(point)+1)
				for k, v := range point {
					p[k] = v
				}
				p[name] = value
				next = append(next, p)
			}
		}
		points = next
	}

	return points
}

// Runs expands every grid point into its per-fold RunConfigs, in enumeration
// order with folds innermost.
func (s *Spec) Runs() []RunConfig {
	folds := s.SelectedFolds()
	if len(folds) == 0 {
		folds = []int{-1}
	}

	points := s.Enumerate()
	runs := make([]RunConfig, 0, len(points)*len(folds))
	for _, params := range points {
		for _, fold := range folds {
			runs = append(runs, RunConfig{
				Params:    params,
				ExtraArgs: s.ExtraArgs,
				Metric:    s.Metric,
				Fold:      fold,
			})
		}
	}

	return runs
}

// Improved reports whether candidate beats best under the metric goal.
func (m Metric) Improved(candidate, best float64) bool {
	if m.Goal == GoalMinimize {
		return candidate < best
	}
	return candidate > best
}
