package sweep

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnumerate(t *testing.T) {
	spec := Spec{
		Parameters: map[string][]any{
			"lr":             {0.1, 0.01},
			"projection_dim": {16, 32, 64},
		},
	}

	points := spec.Enumerate()
	require.Len(t, points, 6)

	// Names expand in sorted order with the last one varying fastest.
	expected := []map[string]any{
		{"lr": 0.1, "projection_dim": 16},
		{"lr": 0.1, "projection_dim": 32},
		{"lr": 0.1, "projection_dim": 64},
		{"lr": 0.01, "projection_dim": 16},
		{"lr": 0.01, "projection_dim": 32},
		{"lr": 0.01, "projection_dim": 64},
	}
	assert.Equal(t, expected, points)
}

func TestEnumerateSinglePoint(t *testing.T) {
	spec := Spec{Parameters: map[string][]any{"lr": {0.1}}}

	points := spec.Enumerate()
	assert.Equal(t, []map[string]any{{"lr": 0.1}}, points)
}

func TestRunsFoldsInnermost(t *testing.T) {
	spec := Spec{
		Metric:     Metric{Goal: GoalMaximize, Name: "AUC_val"},
		Parameters: map[string][]any{"lr": {0.1, 0.01}},
		ExtraArgs:  ExtraArgs{Kfolds: 2},
	}

	runs := spec.Runs()
	require.Len(t, runs, 4)

	assert.Equal(t, 0.1, runs[0].Params["lr"])
	assert.Equal(t, 0, runs[0].Fold)
	assert.Equal(t, 0.1, runs[1].Params["lr"])
	assert.Equal(t, 1, runs[1].Fold)
	assert.Equal(t, 0.01, runs[2].Params["lr"])
	assert.Equal(t, 0, runs[2].Fold)
	assert.Equal(t, 0.01, runs[3].Params["lr"])
	assert.Equal(t, 1, runs[3].Fold)

	for _, run := range runs {
		assert.Equal(t, spec.Metric, run.Metric)
		assert.Equal(t, spec.ExtraArgs, run.ExtraArgs)
	}
}

func TestRunsFoldSubset(t *testing.T) {
	spec := Spec{
		Parameters: map[string][]any{"lr": {0.1, 0.01}},
		ExtraArgs:  ExtraArgs{Kfolds: 5, Foldnumber: FoldList{1, 2}},
	}

	runs := spec.Runs()
	require.Len(t, runs, 4)

	// Selecting folds {1,2} trains the same points a full 5-fold execution
	// would, just restricted to those folds.
	for i, point := range spec.Enumerate() {
		assert.Equal(t, point, runs[2*i].Params)
		assert.Equal(t, 1, runs[2*i].Fold)
		assert.Equal(t, point, runs[2*i+1].Params)
		assert.Equal(t, 2, runs[2*i+1].Fold)
	}
}

func TestRunsWithoutFolds(t *testing.T) {
	spec := Spec{Parameters: map[string][]any{"lr": {0.1, 0.01}}}

	runs := spec.Runs()
	require.Len(t, runs, 2)
	for _, run := range runs {
		assert.Equal(t, -1, run.Fold)
	}
}

func TestFingerprint(t *testing.T) {
	a := RunConfig{Params: map[string]any{"lr": 0.1, "projection_dim": 16}, Fold: 0}
	b := RunConfig{Params: map[string]any{"projection_dim": 16, "lr": 0.1}, Fold: 0}
	c := RunConfig{Params: map[string]any{"lr": 0.01, "projection_dim": 16}, Fold: 0}
	d := RunConfig{Params: map[string]any{"lr": 0.1, "projection_dim": 16}, Fold: 1}

	// Canonical regardless of map ordering, distinct per point and fold.
	assert.Equal(t, a.Fingerprint(), b.Fingerprint())
	assert.NotEqual(t, a.Fingerprint(), c.Fingerprint())
	assert.NotEqual(t, a.Fingerprint(), d.Fingerprint())
}

func TestFingerprintsUniquePerRun(t *testing.T) {
	spec := Spec{
		Parameters: map[string][]any{"lr": {0.1, 0.01}},
		ExtraArgs:  ExtraArgs{Kfolds: 3},
	}

	runs := spec.Runs()
	require.Len(t, runs, 6)

	seen := make(map[string]bool)
	for _, run := range runs {
		fingerprint := run.Fingerprint()
		assert.False(t, seen[fingerprint], "duplicate fingerprint %s", fingerprint)
		seen[fingerprint] = true
	}
}

func TestMetricImproved(t *testing.T) {
	maximize := Metric{Goal: GoalMaximize, Name: "AUC_val"}
	assert.True(t, maximize.Improved(0.9, 0.8))
	assert.False(t, maximize.Improved(0.7, 0.8))
	assert.False(t, maximize.Improved(0.8, 0.8))

	minimize := Metric{Goal: GoalMinimize, Name: "loss_val"}
	assert.True(t, minimize.Improved(0.1, 0.2))
	assert.False(t, minimize.Improved(0.3, 0.2))
}
