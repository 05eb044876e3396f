package metrics

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegression(t *testing.T) {
	yTrue := []float64{0.1, 0.2, 0.3, 0.4}
	yPred := []float64{0.1, 0.25, 0.3, 0.8}

	m, err := Regression(yTrue, yPred)
	require.NoError(t, err)

	// deltas are 0, -0.05, 0, -0.4
	assert.InDelta(t, 0.1125, m["L1"], 1e-9)
	assert.InDelta(t, math.Sqrt(0.1625/4), m["L2"], 1e-9)
	// total variance is 0.05, so R2 = 1 - 0.1625/0.05
	assert.InDelta(t, -2.25, m["R2"], 1e-9)
	// only the last point exceeds |dz|/(1+z) = 0.15
	assert.InDelta(t, 0.25, m["OLF"], 1e-9)
}

func TestRegressionPerfect(t *testing.T) {
	y := []float64{0.1, 0.5, 0.9}

	m, err := Regression(y, y)
	require.NoError(t, err)

	assert.InDelta(t, 0, m["L1"], 1e-9)
	assert.InDelta(t, 0, m["L2"], 1e-9)
	assert.InDelta(t, 1, m["R2"], 1e-9)
	assert.InDelta(t, 0, m["OLF"], 1e-9)
}

func TestRegressionConstantTruth(t *testing.T) {
	m, err := Regression([]float64{0.5, 0.5, 0.5}, []float64{0.4, 0.5, 0.6})
	require.NoError(t, err)

	// R2 is undefined when the truth has no variance.
	assert.True(t, math.IsNaN(m["R2"]))
	assert.InDelta(t, 0.2/3, m["L1"], 1e-9)
}

func TestRegressionBadInput(t *testing.T) {
	_, err := Regression(nil, nil)
	assert.Error(t, err)

	_, err = Regression([]float64{1}, []float64{1, 2})
	assert.Error(t, err)
}

func TestClassification(t *testing.T) {
	yTrue := []int{0, 0, 0, 1, 1, 2}
	yPred := []int{0, 0, 1, 1, 1, 0}

	m, err := Classification(yTrue, yPred)
	require.NoError(t, err)

	assert.InDelta(t, 4.0/6.0, m["mic-acc"], 1e-9)
	assert.InDelta(t, 4.0/6.0, m["mic-p"], 1e-9)
	assert.InDelta(t, 4.0/6.0, m["mic-r"], 1e-9)
	assert.InDelta(t, 4.0/6.0, m["mic-f1"], 1e-9)

	// per class: 0 -> p=2/3 r=2/3, 1 -> p=2/3 r=1, 2 -> p=0 r=0
	assert.InDelta(t, 4.0/9.0, m["mac-p"], 1e-9)
	assert.InDelta(t, 5.0/9.0, m["mac-r"], 1e-9)
	assert.InDelta(t, 22.0/45.0, m["mac-f1"], 1e-9)
	assert.InDelta(t, 5.0/9.0, m["mac-acc"], 1e-9)
}

func TestClassificationPerfect(t *testing.T) {
	y := []int{0, 1, 2, 1, 0}

	m, err := Classification(y, y)
	require.NoError(t, err)

	for name, v := range m {
		assert.InDelta(t, 1, v, 1e-9, "metric %s", name)
	}
}

func TestClassificationPredictedOnlyClass(t *testing.T) {
	// Class 2 never appears in the truth. It dilutes the macro averages but
	// balanced accuracy only averages over classes with support.
	m, err := Classification([]int{0, 1}, []int{0, 2})
	require.NoError(t, err)

	assert.InDelta(t, 0.5, m["mic-acc"], 1e-9)
	assert.InDelta(t, 0.5, m["mac-acc"], 1e-9)
	assert.InDelta(t, 1.0/3.0, m["mac-r"], 1e-9)
}

func TestClassificationBadInput(t *testing.T) {
	_, err := Classification(nil, nil)
	assert.Error(t, err)

	_, err = Classification([]int{1}, []int{1, 2})
	assert.Error(t, err)
}
