package metrics

import (
	"fmt"
	"math"
	"sort"
)

// OutlierThreshold is the |Δz|/(1+z) cut above which a redshift prediction
// counts as a catastrophic outlier.
const OutlierThreshold = 0.15

// Regression scores redshift predictions. Keys: L1 (mean absolute error),
// L2 (root mean squared error), R2, OLF (outlier fraction).
func Regression(yTrue, yPred []float64) (map[string]float64, error) {
	if len(yTrue) == 0 || len(yTrue) != len(yPred) {
		return nil, fmt.Errorf("regression metrics need equal-length non-empty inputs, got %d and %d", len(yTrue), len(yPred))
	}

	n := float64(len(yTrue))

	var mean float64
	for _, y := range yTrue {
		mean += y
	}
	mean /= n

	var sumAbs, sumSq, sumTot, outliers float64
	for i := range yTrue {
		delta := yTrue[i] - yPred[i]
		sumAbs += math.Abs(delta)
		sumSq += delta * delta
		sumTot += (yTrue[i] - mean) * (yTrue[i] - mean)

		if math.Abs(delta)/(1.0+yTrue[i]) > OutlierThreshold {
			outliers++
		}
	}

	r2 := math.NaN()
	if sumTot > 0 {
		r2 = 1 - sumSq/sumTot
	}

	return map[string]float64{
		"L1":  sumAbs / n,
		"L2":  math.Sqrt(sumSq / n),
		"R2":  r2,
		"OLF": outliers / n,
	}, nil
}

// Classification scores predicted class indices against true ones. Keys match
// the reporting convention: mic-* are micro averages over all samples, mac-*
// are macro averages over classes, with mac-acc the balanced accuracy (mean
// per-class recall).
func Classification(yTrue, yPred []int) (map[string]float64, error) {
	if len(yTrue) == 0 || len(yTrue) != len(yPred) {
		return nil, fmt.Errorf("classification metrics need equal-length non-empty inputs, got %d and %d", len(yTrue), len(yPred))
	}

	classes := make(map[int]bool)
	for _, c := range yTrue {
		classes[c] = true
	}
	for _, c := range yPred {
		classes[c] = true
	}

	labels := make([]int, 0, len(classes))
	for c := range classes {
		labels = append(labels, c)
	}
	sort.Ints(labels)

	tp := make(map[int]float64)
	fp := make(map[int]float64)
	fn := make(map[int]float64)
	support := make(map[int]float64)

	var correct float64
	for i := range yTrue {
		support[yTrue[i]]++
		if yTrue[i] == yPred[i] {
			tp[yTrue[i]]++
			correct++
		} else {
			fp[yPred[i]]++
			fn[yTrue[i]]++
		}
	}

	var totalTp, totalFp, totalFn float64
	var macPrec, macRec, macF1 float64
	var balanced float64
	var present float64

	for _, c := range labels {
		totalTp += tp[c]
		totalFp += fp[c]
		totalFn += fn[c]

		prec := safeDiv(tp[c], tp[c]+fp[c])
		rec := safeDiv(tp[c], tp[c]+fn[c])

		macPrec += prec
		macRec += rec
		macF1 += safeDiv(2*prec*rec, prec+rec)

		if support[c] > 0 {
			balanced += rec
			present++
		}
	}

	k := float64(len(labels))
	micPrec := safeDiv(totalTp, totalTp+totalFp)
	micRec := safeDiv(totalTp, totalTp+totalFn)

	return map[string]float64{
		"mic-f1":  safeDiv(2*micPrec*micRec, micPrec+micRec),
		"mic-p":   micPrec,
		"mic-r":   micRec,
		"mic-acc": correct / float64(len(yTrue)),
		"mac-f1":  macF1 / k,
		"mac-p":   macPrec / k,
		"mac-r":   macRec / k,
		"mac-acc": safeDiv(balanced, present),
	}, nil
}

func safeDiv(a, b float64) float64 {
	if b == 0 {
		return 0
	}
	return a / b
}
