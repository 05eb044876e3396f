package metrics

import "math"

// Aggregate folds per-fold metric maps into mean and sample standard deviation
// per metric name. A metric only some folds reported is averaged over the folds
// that have it, so partially submitted fold subsets can be merged in any order
// and still agree with a single full aggregation.
func Aggregate(perFold []map[string]float64) (mean, std map[string]float64) {
	sums := make(map[string]float64)
	counts := make(map[string]float64)
	for _, m := range perFold {
		for name, v := range m {
			sums[name] += v
			counts[name]++
		}
	}

	mean = make(map[string]float64, len(sums))
	for name := range sums {
		mean[name] = sums[name] / counts[name]
	}

	std = make(map[string]float64, len(sums))
	for _, m := range perFold {
		for name, v := range m {
			d := v - mean[name]
			std[name] += d * d
		}
	}
	for name := range std {
		if counts[name] > 1 {
			std[name] = math.Sqrt(std[name] / (counts[name] - 1))
		} else {
			std[name] = 0
		}
	}

	return mean, std
}
