package metrics

import (
	"fmt"
	"math"
	"sort"
)

// Cosine returns the cosine similarity of two equal-length vectors, 0 when
// either has zero norm.
func Cosine(a, b []float64) float64 {
	var dot, na, nb float64
	for i := range a {
		dot += a[i] * b[i]
		na += a[i] * a[i]
		nb += b[i] * b[i]
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

const retrievalThresholds = 100

// RetrievalCurve measures cross-modal retrieval between paired embedding sets:
// sample i of embs2 should retrieve sample i of embs1. For each of 100 evenly
// spaced thresholds t in [0,1] it reports the fraction of queries whose true
// match ranks within the top ⌊t·N⌋ by cosine similarity.
func RetrievalCurve(embs1, embs2 [][]float64) (thresholds, fractionCorrect []float64, err error) {
	n := len(embs1)
	if n == 0 || n != len(embs2) {
		return nil, nil, fmt.Errorf("retrieval needs equal-length non-empty embedding sets, got %d and %d", len(embs1), len(embs2))
	}

	thresholds = make([]float64, retrievalThresholds)
	for i := range thresholds {
		thresholds[i] = float64(i) / float64(retrievalThresholds-1)
	}

	counts := make([]float64, retrievalThresholds)
	sims := make([]float64, n)
	order := make([]int, n)

	for idx := range embs2 {
		for j := range embs1 {
			sims[j] = Cosine(embs1[j], embs2[idx])
			order[j] = j
		}
		sort.SliceStable(order, func(a, b int) bool { return sims[order[a]] > sims[order[b]] })

		rank := 0
		for pos, j := range order {
			if j == idx {
				rank = pos
				break
			}
		}

		for t := range thresholds {
			if rank < int(thresholds[t]*float64(n)) {
				counts[t]++
			}
		}
	}

	fractionCorrect = make([]float64, retrievalThresholds)
	for t := range counts {
		fractionCorrect[t] = counts[t] / float64(n)
	}

	return thresholds, fractionCorrect, nil
}

// RetrievalAUC integrates the retrieval curve with the trapezoid rule.
func RetrievalAUC(embs1, embs2 [][]float64) (float64, error) {
	thresholds, fractionCorrect, err := RetrievalCurve(embs1, embs2)
	if err != nil {
		return 0, err
	}

	var auc float64
	for i := 1; i < len(thresholds); i++ {
		auc += (thresholds[i] - thresholds[i-1]) * (fractionCorrect[i] + fractionCorrect[i-1]) / 2
	}
	return auc, nil
}

// KNNClassify labels each query by majority vote among its k most cosine-similar
// training embeddings. Vote ties break toward the smallest label so results are
// reproducible.
func KNNClassify(train [][]float64, labels []int, queries [][]float64, k int) ([]int, error) {
	if len(train) == 0 || len(train) != len(labels) {
		return nil, fmt.Errorf("knn needs one label per training embedding, got %d and %d", len(train), len(labels))
	}
	if k < 1 {
		return nil, fmt.Errorf("k must be positive, got %d", k)
	}
	if k > len(train) {
		k = len(train)
	}

	out := make([]int, len(queries))
	for qi, q := range queries {
		votes := make(map[int]int)
		for _, j := range nearest(train, q, k) {
			votes[labels[j]]++
		}

		best, bestVotes := 0, -1
		for label, v := range votes {
			if v > bestVotes || (v == bestVotes && label < best) {
				best, bestVotes = label, v
			}
		}
		out[qi] = best
	}
	return out, nil
}

// KNNRegress predicts each query as the mean target of its k most
// cosine-similar training embeddings.
func KNNRegress(train [][]float64, targets []float64, queries [][]float64, k int) ([]float64, error) {
	if len(train) == 0 || len(train) != len(targets) {
		return nil, fmt.Errorf("knn needs one target per training embedding, got %d and %d", len(train), len(targets))
	}
	if k < 1 {
		return nil, fmt.Errorf("k must be positive, got %d", k)
	}
	if k > len(train) {
		k = len(train)
	}

	out := make([]float64, len(queries))
	for qi, q := range queries {
		var sum float64
		for _, j := range nearest(train, q, k) {
			sum += targets[j]
		}
		out[qi] = sum / float64(k)
	}
	return out, nil
}

func nearest(train [][]float64, query []float64, k int) []int {
	sims := make([]float64, len(train))
	order := make([]int, len(train))
	for j := range train {
		sims[j] = Cosine(train[j], query)
		order[j] = j
	}
	sort.SliceStable(order, func(a, b int) bool { return sims[order[a]] > sims[order[b]] })
	return order[:k]
}
