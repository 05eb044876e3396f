package folds

import (
	"fmt"
	"math/rand"
	"sort"
)

// Stratified partitions the indices 0..len(labels)-1 into k folds, keeping
// each label's members spread evenly across folds. The same (labels, k, seed)
// always produces the same partition; folds are pairwise disjoint and cover
// every index.
func Stratified(labels []string, k int, seed int64) ([][]int, error) {
	if k < 2 {
		return nil, fmt.Errorf("fold count must be at least 2, got %d", k)
	}
	if len(labels) < k {
		return nil, fmt.Errorf("cannot split %d samples into %d folds", len(labels), k)
	}

	byLabel := make(map[string][]int)
	for i, label := range labels {
		byLabel[label] = append(byLabel[label], i)
	}

	names := make([]string, 0, len(byLabel))
	for name := range byLabel {
		names = append(names, name)
	}
	sort.Strings(names)

	rng := rand.New(rand.NewSource(seed))

	folds := make([][]int, k)
	next := 0
	for _, name := range names {
		idxs := byLabel[name]
		rng.Shuffle(len(idxs), func(i, j int) { idxs[i], idxs[j] = idxs[j], idxs[i] })

		// The cursor carries over between label groups so small classes do not
		// all pile into fold 0.
		for _, idx := range idxs {
			folds[next%k] = append(folds[next%k], idx)
			next++
		}
	}

	for _, fold := range folds {
		sort.Ints(fold)
	}

	return folds, nil
}

// Split is the unstratified variant used for regression targets: a seeded
// shuffle of 0..n-1 dealt round-robin into k folds.
func Split(n, k int, seed int64) ([][]int, error) {
	if k < 2 {
		return nil, fmt.Errorf("fold count must be at least 2, got %d", k)
	}
	if n < k {
		return nil, fmt.Errorf("cannot split %d samples into %d folds", n, k)
	}

	rng := rand.New(rand.NewSource(seed))

	folds := make([][]int, k)
	for i, idx := range rng.Perm(n) {
		folds[i%k] = append(folds[i%k], idx)
	}

	for _, fold := range folds {
		sort.Ints(fold)
	}

	return folds, nil
}

// TrainVal splits a partition around fold i: fold i becomes the validation
// set, the rest become training.
func TrainVal(folds [][]int, i int) (train, val []int, err error) {
	if i < 0 || i >= len(folds) {
		return nil, nil, fmt.Errorf("fold index %d out of range for %d folds", i, len(folds))
	}

	val = folds[i]
	for j, fold := range folds {
		if j != i {
			train = append(train, fold...)
		}
	}
	sort.Ints(train)

	return train, val, nil
}
