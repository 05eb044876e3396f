package core

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"pretrain-backend/internal/core/utils"
	"pretrain-backend/internal/metrics"
	"pretrain-backend/internal/sweep"
	"pretrain-backend/plugin/shared"
)

// KNNNeighbors is the neighbourhood size of the embedding probe.
const KNNNeighbors = 5

type Checkpoint struct {
	Path  string
	Epoch int
}

// parseCheckpointEpoch pulls N out of names like "epoch=12-step=340.ckpt".
func parseCheckpointEpoch(name string) (int, bool) {
	_, rest, found := strings.Cut(name, "=")
	if !found {
		return 0, false
	}
	numPart, _, _ := strings.Cut(rest, "-")
	numPart = strings.TrimSuffix(numPart, ".ckpt")

	n, err := strconv.Atoi(numPart)
	if err != nil {
		return 0, false
	}
	return n, true
}

// DiscoverCheckpoints walks root and returns one checkpoint per directory:
// the .ckpt file with the smallest epoch in its name. Files whose names don't
// carry a parsable epoch are ignored. Symlinks are followed since local object
// storage materializes downloaded checkpoint trees as links.
func DiscoverCheckpoints(root string) ([]Checkpoint, error) {
	best := make(map[string]Checkpoint)

	err := walkFollowingLinks(root, func(dir, name string) {
		if !strings.HasSuffix(name, ".ckpt") {
			return
		}

		epoch, ok := parseCheckpointEpoch(name)
		if !ok {
			return
		}

		if cur, exists := best[dir]; !exists || epoch < cur.Epoch {
			best[dir] = Checkpoint{Path: filepath.Join(dir, name), Epoch: epoch}
		}
	})
	if err != nil {
		return nil, fmt.Errorf("error walking checkpoint root: %w", err)
	}

	checkpoints := make([]Checkpoint, 0, len(best))
	for _, ckpt := range best {
		checkpoints = append(checkpoints, ckpt)
	}
	sort.Slice(checkpoints, func(i, j int) bool { return checkpoints[i].Path < checkpoints[j].Path })

	return checkpoints, nil
}

func walkFollowingLinks(dir string, visit func(dir, name string)) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}

	for _, entry := range entries {
		path := filepath.Join(dir, entry.Name())

		info, err := os.Stat(path)
		if err != nil {
			return err
		}

		if info.IsDir() {
			if err := walkFollowingLinks(path, visit); err != nil {
				return err
			}
			continue
		}

		visit(dir, entry.Name())
	}

	return nil
}

type EvalTarget struct {
	Checkpoint Checkpoint
	Config     sweep.RunConfig
}

// DiscoverTargets pairs each discovered checkpoint with the run config dumped
// next to it. Checkpoints without a readable config cannot be interpreted and
// are skipped.
func DiscoverTargets(root string) ([]EvalTarget, error) {
	checkpoints, err := DiscoverCheckpoints(root)
	if err != nil {
		return nil, err
	}

	targets := make([]EvalTarget, 0, len(checkpoints))
	for _, ckpt := range checkpoints {
		cfg, err := LoadRunConfig(filepath.Dir(ckpt.Path))
		if err != nil {
			slog.Error("skipping checkpoint without run config", "checkpoint", ckpt.Path, "error", err)
			continue
		}
		targets = append(targets, EvalTarget{Checkpoint: ckpt, Config: cfg})
	}

	return targets, nil
}

// EvalRow is one scored (model, combination) pair. Fold is the fold the row
// was computed on, or -1 for rows that pool every fold (and for runs that
// never cross-validated).
type EvalRow struct {
	CheckpointPath string
	Label          string
	Combination    string
	Fold           int
	Metrics        map[string]float64
}

// rawResult keeps the arrays a row was computed from, so fold rows of the same
// model can pool their predictions before metrics are recomputed.
type rawResult struct {
	label       string
	combination string
	fold        int
	checkpoint  string

	queryEmb [][]float64
	candEmb  [][]float64

	yTrueReg []float64
	yPredReg []float64

	yTrueCls []int
	yPredCls []int
}

func (r *rawResult) computeMetrics() (map[string]float64, error) {
	switch {
	case r.queryEmb != nil:
		auc, err := metrics.RetrievalAUC(r.queryEmb, r.candEmb)
		if err != nil {
			return nil, err
		}
		reverse, err := metrics.RetrievalAUC(r.candEmb, r.queryEmb)
		if err != nil {
			return nil, err
		}
		return map[string]float64{"AUC": auc, "AUC_rev": reverse}, nil
	case r.yPredReg != nil:
		return metrics.Regression(r.yTrueReg, r.yPredReg)
	case r.yPredCls != nil:
		return metrics.Classification(r.yTrueCls, r.yPredCls)
	default:
		return nil, fmt.Errorf("empty result for %s/%s", r.label, r.combination)
	}
}

func (r *rawResult) row() (EvalRow, error) {
	m, err := r.computeMetrics()
	if err != nil {
		return EvalRow{}, err
	}
	return EvalRow{
		CheckpointPath: r.checkpoint,
		Label:          r.label,
		Combination:    r.combination,
		Fold:           r.fold,
		Metrics:        m,
	}, nil
}

// Evaluator scores checkpoint trees. Independent checkpoints are evaluated
// concurrently through a bounded worker pool, one trainer subprocess each.
type Evaluator struct {
	loader  TrainerLoader
	workers int

	// OnTargetError is invoked for each checkpoint that fails to evaluate.
	OnTargetError func(target EvalTarget, err error)
}

func NewEvaluator(loader TrainerLoader, workers int) *Evaluator {
	if workers < 1 {
		workers = 1
	}
	return &Evaluator{loader: loader, workers: workers}
}

// EvaluateTree discovers and scores every checkpoint under root, then merges
// fold rows of the same model. Per checkpoint failures are reported and the
// remaining checkpoints still produce rows.
func (e *Evaluator) EvaluateTree(ctx context.Context, root string) ([]EvalRow, error) {
	targets, err := DiscoverTargets(root)
	if err != nil {
		return nil, err
	}
	if len(targets) == 0 {
		return nil, fmt.Errorf("no checkpoints found under %s", root)
	}

	slog.Info("evaluating checkpoints", "root", root, "count", len(targets), "workers", e.workers)

	queue := make(chan EvalTarget, len(targets))
	for _, target := range targets {
		queue <- target
	}
	close(queue)

	completed := make(chan utils.CompletedTask[[]rawResult], len(targets))
	utils.RunInPool(ctx, e.evaluateTarget, queue, completed, e.workers)

	var raws []rawResult
	failed := 0
	for result := range completed {
		if result.Error != nil {
			failed++
			slog.Error("error evaluating checkpoint", "error", result.Error)
			continue
		}
		raws = append(raws, result.Result...)
	}

	if len(raws) == 0 {
		return nil, fmt.Errorf("all %d checkpoints failed to evaluate", failed)
	}

	return buildRows(raws)
}

func (e *Evaluator) evaluateTarget(ctx context.Context, target EvalTarget) ([]rawResult, error) {
	raws, err := e.scoreCheckpoint(target)
	if err != nil {
		if e.OnTargetError != nil {
			e.OnTargetError(target, err)
		}
		return nil, fmt.Errorf("checkpoint %s: %w", target.Checkpoint.Path, err)
	}
	return raws, nil
}

func (e *Evaluator) scoreCheckpoint(target EvalTarget) ([]rawResult, error) {
	cfg := target.Config

	trainer, err := e.loader(cfg)
	if err != nil {
		return nil, fmt.Errorf("error starting trainer: %w", err)
	}
	defer trainer.Release()

	out, err := trainer.Evaluate(target.Checkpoint.Path)
	if err != nil {
		return nil, fmt.Errorf("error evaluating: %w", err)
	}

	modalities := cfg.ExtraArgs.Combinations
	for _, m := range modalities {
		if len(out.Val.Embeddings[m]) == 0 {
			return nil, fmt.Errorf("trainer returned no %s embeddings", m)
		}
	}

	label := paramsLabel(cfg.Params)
	ckpt := target.Checkpoint.Path
	fold := cfg.Fold

	var raws []rawResult

	for i := 0; i < len(modalities); i++ {
		for j := i + 1; j < len(modalities); j++ {
			a, b := modalities[i], modalities[j]
			raws = append(raws, rawResult{
				label:       label + " + retrieval",
				combination: a + "+" + b,
				fold:        fold,
				checkpoint:  ckpt,
				queryEmb:    out.Val.Embeddings[a],
				candEmb:     out.Val.Embeddings[b],
			})
		}
	}

	fusion := strings.Join(modalities, "+")

	switch cfg.ExtraArgs.Task() {
	case sweep.TaskRegression:
		if len(out.Val.Regressions) == 0 {
			return nil, fmt.Errorf("regression run returned no predictions")
		}
		raws = append(raws, rawResult{
			label:       label,
			combination: fusion,
			fold:        fold,
			checkpoint:  ckpt,
			yTrueReg:    out.Val.TargetValues,
			yPredReg:    out.Val.Regressions,
		})
	case sweep.TaskClassification:
		if len(out.Val.Classes) == 0 {
			return nil, fmt.Errorf("classification run returned no predictions")
		}
		raws = append(raws, rawResult{
			label:       label,
			combination: fusion,
			fold:        fold,
			checkpoint:  ckpt,
			yTrueCls:    out.Val.TargetClasses,
			yPredCls:    out.Val.Classes,
		})
	}

	knnRaws, err := e.knnProbe(cfg, label, ckpt, out)
	if err != nil {
		return nil, err
	}
	raws = append(raws, knnRaws...)

	return raws, nil
}

// knnProbe scores each modality's embedding space directly: predict the
// validation targets from the nearest training neighbours, no head involved.
// Pretraining runs are probed with whichever targets the dataset carries.
func (e *Evaluator) knnProbe(cfg sweep.RunConfig, label, ckpt string, out shared.EvaluationOutput) ([]rawResult, error) {
	classify := len(out.Train.TargetClasses) > 0
	switch cfg.ExtraArgs.Task() {
	case sweep.TaskRegression:
		classify = false
	case sweep.TaskClassification:
		classify = true
	default:
		if !classify && len(out.Train.TargetValues) == 0 {
			return nil, nil
		}
	}

	var raws []rawResult
	for _, m := range cfg.ExtraArgs.Combinations {
		trainEmb := out.Train.Embeddings[m]
		valEmb := out.Val.Embeddings[m]
		if len(trainEmb) == 0 {
			return nil, fmt.Errorf("trainer returned no training %s embeddings for knn probe", m)
		}

		raw := rawResult{
			label:       label + " + knn",
			combination: m,
			fold:        cfg.Fold,
			checkpoint:  ckpt,
		}

		if classify {
			preds, err := metrics.KNNClassify(trainEmb, out.Train.TargetClasses, valEmb, KNNNeighbors)
			if err != nil {
				return nil, fmt.Errorf("knn probe on %s: %w", m, err)
			}
			raw.yTrueCls = out.Val.TargetClasses
			raw.yPredCls = preds
		} else {
			preds, err := metrics.KNNRegress(trainEmb, out.Train.TargetValues, valEmb, KNNNeighbors)
			if err != nil {
				return nil, fmt.Errorf("knn probe on %s: %w", m, err)
			}
			raw.yTrueReg = out.Val.TargetValues
			raw.yPredReg = preds
		}

		raws = append(raws, raw)
	}

	return raws, nil
}

type groupKey struct {
	label       string
	combination string
}

// buildRows turns raw results into per fold rows plus, for cross-validated
// models, a pooled row: predictions (or embeddings) from every fold are
// concatenated, metrics recomputed on the pool, and the per fold spread
// reported as <metric>_mean / <metric>_std columns alongside.
func buildRows(raws []rawResult) ([]EvalRow, error) {
	var rows []EvalRow

	groups := make(map[groupKey][]rawResult)
	var order []groupKey
	for _, raw := range raws {
		key := groupKey{label: raw.label, combination: raw.combination}
		if _, seen := groups[key]; !seen {
			order = append(order, key)
		}
		groups[key] = append(groups[key], raw)
	}
	sort.Slice(order, func(i, j int) bool {
		if order[i].label != order[j].label {
			return order[i].label < order[j].label
		}
		return order[i].combination < order[j].combination
	})

	for _, key := range order {
		group := groups[key]
		sort.Slice(group, func(i, j int) bool { return group[i].fold < group[j].fold })

		perFold := make([]map[string]float64, 0, len(group))
		for i := range group {
			row, err := group[i].row()
			if err != nil {
				return nil, fmt.Errorf("error scoring %s/%s: %w", key.label, key.combination, err)
			}
			rows = append(rows, row)
			perFold = append(perFold, row.Metrics)
		}

		if len(group) < 2 {
			continue
		}

		pooled := rawResult{label: key.label, combination: key.combination, fold: -1}
		for _, raw := range group {
			pooled.queryEmb = append(pooled.queryEmb, raw.queryEmb...)
			pooled.candEmb = append(pooled.candEmb, raw.candEmb...)
			pooled.yTrueReg = append(pooled.yTrueReg, raw.yTrueReg...)
			pooled.yPredReg = append(pooled.yPredReg, raw.yPredReg...)
			pooled.yTrueCls = append(pooled.yTrueCls, raw.yTrueCls...)
			pooled.yPredCls = append(pooled.yPredCls, raw.yPredCls...)
		}

		pooledMetrics, err := pooled.computeMetrics()
		if err != nil {
			return nil, fmt.Errorf("error scoring pooled %s/%s: %w", key.label, key.combination, err)
		}

		mean, std := metrics.Aggregate(perFold)
		for name, value := range mean {
			pooledMetrics[name+"_mean"] = value
			pooledMetrics[name+"_std"] = std[name]
		}

		rows = append(rows, EvalRow{
			Label:       key.label,
			Combination: key.combination,
			Fold:        -1,
			Metrics:     pooledMetrics,
		})
	}

	return rows, nil
}

func paramsLabel(params map[string]any) string {
	names := make([]string, 0, len(params))
	for name := range params {
		names = append(names, name)
	}
	sort.Strings(names)

	parts := make([]string, 0, len(names))
	for _, name := range names {
		parts = append(parts, fmt.Sprintf("%s=%v", name, params[name]))
	}
	return strings.Join(parts, " ")
}

// WriteResultsCSV writes rows with one column per metric name. Rows missing a
// metric leave the cell empty.
func WriteResultsCSV(w io.Writer, rows []EvalRow) error {
	nameSet := make(map[string]bool)
	for _, row := range rows {
		for name := range row.Metrics {
			nameSet[name] = true
		}
	}
	names := make([]string, 0, len(nameSet))
	for name := range nameSet {
		names = append(names, name)
	}
	sort.Strings(names)

	writer := csv.NewWriter(w)

	header := append([]string{"label", "combination", "fold", "checkpoint"}, names...)
	if err := writer.Write(header); err != nil {
		return fmt.Errorf("error writing csv header: %w", err)
	}

	for _, row := range rows {
		fold := "-"
		if row.Fold >= 0 {
			fold = strconv.Itoa(row.Fold)
		}

		record := []string{row.Label, row.Combination, fold, row.CheckpointPath}
		for _, name := range names {
			value, ok := row.Metrics[name]
			if !ok {
				record = append(record, "")
				continue
			}
			record = append(record, strconv.FormatFloat(value, 'g', -1, 64))
		}

		if err := writer.Write(record); err != nil {
			return fmt.Errorf("error writing csv row: %w", err)
		}
	}

	writer.Flush()
	return writer.Error()
}
