package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"pretrain-backend/cmd"
	"pretrain-backend/internal/core"
	"pretrain-backend/internal/sweep"

	"github.com/caarlos0/env/v11"
)

type EvaluateConfig struct {
	PythonExecutable string `env:"PYTHON_EXECUTABLE" envDefault:"python3"`
	TrainerScript    string `env:"TRAINER_PLUGIN_SCRIPT" envDefault:"plugin/plugin-python/trainer.py"`
	EvalWorkers      int    `env:"EVAL_WORKERS" envDefault:"2"`
}

func main() {
	var (
		checkpointDir = flag.String("checkpoints", "", "root directory of the checkpoint tree to evaluate")
		dataset       = flag.String("dataset", "", "dataset path overriding the one recorded in each run config")
		out           = flag.String("out", "results.csv", "path of the CSV to write")
	)

	cmd.LoadEnvFile()

	var cfg EvaluateConfig
	if err := env.Parse(&cfg); err != nil {
		log.Fatalf("error parsing config: %v", err)
	}

	if *checkpointDir == "" {
		log.Fatalf("usage: evaluate -checkpoints <dir> [-dataset <path>] [-out <csv>]")
	}

	loader := core.NewPythonTrainerLoader(cfg.PythonExecutable, cfg.TrainerScript)
	if *dataset != "" {
		base := loader
		loader = func(runCfg sweep.RunConfig) (core.Trainer, error) {
			runCfg.ExtraArgs.FilenameTrainset = *dataset
			return base(runCfg)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	evaluator := core.NewEvaluator(loader, cfg.EvalWorkers)
	evaluator.OnTargetError = func(target core.EvalTarget, err error) {
		slog.Error("checkpoint evaluation failed", "checkpoint", target.Checkpoint.Path, "error", err)
	}

	rows, err := evaluator.EvaluateTree(ctx, *checkpointDir)
	if err != nil {
		log.Fatalf("evaluation failed: %v", err)
	}

	f, err := os.Create(*out)
	if err != nil {
		log.Fatalf("error creating output file: %v", err)
	}
	defer f.Close()

	if err := core.WriteResultsCSV(f, rows); err != nil {
		log.Fatalf("error writing results: %v", err)
	}

	fmt.Printf("wrote %d rows to %s\n", len(rows), *out)
}
