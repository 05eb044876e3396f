package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"pretrain-backend/cmd"
	"pretrain-backend/internal/core"
	"pretrain-backend/internal/database"
	"pretrain-backend/internal/storage"
	"pretrain-backend/internal/sweep"
	"pretrain-backend/internal/tracker"

	"github.com/caarlos0/env/v11"
	"github.com/google/uuid"
	"github.com/schollz/progressbar/v3"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

type SweepConfig struct {
	Root             string `env:"ROOT" envDefault:"./pretrain-lab"`
	DatabaseURL      string `env:"DATABASE_URL"`
	PythonExecutable string `env:"PYTHON_EXECUTABLE" envDefault:"python3"`
	TrainerScript    string `env:"TRAINER_PLUGIN_SCRIPT" envDefault:"plugin/plugin-python/trainer.py"`
	TrackerURL       string `env:"PRETRAIN_TRACKER_URL"`
	TrackerAPIKey    string `env:"PRETRAIN_TRACKER_API_KEY"`
}

const checkpointBucket = "checkpoints"

func openDatabase(cfg SweepConfig) *gorm.DB {
	if cfg.DatabaseURL != "" {
		db, err := database.NewDatabase(cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("Failed to connect to database: %v", err)
		}
		return db
	}

	path := filepath.Join(cfg.Root, "db", "pretrain.db")
	if err := os.MkdirAll(filepath.Dir(path), os.ModePerm); err != nil {
		log.Fatalf("Failed to create database directory: %v", err)
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{})
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}

	if err := database.GetMigrator(db).Migrate(); err != nil {
		log.Fatalf("Failed to migrate database: %v", err)
	}

	return db
}

// createSweep registers a new sweep from a config file and persists its
// expanded runs, mirroring what the API does on POST /sweeps.
func createSweep(ctx context.Context, db *gorm.DB, trk tracker.Tracker, configPath string) uuid.UUID {
	spec, err := sweep.Load(configPath)
	if err != nil {
		log.Fatalf("%v", err)
	}

	name := spec.Sweep.Id
	if name == "" {
		name = filepath.Base(configPath)
	}

	session, err := trk.CreateSweep(ctx, name, *spec, len(spec.Runs()))
	if err != nil {
		log.Fatalf("Failed to register sweep with tracker: %v", err)
	}

	specJSON, err := json.Marshal(spec)
	if err != nil {
		log.Fatalf("Failed to serialize sweep config: %v", err)
	}

	combinationsJSON, err := json.Marshal(spec.ExtraArgs.Combinations)
	if err != nil {
		log.Fatalf("Failed to serialize sweep combinations: %v", err)
	}

	now := time.Now().UTC()

	sweepRecord := &database.Sweep{
		Id:           uuid.New(),
		ExternalId:   session.Id(),
		Name:         name,
		Method:       spec.Method,
		MetricName:   spec.Metric.Name,
		MetricGoal:   spec.Metric.Goal,
		Spec:         specJSON,
		Status:       database.JobQueued,
		CreationTime: now,
	}

	for _, runCfg := range spec.Runs() {
		paramsJSON, err := json.Marshal(runCfg.Params)
		if err != nil {
			log.Fatalf("Failed to serialize run params: %v", err)
		}

		sweepRecord.Runs = append(sweepRecord.Runs, database.Run{
			Id:           uuid.New(),
			Fingerprint:  runCfg.Fingerprint(),
			Fold:         runCfg.Fold,
			Params:       paramsJSON,
			Combinations: combinationsJSON,
			Status:       database.JobQueued,
			CreationTime: now,
		})
	}

	if err := db.WithContext(ctx).Create(sweepRecord).Error; err != nil {
		log.Fatalf("Failed to create sweep entry: %v", err)
	}

	slog.Info("created sweep", "sweep_id", sweepRecord.Id, "external_id", sweepRecord.ExternalId, "runs", len(sweepRecord.Runs))
	return sweepRecord.Id
}

// resumeSweep requeues a sweep's failed runs so re-attaching retries them.
// Points the tracker already saw completed are skipped during execution. The
// target may be either the local sweep id or the tracker's sweep id.
func resumeSweep(ctx context.Context, db *gorm.DB, target string) uuid.UUID {
	var sweepRecord database.Sweep
	if err := db.WithContext(ctx).First(&sweepRecord, "id = ? OR external_id = ?", target, target).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			log.Fatalf("No sweep with id %s", target)
		}
		log.Fatalf("Failed to fetch sweep: %v", err)
	}

	requeued, err := database.RequeueFailedRuns(ctx, db, sweepRecord.Id)
	if err != nil {
		log.Fatalf("Failed to requeue failed runs: %v", err)
	}

	slog.Info("resuming sweep", "sweep_id", sweepRecord.Id, "name", sweepRecord.Name, "requeued", requeued)
	return sweepRecord.Id
}

func main() {
	cmd.LoadEnvFile()

	var cfg SweepConfig
	if err := env.Parse(&cfg); err != nil {
		log.Fatalf("error parsing config: %v", err)
	}

	args := flag.Args()
	if len(args) != 2 || args[0] != "run" {
		log.Fatalf("usage: sweep [flags] run <config.yaml | sweep_id>")
	}
	target := args[1]

	db := openDatabase(cfg)

	store, err := storage.NewLocalObjectStore(filepath.Join(cfg.Root, "storage"))
	if err != nil {
		log.Fatalf("Failed to create object store: %v", err)
	}
	if err := store.CreateBucket(context.Background(), checkpointBucket); err != nil {
		log.Fatalf("Failed to create checkpoint bucket: %v", err)
	}

	trk := cmd.CreateTracker(db, cfg.TrackerURL, cfg.TrackerAPIKey)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var sweepId uuid.UUID
	if _, err := uuid.Parse(target); err == nil {
		sweepId = resumeSweep(ctx, db, target)
	} else {
		sweepId = createSweep(ctx, db, trk, target)
	}

	var pending int64
	if err := db.WithContext(ctx).
		Model(&database.Run{}).
		Where("sweep_id = ? AND status = ?", sweepId, database.JobQueued).
		Count(&pending).Error; err != nil {
		log.Fatalf("Failed to count pending runs: %v", err)
	}

	if pending == 0 {
		fmt.Println("nothing to run, all points are in a terminal state")
		return
	}

	bar := progressbar.NewOptions(int(pending),
		progressbar.OptionSetDescription("⏳ training"),
		progressbar.OptionSetWidth(30),
		progressbar.OptionClearOnFinish(),
	)

	loader := core.NewPythonTrainerLoader(cfg.PythonExecutable, cfg.TrainerScript)

	runner := core.NewSweepRunner(db, trk, loader, store, filepath.Join(cfg.Root, "data"), checkpointBucket)
	runner.OnRunFinished = func(runId uuid.UUID, status string) {
		_ = bar.Add(1)
	}

	if err := runner.ProcessSweep(ctx, sweepId); err != nil {
		if errors.Is(err, context.Canceled) {
			log.Fatalf("sweep interrupted, re-attach with: sweep run %s", sweepId)
		}
		log.Fatalf("sweep failed: %v", err)
	}

	printSummary(db, sweepId)
}

func printSummary(db *gorm.DB, sweepId uuid.UUID) {
	var sweepRecord database.Sweep
	if err := db.Preload("Runs").First(&sweepRecord, "id = ?", sweepId).Error; err != nil {
		log.Fatalf("Failed to fetch sweep: %v", err)
	}

	var completed, failed int
	var best *database.Run
	goal := sweep.Metric{Goal: sweepRecord.MetricGoal}

	for i, run := range sweepRecord.Runs {
		switch run.Status {
		case database.JobCompleted:
			completed++
		case database.JobFailed:
			failed++
		}

		if !run.BestMetric.Valid {
			continue
		}
		if best == nil || goal.Improved(run.BestMetric.Float64, best.BestMetric.Float64) {
			best = &sweepRecord.Runs[i]
		}
	}

	fmt.Printf("sweep %s: %d completed, %d failed\n", sweepRecord.Name, completed, failed)

	if best != nil {
		fmt.Printf("best %s: %v (run %s, fold %d)\n", sweepRecord.MetricName, best.BestMetric.Float64, best.Id, best.Fold)
		fmt.Printf("params: %s\n", string(best.Params))
	}

	if failed > 0 {
		fmt.Printf("retry failed runs with: sweep run %s\n", sweepId)
		os.Exit(1)
	}
}
