package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"pretrain-backend/cmd"
	"pretrain-backend/internal/api"
	"pretrain-backend/internal/core"
	"pretrain-backend/internal/database"
	"pretrain-backend/internal/messaging"
	"pretrain-backend/internal/storage"
	"pretrain-backend/internal/tracker"

	"github.com/caarlos0/env/v11"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

type Config struct {
	Root             string `env:"ROOT" envDefault:"./pretrain-lab"`
	Port             int    `env:"PORT" envDefault:"3001"`
	PythonExecutable string `env:"PYTHON_EXECUTABLE" envDefault:"python3"`
	TrainerScript    string `env:"TRAINER_PLUGIN_SCRIPT" envDefault:"plugin/plugin-python/trainer.py"`
	EvalWorkers      int    `env:"EVAL_WORKERS" envDefault:"2"`
	TrackerURL       string `env:"PRETRAIN_TRACKER_URL"`
	TrackerAPIKey    string `env:"PRETRAIN_TRACKER_API_KEY"`
}

const checkpointBucket = "checkpoints"

func createDatabase(root string) *gorm.DB {
	path := filepath.Join(root, "db", "pretrain.db")
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

func createQueue(db *gorm.DB) *messaging.InMemoryQueue {
	// This process is the only worker, so anything still RUNNING was
	// interrupted by the last shutdown and goes back in line.
	recovered, err := database.RecoverInterrupted(context.Background(), db)
	if err != nil {
		log.Fatalf("Failed to recover interrupted work: %v", err)
	}
	if recovered > 0 {
		slog.Info("requeued interrupted work", "rows", recovered)
	}

	var sweeps []database.Sweep
	if err := db.Where("status = ?", database.JobQueued).Find(&sweeps).Error; err != nil {
		log.Fatalf("Failed to fetch sweeps from database: %v", err)
	}

	var evaluations []database.EvaluationJob
	if err := db.Where("status = ?", database.JobQueued).Find(&evaluations).Error; err != nil {
		log.Fatalf("Failed to fetch evaluation jobs from database: %v", err)
	}

	queue := messaging.NewInMemoryQueue()

	for _, sweepRecord := range sweeps {
		if err := queue.PublishSweepTask(context.Background(), messaging.SweepTaskPayload{
			SweepId: sweepRecord.Id,
		}); err != nil {
			log.Fatalf("Failed to publish sweep task: %v", err)
		}
	}

	for _, job := range evaluations {
		if err := queue.PublishEvaluationTask(context.Background(), messaging.EvaluationTaskPayload{
			JobId: job.Id,
		}); err != nil {
			log.Fatalf("Failed to publish evaluation task: %v", err)
		}
	}

	return queue
}

func createServer(db *gorm.DB, queue messaging.Publisher, trk tracker.Tracker, port int) *http.Server {
	r := chi.NewRouter()

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		ExposedHeaders:   []string{"*"},
		AllowCredentials: true,
		MaxAge:           300,
	}))
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	apiHandler := api.NewBackendService(db, queue, trk)

	r.Route("/api/v1", func(r chi.Router) {
		apiHandler.AddRoutes(r)
	})

	return &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: r,
	}
}

func main() {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		log.Fatalf("error parsing config: %v", err)
	}

	log.SetFlags(log.LstdFlags | log.Lshortfile)
	if err := os.MkdirAll(cfg.Root, os.ModePerm); err != nil {
		log.Fatalf("error creating directory for log file: %v", err)
	}

	f, err := os.OpenFile(filepath.Join(cfg.Root, "backend.log"), os.O_RDWR|os.O_CREATE|os.O_APPEND, 0666)
	if err != nil {
		log.Fatalf("error opening log file: %v", err)
	}
	defer f.Close()

	log.SetOutput(io.MultiWriter(f, os.Stderr))

	slog.Info("starting backend", "root", cfg.Root, "port", cfg.Port)

	db := createDatabase(cfg.Root)

	store, err := storage.NewLocalObjectStore(filepath.Join(cfg.Root, "storage"))
	if err != nil {
		log.Fatalf("Failed to create object store: %v", err)
	}

	if err := store.CreateBucket(context.Background(), checkpointBucket); err != nil {
		log.Fatalf("Failed to create checkpoint bucket: %v", err)
	}

	queue := createQueue(db)

	trk := cmd.CreateTracker(db, cfg.TrackerURL, cfg.TrackerAPIKey)

	loader := core.NewPythonTrainerLoader(cfg.PythonExecutable, cfg.TrainerScript)

	worker := core.NewTaskProcessor(db, store, queue, queue, trk, loader, filepath.Join(cfg.Root, "data"), checkpointBucket, cfg.EvalWorkers)

	server := createServer(db, queue, trk, cfg.Port)

	slog.Info("starting worker")
	go worker.Start()

	go func() {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		<-quit
		slog.Info("shutting down server")

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := server.Shutdown(ctx); err != nil {
			log.Fatalf("Server forced to shutdown: %v", err)
		}

		slog.Info("shutting down worker")
		worker.Stop()
	}()

	slog.Info("server started", "port", cfg.Port)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("Could not listen on %d: %v\n", cfg.Port, err)
	}

	slog.Info("server stopped")
}
