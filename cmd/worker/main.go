package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"pretrain-backend/cmd"
	"pretrain-backend/internal/core"
	"pretrain-backend/internal/database"
	"pretrain-backend/internal/messaging"
	"pretrain-backend/internal/storage"

	"github.com/caarlos0/env/v11"
)

type WorkerConfig struct {
	DatabaseURL       string `env:"DATABASE_URL,notEmpty,required"`
	RabbitMQURL       string `env:"RABBITMQ_URL,notEmpty,required"`
	S3EndpointURL     string `env:"S3_ENDPOINT_URL"`
	S3AccessKeyID     string `env:"AWS_ACCESS_KEY_ID,notEmpty,required"`
	S3SecretAccessKey string `env:"AWS_SECRET_ACCESS_KEY,notEmpty,required"`
	S3Region          string `env:"AWS_REGION,notEmpty,required"`
	CheckpointBucket  string `env:"CHECKPOINT_BUCKET_NAME" envDefault:"checkpoints"`
	DataDir           string `env:"DATA_DIR" envDefault:"./data"`
	PythonExecutable  string `env:"PYTHON_EXECUTABLE" envDefault:"python3"`
	TrainerScript     string `env:"TRAINER_PLUGIN_SCRIPT" envDefault:"plugin/plugin-python/trainer.py"`
	EvalWorkers       int    `env:"EVAL_WORKERS" envDefault:"4"`
	TrackerURL        string `env:"PRETRAIN_TRACKER_URL"`
	TrackerAPIKey     string `env:"PRETRAIN_TRACKER_API_KEY"`
}

func main() {
	log.Println("Starting Worker Process...")

	cmd.LoadEnvFile()

	var cfg WorkerConfig
	if err := env.Parse(&cfg); err != nil {
		log.Fatalf("error parsing config: %v", err)
	}

	db, err := database.NewDatabase(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}

	store, err := storage.NewS3ObjectStore(storage.S3ClientConfig{
		Endpoint:        cfg.S3EndpointURL,
		Region:          cfg.S3Region,
		AccessKeyID:     cfg.S3AccessKeyID,
		SecretAccessKey: cfg.S3SecretAccessKey,
	})
	if err != nil {
		log.Fatalf("Worker: Failed to create S3 client: %v", err)
	}

	if err := store.CreateBucket(context.Background(), cfg.CheckpointBucket); err != nil {
		log.Fatalf("Worker: Failed to create checkpoint bucket: %v", err)
	}

	publisher, err := messaging.NewRabbitMQPublisher(cfg.RabbitMQURL)
	if err != nil {
		log.Fatalf("Failed to connect to RabbitMQ: %v", err)
	}

	reciever, err := messaging.NewRabbitMQReceiver(cfg.RabbitMQURL)
	if err != nil {
		log.Fatalf("Failed to create RabbitMQ consumer: %v", err)
	}

	trk := cmd.CreateTracker(db, cfg.TrackerURL, cfg.TrackerAPIKey)

	loader := core.NewPythonTrainerLoader(cfg.PythonExecutable, cfg.TrainerScript)

	processor := core.NewTaskProcessor(db, store, publisher, reciever, trk, loader, cfg.DataDir, cfg.CheckpointBucket, cfg.EvalWorkers)

	go func() {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		<-quit
		log.Println("Shutdown signal received, stopping task processor...")
		processor.Stop()
	}()

	log.Println("Worker started. Waiting for tasks. Press Ctrl+C to exit.")
	processor.Start()

	log.Println("Worker process stopped.")
}
