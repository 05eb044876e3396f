package core

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"pretrain-backend/internal/database"
	"pretrain-backend/internal/messaging"
	"pretrain-backend/internal/storage"
	"pretrain-backend/internal/sweep"
	"pretrain-backend/internal/tracker"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type TaskProcessor struct {
	db        *gorm.DB
	storage   storage.ObjectStore
	publisher messaging.Publisher
	reciever  messaging.Reciever

	runner *SweepRunner
	loader TrainerLoader

	dataDir          string
	checkpointBucket string
	evalWorkers      int
}

func NewTaskProcessor(db *gorm.DB, store storage.ObjectStore, publisher messaging.Publisher, reciever messaging.Reciever, trk tracker.Tracker, loader TrainerLoader, dataDir, checkpointBucket string, evalWorkers int) *TaskProcessor {
	return &TaskProcessor{
		db:               db,
		storage:          store,
		publisher:        publisher,
		reciever:         reciever,
		runner:           NewSweepRunner(db, trk, loader, store, dataDir, checkpointBucket),
		loader:           loader,
		dataDir:          dataDir,
		checkpointBucket: checkpointBucket,
		evalWorkers:      evalWorkers,
	}
}

func (proc *TaskProcessor) Start() {
	slog.Info("starting task processor")

	for task := range proc.reciever.Tasks() {
		proc.ProcessTask(task)
	}
}

func (proc *TaskProcessor) Stop() {
	slog.Info("stopping task processor")

	proc.publisher.Close()
	proc.reciever.Close()
}

func (proc *TaskProcessor) ProcessTask(task messaging.Task) {
	ctx := context.Background()

	var err error
	switch task.Type() {

	case messaging.SweepQueue:
		var payload messaging.SweepTaskPayload
		if err = json.Unmarshal(task.Payload(), &payload); err != nil {
			slog.Error("error unmarshalling sweep task", "error", err)
			if err := task.Reject(); err != nil { // Discard malformed message
				slog.Error("error rejecting message from queue", "error", err)
			}
			return
		}
		err = proc.processSweepTask(ctx, payload)

	case messaging.EvaluationQueue:
		var payload messaging.EvaluationTaskPayload
		if err = json.Unmarshal(task.Payload(), &payload); err != nil {
			slog.Error("error unmarshalling evaluation task", "error", err)
			if err := task.Reject(); err != nil { // Discard malformed message
				slog.Error("error rejecting message from queue", "error", err)
			}
			return
		}
		err = proc.processEvaluationTask(ctx, payload)

	default:
		slog.Error("received unknown task type", "queue", task.Type())
		if err := task.Reject(); err != nil { // reject unknown message type
			slog.Error("error rejecting message from queue", "error", err)
		}
		return
	}

	if err != nil {
		slog.Error("error processing task", "queue", task.Type(), "error", err)
		if err := task.Nack(); err != nil {
			slog.Error("error reporting processing failure on message from queue", "error", err)
		}
	} else {
		slog.Info("successfully processed task", "queue", task.Type())
		if err := task.Ack(); err != nil {
			slog.Error("error acknowledging message from queue", "error", err)
		}
	}
}

func (proc *TaskProcessor) processSweepTask(ctx context.Context, payload messaging.SweepTaskPayload) error {
	return proc.runner.ProcessSweep(ctx, payload.SweepId)
}

func (proc *TaskProcessor) processEvaluationTask(ctx context.Context, payload messaging.EvaluationTaskPayload) error {
	jobId := payload.JobId

	slog.Info("processing evaluation task", "job_id", jobId)

	var job database.EvaluationJob
	if err := proc.db.WithContext(ctx).First(&job, "id = ?", jobId).Error; err != nil {
		slog.Error("error fetching evaluation job", "job_id", jobId, "error", err)
		return fmt.Errorf("error getting evaluation job: %w", err)
	}

	database.UpdateEvaluationJobStatus(ctx, proc.db, jobId, database.JobRunning) //nolint:errcheck

	localDir := filepath.Join(proc.dataDir, "evaluations", jobId.String())
	if err := os.MkdirAll(localDir, os.ModePerm); err != nil {
		database.UpdateEvaluationJobStatus(ctx, proc.db, jobId, database.JobFailed) //nolint:errcheck
		return fmt.Errorf("error creating evaluation directory: %w", err)
	}

	if err := proc.storage.DownloadDir(ctx, job.SourceS3Bucket, job.SourceS3Prefix.String, localDir, true); err != nil {
		database.SaveEvaluationError(ctx, proc.db, jobId, fmt.Sprintf("downloading checkpoints: %v", err))
		database.UpdateEvaluationJobStatus(ctx, proc.db, jobId, database.JobFailed) //nolint:errcheck
		return fmt.Errorf("error downloading checkpoint tree: %w", err)
	}

	evaluator := NewEvaluator(proc.datasetBoundLoader(job), proc.evalWorkers)
	evaluator.OnTargetError = func(target EvalTarget, err error) {
		database.SaveEvaluationError(ctx, proc.db, jobId, fmt.Sprintf("checkpoint %s: %v", target.Checkpoint.Path, err))
	}

	rows, err := evaluator.EvaluateTree(ctx, localDir)
	if err != nil {
		database.SaveEvaluationError(ctx, proc.db, jobId, err.Error())
		database.UpdateEvaluationJobStatus(ctx, proc.db, jobId, database.JobFailed) //nolint:errcheck
		return fmt.Errorf("error evaluating checkpoints: %w", err)
	}

	if err := proc.saveEvaluationResults(ctx, job, rows); err != nil {
		database.UpdateEvaluationJobStatus(ctx, proc.db, jobId, database.JobFailed) //nolint:errcheck
		return err
	}

	if err := database.UpdateEvaluationJobStatus(ctx, proc.db, jobId, database.JobCompleted); err != nil {
		return fmt.Errorf("error updating evaluation job status: %w", err)
	}

	slog.Info("evaluation completed", "job_id", jobId, "rows", len(rows))

	return nil
}

// datasetBoundLoader rebinds each checkpoint's run config to the dataset the
// job was submitted with, so checkpoint trees remain evaluable on hosts whose
// dataset path differs from the training host's.
func (proc *TaskProcessor) datasetBoundLoader(job database.EvaluationJob) TrainerLoader {
	return func(cfg sweep.RunConfig) (Trainer, error) {
		if job.DatasetPath != "" {
			cfg.ExtraArgs.FilenameTrainset = job.DatasetPath
		}
		return proc.loader(cfg)
	}
}

func (proc *TaskProcessor) saveEvaluationResults(ctx context.Context, job database.EvaluationJob, rows []EvalRow) error {
	results := make([]database.EvaluationResult, 0, len(rows))
	for _, row := range rows {
		metricsJSON, err := json.Marshal(row.Metrics)
		if err != nil {
			return fmt.Errorf("error serializing result metrics: %w", err)
		}
		results = append(results, database.EvaluationResult{
			Id:             uuid.New(),
			JobId:          job.Id,
			CheckpointPath: row.CheckpointPath,
			Label:          row.Label,
			Combination:    row.Combination,
			Fold:           row.Fold,
			Metrics:        datatypes.JSON(metricsJSON),
		})
	}

	if err := proc.db.WithContext(ctx).Create(&results).Error; err != nil {
		slog.Error("error saving evaluation results", "job_id", job.Id, "error", err)
		return fmt.Errorf("error saving evaluation results: %w", err)
	}

	var csvBuffer bytes.Buffer
	if err := WriteResultsCSV(&csvBuffer, rows); err != nil {
		return fmt.Errorf("error rendering results csv: %w", err)
	}

	csvKey := job.Id.String() + "/results.csv"
	if err := proc.storage.PutObject(ctx, proc.checkpointBucket, csvKey, &csvBuffer); err != nil {
		slog.Error("error uploading results csv", "job_id", job.Id, "error", err)
		return fmt.Errorf("error uploading results csv: %w", err)
	}

	slog.Info("evaluation results saved", "job_id", job.Id, "count", len(results), "csv", csvKey)

	return nil
}
