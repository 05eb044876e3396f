package database

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

func UpdateSweepStatus(ctx context.Context, txn *gorm.DB, sweepId uuid.UUID, status string) error {
	updates := map[string]any{"status": status}
	if status == JobCompleted || status == JobFailed {
		updates["completion_time"] = time.Now().UTC()
	}

	if err := txn.WithContext(ctx).Model(&Sweep{Id: sweepId}).Updates(updates).Error; err != nil {
		slog.Error("error updating sweep status", "sweep_id", sweepId, "status", status, "error", err)
		return err
	}
	return nil
}

func UpdateRunStatus(ctx context.Context, txn *gorm.DB, runId uuid.UUID, status string) error {
	updates := map[string]any{"status": status}
	if status == JobRunning {
		updates["start_time"] = time.Now().UTC()
	}
	if status == JobCompleted || status == JobFailed {
		updates["completion_time"] = time.Now().UTC()
	}

	if err := txn.WithContext(ctx).Model(&Run{Id: runId}).Updates(updates).Error; err != nil {
		slog.Error("error updating run status", "run_id", runId, "status", status, "error", err)
		return err
	}
	return nil
}

// ClaimRun flips a queued run to RUNNING. It returns false without error when
// another process got there first, so concurrent sweep executors never pick up
// the same point twice.
func ClaimRun(ctx context.Context, txn *gorm.DB, runId uuid.UUID) (bool, error) {
	res := txn.WithContext(ctx).
		Model(&Run{}).
		Where("id = ? AND status = ?", runId, JobQueued).
		Updates(map[string]any{"status": JobRunning, "start_time": time.Now().UTC()})
	if res.Error != nil {
		slog.Error("error claiming run", "run_id", runId, "error", res.Error)
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// RequeueFailedRuns puts a sweep's failed runs back in line. Completed runs
// are left alone, so resubmitting a sweep only retries what actually broke.
func RequeueFailedRuns(ctx context.Context, txn *gorm.DB, sweepId uuid.UUID) (int64, error) {
	res := txn.WithContext(ctx).
		Model(&Run{}).
		Where("sweep_id = ? AND status = ?", sweepId, JobFailed).
		Updates(map[string]any{"status": JobQueued, "error_message": ""})
	if res.Error != nil {
		slog.Error("error requeueing failed runs", "sweep_id", sweepId, "error", res.Error)
		return 0, res.Error
	}
	return res.RowsAffected, nil
}

// RecoverInterrupted flips everything left RUNNING back to QUEUED. Only safe
// when no other process is working this database: a single process deployment
// that finds RUNNING rows at startup knows their worker is gone.
func RecoverInterrupted(ctx context.Context, txn *gorm.DB) (int64, error) {
	var recovered int64

	for _, model := range []any{&Run{}, &Sweep{}, &EvaluationJob{}} {
		res := txn.WithContext(ctx).
			Model(model).
			Where("status = ?", JobRunning).
			Update("status", JobQueued)
		if res.Error != nil {
			slog.Error("error recovering interrupted work", "error", res.Error)
			return recovered, res.Error
		}
		recovered += res.RowsAffected
	}

	return recovered, nil
}

func UpdateEvaluationJobStatus(ctx context.Context, txn *gorm.DB, jobId uuid.UUID, status string) error {
	updates := map[string]any{"status": status}
	if status == JobCompleted || status == JobFailed {
		updates["completion_time"] = time.Now().UTC()
	}

	if err := txn.WithContext(ctx).Model(&EvaluationJob{Id: jobId}).Updates(updates).Error; err != nil {
		slog.Error("error updating evaluation job status", "job_id", jobId, "status", status, "error", err)
		return err
	}
	return nil
}

func SaveSweepError(ctx context.Context, txn *gorm.DB, sweepId uuid.UUID, errorMessage string) {
	sweepError := SweepError{
		SweepId:   sweepId,
		ErrorId:   uuid.New(),
		Error:     errorMessage,
		Timestamp: time.Now().UTC(),
	}

	if err := txn.WithContext(ctx).Create(&sweepError).Error; err != nil {
		slog.Error("error saving sweep error", "sweep_id", sweepId, "error", err)
	}
}

func SaveEvaluationError(ctx context.Context, txn *gorm.DB, jobId uuid.UUID, errorMessage string) {
	evalError := EvaluationError{
		JobId:     jobId,
		ErrorId:   uuid.New(),
		Error:     errorMessage,
		Timestamp: time.Now().UTC(),
	}

	if err := txn.WithContext(ctx).Create(&evalError).Error; err != nil {
		slog.Error("error saving evaluation error", "job_id", jobId, "error", err)
	}
}
