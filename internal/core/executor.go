package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"pretrain-backend/internal/database"
	"pretrain-backend/internal/storage"
	"pretrain-backend/internal/sweep"
	"pretrain-backend/internal/tracker"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// SweepRunner executes the runs of a sweep one at a time. Multiple runners may
// work on the same sweep concurrently, from this process or others sharing the
// database; the atomic claim on each run keeps them from colliding.
type SweepRunner struct {
	db               *gorm.DB
	tracker          tracker.Tracker
	loader           TrainerLoader
	storage          storage.ObjectStore
	dataDir          string
	checkpointBucket string

	// OnRunFinished is invoked after each run reaches a terminal status. The
	// sweep command uses it to advance its progress bar.
	OnRunFinished func(runId uuid.UUID, status string)
}

func NewSweepRunner(db *gorm.DB, trk tracker.Tracker, loader TrainerLoader, store storage.ObjectStore, dataDir, checkpointBucket string) *SweepRunner {
	return &SweepRunner{
		db:               db,
		tracker:          trk,
		loader:           loader,
		storage:          store,
		dataDir:          dataDir,
		checkpointBucket: checkpointBucket,
	}
}

// ProcessSweep claims and executes queued runs until none are left. A failed
// run marks itself FAILED and the loop moves on; only sweep level problems
// (unreachable database, cancelled context) abort the loop.
func (r *SweepRunner) ProcessSweep(ctx context.Context, sweepId uuid.UUID) error {
	var sweepRecord database.Sweep
	if err := r.db.WithContext(ctx).First(&sweepRecord, "id = ?", sweepId).Error; err != nil {
		slog.Error("error fetching sweep", "sweep_id", sweepId, "error", err)
		return fmt.Errorf("error getting sweep: %w", err)
	}

	slog.Info("processing sweep", "sweep_id", sweepId, "name", sweepRecord.Name)

	database.UpdateSweepStatus(ctx, r.db, sweepId, database.JobRunning) //nolint:errcheck

	session, err := r.tracker.ResumeSweep(ctx, sweepRecord.ExternalId)
	if err != nil {
		database.SaveSweepError(ctx, r.db, sweepId, fmt.Sprintf("tracker session: %v", err))
		database.UpdateSweepStatus(ctx, r.db, sweepId, database.JobFailed) //nolint:errcheck
		return fmt.Errorf("error opening tracker session: %w", err)
	}

	completed, err := session.Completed(ctx)
	if err != nil {
		database.SaveSweepError(ctx, r.db, sweepId, fmt.Sprintf("tracker session: %v", err))
		database.UpdateSweepStatus(ctx, r.db, sweepId, database.JobFailed) //nolint:errcheck
		return fmt.Errorf("error listing completed points: %w", err)
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		run, ok, err := r.claimNextRun(ctx, sweepId)
		if err != nil {
			return err
		}
		if !ok {
			break
		}

		if err := r.executeRun(ctx, sweepRecord, run, session, completed); err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return err
			}
			slog.Error("run failed", "sweep_id", sweepId, "run_id", run.Id, "error", err)
		}
	}

	var remaining int64
	if err := r.db.WithContext(ctx).
		Model(&database.Run{}).
		Where("sweep_id = ? AND status IN ?", sweepId, []string{database.JobQueued, database.JobRunning}).
		Count(&remaining).Error; err != nil {
		return fmt.Errorf("error counting remaining runs: %w", err)
	}

	if remaining == 0 {
		var succeeded int64
		if err := r.db.WithContext(ctx).
			Model(&database.Run{}).
			Where("sweep_id = ? AND status = ?", sweepId, database.JobCompleted).
			Count(&succeeded).Error; err != nil {
			return fmt.Errorf("error counting completed runs: %w", err)
		}

		// A sweep where every single point failed is itself a failure.
		status := database.JobCompleted
		if succeeded == 0 {
			status = database.JobFailed
		}

		if err := database.UpdateSweepStatus(ctx, r.db, sweepId, status); err != nil {
			return fmt.Errorf("error marking sweep %s: %w", status, err)
		}
		slog.Info("sweep finished", "sweep_id", sweepId, "status", status)
	}

	return nil
}

func (r *SweepRunner) claimNextRun(ctx context.Context, sweepId uuid.UUID) (database.Run, bool, error) {
	for {
		var run database.Run
		err := r.db.WithContext(ctx).
			Where("sweep_id = ? AND status = ?", sweepId, database.JobQueued).
			Order("creation_time").
			First(&run).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return database.Run{}, false, nil
		}
		if err != nil {
			return database.Run{}, false, fmt.Errorf("error fetching next run: %w", err)
		}

		claimed, err := database.ClaimRun(ctx, r.db, run.Id)
		if err != nil {
			return database.Run{}, false, fmt.Errorf("error claiming run: %w", err)
		}
		if claimed {
			return run, true, nil
		}
	}
}

func (r *SweepRunner) executeRun(ctx context.Context, sweepRecord database.Sweep, run database.Run, session tracker.SweepSession, completed map[string]bool) error {
	slog.Info("executing run", "sweep_id", sweepRecord.Id, "run_id", run.Id, "fold", run.Fold)

	if completed[run.Fingerprint] {
		slog.Info("point already completed on tracker, skipping", "run_id", run.Id, "fingerprint", run.Fingerprint)
		database.UpdateRunStatus(ctx, r.db, run.Id, database.JobCompleted) //nolint:errcheck
		r.notifyRunFinished(run.Id, database.JobCompleted)
		return nil
	}

	claimedPoint, err := session.ClaimPoint(ctx, run.Fingerprint)
	if err != nil {
		// The database claim already arbitrates locally, so a tracker outage
		// degrades to possible duplicate work across deployments rather than
		// stalling the sweep.
		slog.Error("error claiming point on tracker, continuing", "run_id", run.Id, "error", err)
		claimedPoint = true
	}
	if !claimedPoint {
		return r.failRun(ctx, sweepRecord.Id, run.Id, fmt.Errorf("point is claimed by another agent on the tracker"))
	}

	cfg, err := runConfigFromRecord(sweepRecord, run)
	if err != nil {
		return r.failRun(ctx, sweepRecord.Id, run.Id, err)
	}

	runDir, err := NextRunDir(r.dataDir)
	if err != nil {
		return r.failRun(ctx, sweepRecord.Id, run.Id, err)
	}

	if err := WriteRunConfig(runDir, cfg); err != nil {
		return r.failRun(ctx, sweepRecord.Id, run.Id, err)
	}

	runSession, err := session.StartRun(ctx, run.Id, cfg)
	if err != nil {
		return r.failRun(ctx, sweepRecord.Id, run.Id, fmt.Errorf("error starting tracker run: %w", err))
	}

	if err := r.db.WithContext(ctx).
		Model(&database.Run{Id: run.Id}).
		Update("tracker_run_id", runSession.Id()).Error; err != nil {
		slog.Error("error recording tracker run id", "run_id", run.Id, "error", err)
	}

	result, err := ExecuteRun(ctx, r.loader, runSession, cfg, runDir)
	if err != nil {
		if finishErr := runSession.Finish(ctx, tracker.RunStateFailed, nil); finishErr != nil {
			slog.Error("error finishing tracker run", "run_id", run.Id, "error", finishErr)
		}
		if errors.Is(err, ErrData) {
			slog.Error("run aborted on data error", "run_id", run.Id, "dataset", cfg.ExtraArgs.FilenameTrainset, "error", err)
		}
		return r.failRun(ctx, sweepRecord.Id, run.Id, err)
	}

	// Runs are grouped under the sweep so one evaluation prefix covers every
	// fold of the sweep.
	storagePrefix := filepath.Join(sweepRecord.Id.String(), run.Id.String())
	if err := r.storage.UploadDir(ctx, r.checkpointBucket, storagePrefix, runDir); err != nil {
		slog.Error("error uploading run directory", "run_id", run.Id, "error", err)
		return r.failRun(ctx, sweepRecord.Id, run.Id, fmt.Errorf("error uploading run directory: %w", err))
	}

	summary := make(map[string]float64, len(result.Summary)+1)
	for name, value := range result.Summary {
		summary[name] = value
	}
	summary["best_epoch"] = float64(result.BestEpoch)

	if err := runSession.Finish(ctx, tracker.RunStateFinished, summary); err != nil {
		slog.Error("error finishing tracker run", "run_id", run.Id, "error", err)
	}

	metricsJSON, err := json.Marshal(result.Summary)
	if err != nil {
		return r.failRun(ctx, sweepRecord.Id, run.Id, fmt.Errorf("error serializing run metrics: %w", err))
	}

	if err := r.db.WithContext(ctx).
		Model(&database.Run{Id: run.Id}).
		Updates(map[string]any{
			"status":          database.JobCompleted,
			"completion_time": time.Now().UTC(),
			"best_metric":     result.BestMetric,
			"best_epoch":      result.BestEpoch,
			"metrics":         datatypes.JSON(metricsJSON),
			"checkpoint_path": filepath.Join(storagePrefix, filepath.Base(result.CheckpointPath)),
		}).Error; err != nil {
		slog.Error("error marking run completed", "run_id", run.Id, "error", err)
		return fmt.Errorf("error marking run completed: %w", err)
	}

	slog.Info("run completed", "run_id", run.Id, "best_epoch", result.BestEpoch, "best_metric", result.BestMetric)
	r.notifyRunFinished(run.Id, database.JobCompleted)

	return nil
}

func (r *SweepRunner) failRun(ctx context.Context, sweepId, runId uuid.UUID, runErr error) error {
	database.SaveSweepError(ctx, r.db, sweepId, fmt.Sprintf("run %s: %v", runId, runErr))

	if err := r.db.WithContext(ctx).
		Model(&database.Run{Id: runId}).
		Updates(map[string]any{
			"status":          database.JobFailed,
			"completion_time": time.Now().UTC(),
			"error_message":   runErr.Error(),
		}).Error; err != nil {
		slog.Error("error marking run failed", "run_id", runId, "error", err)
	}

	r.notifyRunFinished(runId, database.JobFailed)

	return runErr
}

func (r *SweepRunner) notifyRunFinished(runId uuid.UUID, status string) {
	if r.OnRunFinished != nil {
		r.OnRunFinished(runId, status)
	}
}

func runConfigFromRecord(sweepRecord database.Sweep, run database.Run) (sweep.RunConfig, error) {
	var spec sweep.Spec
	if err := json.Unmarshal(sweepRecord.Spec, &spec); err != nil {
		return sweep.RunConfig{}, fmt.Errorf("error parsing stored sweep spec: %w", err)
	}

	var params map[string]any
	if err := json.Unmarshal(run.Params, &params); err != nil {
		return sweep.RunConfig{}, fmt.Errorf("error parsing stored run params: %w", err)
	}

	return sweep.RunConfig{
		Params:    params,
		ExtraArgs: spec.ExtraArgs,
		Metric:    spec.Metric,
		Fold:      run.Fold,
	}, nil
}
