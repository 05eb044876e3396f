package core

import (
	"context"
	"database/sql"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"pretrain-backend/internal/database"
	"pretrain-backend/internal/messaging"
	"pretrain-backend/internal/storage"
	"pretrain-backend/internal/sweep"
	"pretrain-backend/internal/tracker"
	"pretrain-backend/plugin/shared"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordedTask struct {
	queue    string
	payload  []byte
	acked    bool
	nacked   bool
	rejected bool
}

func (t *recordedTask) Type() string    { return t.queue }
func (t *recordedTask) Payload() []byte { return t.payload }
func (t *recordedTask) Ack() error      { t.acked = true; return nil }
func (t *recordedTask) Nack() error     { t.nacked = true; return nil }
func (t *recordedTask) Reject() error   { t.rejected = true; return nil }

func TestProcessEvaluationTask(t *testing.T) {
	ctx := context.Background()

	db := createTestDB(t)

	storageDir := t.TempDir()
	store, err := storage.NewLocalObjectStore(storageDir)
	require.NoError(t, err)
	require.NoError(t, store.CreateBucket(ctx, "checkpoints"))

	// Stage a trained run in the store, the way a finished sweep leaves it.
	runDir := t.TempDir()
	require.NoError(t, WriteRunConfig(runDir, maximizeConfig(3, 0)))
	require.NoError(t, os.WriteFile(filepath.Join(runDir, "epoch=2-step=300.ckpt"), []byte("weights"), 0644))
	require.NoError(t, store.UploadDir(ctx, "checkpoints", "sweep-ckpts/0", runDir))

	basis := [][]float64{{1, 0, 0}, {0, 1, 0}, {0, 0, 1}}
	embeddings := map[string][][]float64{"host_galaxy": basis, "lightcurve": basis}
	trainer := &fakeTrainer{
		evalOut: shared.EvaluationOutput{
			Train: shared.SplitOutput{Embeddings: embeddings},
			Val:   shared.SplitOutput{Embeddings: embeddings},
		},
	}

	var loaded []sweep.RunConfig
	loader := func(cfg sweep.RunConfig) (Trainer, error) {
		loaded = append(loaded, cfg)
		return trainer, nil
	}

	queue := messaging.NewInMemoryQueue()
	proc := NewTaskProcessor(db, store, queue, queue, tracker.NewLocalTracker(db), loader, t.TempDir(), "checkpoints", 1)

	job := database.EvaluationJob{
		Id:             uuid.New(),
		Name:           "score-best-checkpoints",
		SourceS3Bucket: "checkpoints",
		SourceS3Prefix: sql.NullString{String: "sweep-ckpts", Valid: true},
		DatasetPath:    "data/eval.hdf5",
		Status:         database.JobQueued,
		CreationTime:   time.Now().UTC(),
	}
	require.NoError(t, db.Create(&job).Error)

	require.NoError(t, queue.PublishEvaluationTask(ctx, messaging.EvaluationTaskPayload{JobId: job.Id}))
	task := <-queue.Tasks()
	require.Equal(t, messaging.EvaluationQueue, task.Type())

	proc.ProcessTask(task)

	var updated database.EvaluationJob
	require.NoError(t, db.First(&updated, "id = ?", job.Id).Error)
	assert.Equal(t, database.JobCompleted, updated.Status)
	assert.True(t, updated.CompletionTime.Valid)

	var results []database.EvaluationResult
	require.NoError(t, db.Find(&results, "job_id = ?", job.Id).Error)
	require.Len(t, results, 1)
	assert.Equal(t, "epoch=2-step=300.ckpt", filepath.Base(results[0].CheckpointPath))
	assert.Equal(t, "lr=0.001 + retrieval", results[0].Label)
	assert.Equal(t, "host_galaxy+lightcurve", results[0].Combination)
	assert.Equal(t, -1, results[0].Fold)

	var resultMetrics map[string]float64
	require.NoError(t, json.Unmarshal(results[0].Metrics, &resultMetrics))
	assert.Contains(t, resultMetrics, "AUC")
	assert.Contains(t, resultMetrics, "AUC_rev")

	// The job's dataset replaced the one recorded at training time.
	require.Len(t, loaded, 1)
	assert.Equal(t, "data/eval.hdf5", loaded[0].ExtraArgs.FilenameTrainset)
	assert.True(t, trainer.released)

	csvData, err := os.ReadFile(filepath.Join(storageDir, "checkpoints", job.Id.String(), "results.csv"))
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(csvData)), "\n")
	require.Len(t, lines, 2)
	assert.Equal(t, "label,combination,fold,checkpoint,AUC,AUC_rev", lines[0])
}

func TestProcessSweepTaskFromQueue(t *testing.T) {
	db := createTestDB(t)
	trk := tracker.NewLocalTracker(db)

	config := `
method: grid
metric:
  goal: maximize
  name: AUC_val
parameters:
  lr: [0.001]
extra_args:
  filename_trainset: data/train.hdf5
  combinations: [host_galaxy, lightcurve]
  max_epochs: 1
`
	spec, err := sweep.Parse([]byte(config))
	require.NoError(t, err)

	record := seedSweep(t, db, trk, spec)

	loader := func(cfg sweep.RunConfig) (Trainer, error) {
		return &fakeTrainer{
			info:       shared.DatasetInfo{NumSamples: 8},
			metricName: "AUC_val",
			curve:      []float64{0.6},
		}, nil
	}

	store, err := storage.NewLocalObjectStore(t.TempDir())
	require.NoError(t, err)

	queue := messaging.NewInMemoryQueue()
	proc := NewTaskProcessor(db, store, queue, queue, trk, loader, t.TempDir(), "checkpoints", 1)

	require.NoError(t, queue.PublishSweepTask(context.Background(), messaging.SweepTaskPayload{SweepId: record.Id}))
	proc.ProcessTask(<-queue.Tasks())

	var sweepRecord database.Sweep
	require.NoError(t, db.First(&sweepRecord, "id = ?", record.Id).Error)
	assert.Equal(t, database.JobCompleted, sweepRecord.Status)

	var run database.Run
	require.NoError(t, db.First(&run, "sweep_id = ?", record.Id).Error)
	assert.Equal(t, database.JobCompleted, run.Status)
}

func TestProcessTaskBadMessages(t *testing.T) {
	db := createTestDB(t)

	store, err := storage.NewLocalObjectStore(t.TempDir())
	require.NoError(t, err)

	queue := messaging.NewInMemoryQueue()
	proc := NewTaskProcessor(db, store, queue, queue, tracker.NewLocalTracker(db), nil, t.TempDir(), "checkpoints", 1)

	malformed := &recordedTask{queue: messaging.SweepQueue, payload: []byte(`{`)}
	proc.ProcessTask(malformed)
	assert.True(t, malformed.rejected)
	assert.False(t, malformed.acked)

	unknown := &recordedTask{queue: "mystery_queue", payload: []byte(`{}`)}
	proc.ProcessTask(unknown)
	assert.True(t, unknown.rejected)

	payload, err := json.Marshal(messaging.EvaluationTaskPayload{JobId: uuid.New()})
	require.NoError(t, err)
	missingJob := &recordedTask{queue: messaging.EvaluationQueue, payload: payload}
	proc.ProcessTask(missingJob)
	assert.True(t, missingJob.nacked)
	assert.False(t, missingJob.acked)
}

func TestDatasetBoundLoader(t *testing.T) {
	var datasets []string
	proc := &TaskProcessor{loader: func(cfg sweep.RunConfig) (Trainer, error) {
		datasets = append(datasets, cfg.ExtraArgs.FilenameTrainset)
		return nil, nil
	}}

	cfg := sweep.RunConfig{ExtraArgs: sweep.ExtraArgs{FilenameTrainset: "data/original.hdf5"}}

	_, err := proc.datasetBoundLoader(database.EvaluationJob{DatasetPath: "data/override.hdf5"})(cfg)
	require.NoError(t, err)
	_, err = proc.datasetBoundLoader(database.EvaluationJob{})(cfg)
	require.NoError(t, err)

	assert.Equal(t, []string{"data/override.hdf5", "data/original.hdf5"}, datasets)
}
