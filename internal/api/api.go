package api

import (
	"database/sql"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sort"
	"time"

	"pretrain-backend/internal/core"
	"pretrain-backend/internal/database"
	"pretrain-backend/internal/messaging"
	"pretrain-backend/internal/metrics"
	"pretrain-backend/internal/sweep"
	"pretrain-backend/internal/tracker"
	"pretrain-backend/pkg/api"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type BackendService struct {
	db        *gorm.DB
	publisher messaging.Publisher
	tracker   tracker.Tracker
}

func NewBackendService(db *gorm.DB, pub messaging.Publisher, trk tracker.Tracker) *BackendService {
	return &BackendService{db: db, publisher: pub, tracker: trk}
}

func (s *BackendService) AddRoutes(r chi.Router) {
	r.Get("/health", RestHandler(func(r *http.Request) (any, error) { return nil, nil }))
	r.Route("/sweeps", func(r chi.Router) {
		r.Post("/", RestHandler(s.SubmitSweep))
		r.Get("/", RestHandler(s.ListSweeps))
		r.Get("/{sweep_id}", RestHandler(s.GetSweep))
		r.Get("/{sweep_id}/runs", RestHandler(s.GetSweepRuns))
		r.Get("/{sweep_id}/summary", RestHandler(s.GetSweepSummary))
		r.Post("/{sweep_id}/resume", RestHandler(s.ResumeSweep))
	})
	r.Get("/runs", RestHandler(s.ListRuns))
	r.Route("/evaluations", func(r chi.Router) {
		r.Post("/", RestHandler(s.SubmitEvaluationJob))
		r.Get("/", RestHandler(s.ListEvaluationJobs))
		r.Get("/{job_id}", RestHandler(s.GetEvaluationJob))
	})
}

func (s *BackendService) SubmitSweep(r *http.Request) (any, error) {
	req, err := ParseRequest[api.CreateSweepRequest](r)
	if err != nil {
		return nil, err
	}

	if req.Name == "" {
		return nil, CodedErrorf(http.StatusUnprocessableEntity, "missing required field: name")
	}

	spec, err := sweep.Parse([]byte(req.Config))
	if err != nil {
		return nil, CodedErrorf(http.StatusUnprocessableEntity, "%v", err)
	}

	ctx := r.Context()

	runs := spec.Runs()

	session, err := s.tracker.CreateSweep(ctx, req.Name, *spec, len(runs))
	if err != nil {
		slog.Error("error registering sweep with tracker", "name", req.Name, "error", err)
		return nil, CodedErrorf(http.StatusInternalServerError, "failed to register sweep with tracker")
	}

	specJSON, err := json.Marshal(spec)
	if err != nil {
		return nil, CodedErrorf(http.StatusInternalServerError, "failed to serialize sweep config")
	}

	combinationsJSON, err := json.Marshal(spec.ExtraArgs.Combinations)
	if err != nil {
		return nil, CodedErrorf(http.StatusInternalServerError, "failed to serialize sweep combinations")
	}

	now := time.Now().UTC()

	sweepRecord := &database.Sweep{
		Id:           uuid.New(),
		ExternalId:   session.Id(),
		Name:         req.Name,
		Method:       spec.Method,
		MetricName:   spec.Metric.Name,
		MetricGoal:   spec.Metric.Goal,
		Spec:         datatypes.JSON(specJSON),
		Status:       database.JobQueued,
		CreationTime: now,
	}

	for _, cfg := range runs {
		paramsJSON, err := json.Marshal(cfg.Params)
		if err != nil {
			return nil, CodedErrorf(http.StatusInternalServerError, "failed to serialize run params")
		}

		sweepRecord.Runs = append(sweepRecord.Runs, database.Run{
			Id:           uuid.New(),
			Fingerprint:  cfg.Fingerprint(),
			Fold:         cfg.Fold,
			Params:       datatypes.JSON(paramsJSON),
			Combinations: datatypes.JSON(combinationsJSON),
			Status:       database.JobQueued,
			CreationTime: now,
		})
	}

	if err := s.db.WithContext(ctx).Create(sweepRecord).Error; err != nil {
		slog.Error("error creating sweep", "name", req.Name, "error", err)
		return nil, CodedErrorf(http.StatusInternalServerError, "failed to create sweep entry")
	}

	if err := s.publisher.PublishSweepTask(ctx, messaging.SweepTaskPayload{SweepId: sweepRecord.Id}); err != nil {
		// The rows are already committed, so the sweep is recoverable with a
		// resume once the queue comes back.
		slog.Error("error publishing sweep task", "sweep_id", sweepRecord.Id, "error", err)
		return nil, CodedErrorf(http.StatusInternalServerError, "failed to queue sweep task, resubmit with POST /sweeps/%s/resume", sweepRecord.Id)
	}

	slog.Info("submitted sweep", "sweep_id", sweepRecord.Id, "external_id", sweepRecord.ExternalId, "runs", len(runs))

	return api.CreateSweepResponse{
		SweepId:    sweepRecord.Id,
		ExternalId: sweepRecord.ExternalId,
		TotalRuns:  len(runs),
	}, nil
}

func (s *BackendService) ListSweeps(r *http.Request) (any, error) {
	ctx := r.Context()

	var sweeps []database.Sweep
	if err := s.db.WithContext(ctx).Preload("Runs").Order("creation_time desc").Find(&sweeps).Error; err != nil {
		slog.Error("error listing sweeps", "error", err)
		return nil, CodedErrorf(http.StatusInternalServerError, "error retrieving sweep records")
	}

	return convertSweeps(sweeps), nil
}

func (s *BackendService) GetSweep(r *http.Request) (any, error) {
	sweepId, err := URLParamUUID(r, "sweep_id")
	if err != nil {
		return nil, err
	}

	ctx := r.Context()

	var sweepRecord database.Sweep
	if err := s.db.WithContext(ctx).Preload("Runs").First(&sweepRecord, "id = ?", sweepId).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, CodedErrorf(http.StatusNotFound, "sweep not found")
		}
		slog.Error("error getting sweep", "sweep_id", sweepId, "error", err)
		return nil, CodedErrorf(http.StatusInternalServerError, "error retrieving sweep record")
	}

	return convertSweep(sweepRecord), nil
}

func (s *BackendService) GetSweepRuns(r *http.Request) (any, error) {
	sweepId, err := URLParamUUID(r, "sweep_id")
	if err != nil {
		return nil, err
	}

	ctx := r.Context()

	var sweepRecord database.Sweep
	if err := s.db.WithContext(ctx).First(&sweepRecord, "id = ?", sweepId).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, CodedErrorf(http.StatusNotFound, "sweep not found")
		}
		slog.Error("error getting sweep", "sweep_id", sweepId, "error", err)
		return nil, CodedErrorf(http.StatusInternalServerError, "error retrieving sweep record")
	}

	var runs []database.Run
	if err := s.db.WithContext(ctx).
		Where("sweep_id = ?", sweepId).
		Order("creation_time").
		Find(&runs).Error; err != nil {
		slog.Error("error listing sweep runs", "sweep_id", sweepId, "error", err)
		return nil, CodedErrorf(http.StatusInternalServerError, "error retrieving run records")
	}

	return convertRuns(runs), nil
}

// GetSweepSummary folds the completed runs of a sweep back down to one row per
// parameter point, with mean and spread over the folds that finished.
func (s *BackendService) GetSweepSummary(r *http.Request) (any, error) {
	sweepId, err := URLParamUUID(r, "sweep_id")
	if err != nil {
		return nil, err
	}

	ctx := r.Context()

	var sweepRecord database.Sweep
	if err := s.db.WithContext(ctx).First(&sweepRecord, "id = ?", sweepId).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, CodedErrorf(http.StatusNotFound, "sweep not found")
		}
		slog.Error("error getting sweep", "sweep_id", sweepId, "error", err)
		return nil, CodedErrorf(http.StatusInternalServerError, "error retrieving sweep record")
	}

	var runs []database.Run
	if err := s.db.WithContext(ctx).
		Where("sweep_id = ? AND status = ?", sweepId, database.JobCompleted).
		Find(&runs).Error; err != nil {
		slog.Error("error listing sweep runs", "sweep_id", sweepId, "error", err)
		return nil, CodedErrorf(http.StatusInternalServerError, "error retrieving run records")
	}

	type point struct {
		params  map[string]any
		perFold []map[string]float64
	}

	points := make(map[string]*point)
	for _, run := range runs {
		var params map[string]any
		if err := json.Unmarshal(run.Params, &params); err != nil {
			slog.Error("error decoding run params", "run_id", run.Id, "error", err)
			continue
		}
		var runMetrics map[string]float64
		if len(run.Metrics) > 0 {
			if err := json.Unmarshal(run.Metrics, &runMetrics); err != nil {
				slog.Error("error decoding run metrics", "run_id", run.Id, "error", err)
				continue
			}
		}

		// Fingerprint with the fold stripped, so fold runs of the same
		// parameter point land in one group.
		key := sweep.RunConfig{Params: params, Fold: -1}.Fingerprint()
		if points[key] == nil {
			points[key] = &point{params: params}
		}
		points[key].perFold = append(points[key].perFold, runMetrics)
	}

	keys := make([]string, 0, len(points))
	for key := range points {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	summaries := make([]api.SweepPointSummary, 0, len(keys))
	for _, key := range keys {
		mean, std := metrics.Aggregate(points[key].perFold)
		summaries = append(summaries, api.SweepPointSummary{
			Params: points[key].params,
			FoldSummary: api.FoldSummary{
				Folds:      len(points[key].perFold),
				MetricMean: mean,
				MetricStd:  std,
			},
		})
	}

	return summaries, nil
}

func (s *BackendService) ResumeSweep(r *http.Request) (any, error) {
	sweepId, err := URLParamUUID(r, "sweep_id")
	if err != nil {
		return nil, err
	}

	ctx := r.Context()

	var sweepRecord database.Sweep
	if err := s.db.WithContext(ctx).First(&sweepRecord, "id = ?", sweepId).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, CodedErrorf(http.StatusNotFound, "sweep not found")
		}
		slog.Error("error getting sweep", "sweep_id", sweepId, "error", err)
		return nil, CodedErrorf(http.StatusInternalServerError, "error retrieving sweep record")
	}

	requeued, err := database.RequeueFailedRuns(ctx, s.db, sweepId)
	if err != nil {
		return nil, CodedErrorf(http.StatusInternalServerError, "error requeueing failed runs")
	}

	var pending int64
	if err := s.db.WithContext(ctx).
		Model(&database.Run{}).
		Where("sweep_id = ? AND status = ?", sweepId, database.JobQueued).
		Count(&pending).Error; err != nil {
		slog.Error("error counting pending runs", "sweep_id", sweepId, "error", err)
		return nil, CodedErrorf(http.StatusInternalServerError, "error counting pending runs")
	}

	if pending == 0 {
		return api.ResumeSweepResponse{SweepId: sweepId, PendingRuns: 0}, nil
	}

	if err := database.UpdateSweepStatus(ctx, s.db, sweepId, database.JobQueued); err != nil {
		return nil, CodedErrorf(http.StatusInternalServerError, "error updating sweep status")
	}

	if err := s.publisher.PublishSweepTask(ctx, messaging.SweepTaskPayload{SweepId: sweepId}); err != nil {
		slog.Error("error publishing sweep task", "sweep_id", sweepId, "error", err)
		return nil, CodedErrorf(http.StatusInternalServerError, "failed to queue sweep task")
	}

	slog.Info("resumed sweep", "sweep_id", sweepId, "requeued", requeued, "pending", pending)

	return api.ResumeSweepResponse{SweepId: sweepId, PendingRuns: int(pending)}, nil
}

type GetRunsParams struct {
	Status string `schema:"status"`
	Query  string `schema:"query"`
	Limit  int    `schema:"limit"`
}

func (s *BackendService) ListRuns(r *http.Request) (any, error) {
	params, err := ParseRequestQueryParams[GetRunsParams](r)
	if err != nil {
		return nil, err
	}

	var filter core.Filter
	if params.Query != "" {
		filter, err = core.ParseQuery(params.Query)
		if err != nil {
			return nil, CodedErrorf(http.StatusBadRequest, "invalid query '%s': %v", params.Query, err)
		}
	}

	ctx := r.Context()

	q := s.db.WithContext(ctx).Order("creation_time")
	if params.Status != "" {
		q = q.Where("status = ?", params.Status)
	}

	var records []database.Run
	if err := q.Find(&records).Error; err != nil {
		slog.Error("error listing runs", "error", err)
		return nil, CodedErrorf(http.StatusInternalServerError, "error retrieving run records")
	}

	limit := params.Limit
	if limit <= 0 {
		limit = len(records)
	}

	// The filter inspects decoded params and metrics, so it runs here rather
	// than in SQL, and the limit applies to what survives it.
	runs := make([]api.Run, 0)
	for _, record := range records {
		if len(runs) == limit {
			break
		}
		if filter != nil {
			fields, err := core.RunFieldsFromRecord(record)
			if err != nil {
				slog.Error("error decoding run fields", "run_id", record.Id, "error", err)
				continue
			}
			if !filter.Matches(fields) {
				continue
			}
		}
		runs = append(runs, convertRun(record))
	}

	return runs, nil
}

func (s *BackendService) SubmitEvaluationJob(r *http.Request) (any, error) {
	req, err := ParseRequest[api.CreateEvaluationRequest](r)
	if err != nil {
		return nil, err
	}

	if req.Name == "" || req.SourceS3Bucket == "" {
		return nil, CodedErrorf(http.StatusUnprocessableEntity, "missing required fields: Name, SourceS3Bucket")
	}

	ctx := r.Context()

	job := database.EvaluationJob{
		Id:             uuid.New(),
		Name:           req.Name,
		SourceS3Bucket: req.SourceS3Bucket,
		SourceS3Prefix: sql.NullString{String: req.SourceS3Prefix, Valid: req.SourceS3Prefix != ""},
		DatasetPath:    req.DatasetPath,
		Status:         database.JobQueued,
		CreationTime:   time.Now().UTC(),
	}

	if err := s.db.WithContext(ctx).Create(&job).Error; err != nil {
		slog.Error("error creating evaluation job", "error", err)
		return nil, CodedErrorf(http.StatusInternalServerError, "failed to create evaluation job entry")
	}

	if err := s.publisher.PublishEvaluationTask(ctx, messaging.EvaluationTaskPayload{JobId: job.Id}); err != nil {
		slog.Error("error publishing evaluation task", "job_id", job.Id, "error", err)
		return nil, CodedErrorf(http.StatusInternalServerError, "failed to queue evaluation task")
	}

	slog.Info("submitted evaluation job", "job_id", job.Id, "bucket", req.SourceS3Bucket, "prefix", req.SourceS3Prefix)

	return api.CreateEvaluationResponse{JobId: job.Id}, nil
}

func (s *BackendService) ListEvaluationJobs(r *http.Request) (any, error) {
	ctx := r.Context()

	var jobs []database.EvaluationJob
	if err := s.db.WithContext(ctx).Order("creation_time desc").Find(&jobs).Error; err != nil {
		slog.Error("error listing evaluation jobs", "error", err)
		return nil, CodedErrorf(http.StatusInternalServerError, "error retrieving evaluation job records")
	}

	return convertEvaluationJobs(jobs), nil
}

func (s *BackendService) GetEvaluationJob(r *http.Request) (any, error) {
	jobId, err := URLParamUUID(r, "job_id")
	if err != nil {
		return nil, err
	}

	ctx := r.Context()

	var job database.EvaluationJob
	if err := s.db.WithContext(ctx).Preload("Results").First(&job, "id = ?", jobId).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, CodedErrorf(http.StatusNotFound, "evaluation job not found")
		}
		slog.Error("error getting evaluation job", "job_id", jobId, "error", err)
		return nil, CodedErrorf(http.StatusInternalServerError, "error retrieving evaluation job record")
	}

	return convertEvaluationJob(job), nil
}
