package api

import (
	"encoding/json"
	"log/slog"

	"pretrain-backend/internal/database"
	"pretrain-backend/pkg/api"
)

func convertSweep(s database.Sweep) api.Sweep {
	out := api.Sweep{
		Id:           s.Id,
		ExternalId:   s.ExternalId,
		Name:         s.Name,
		Method:       s.Method,
		MetricName:   s.MetricName,
		MetricGoal:   s.MetricGoal,
		Status:       s.Status,
		CreationTime: s.CreationTime,
		TotalRuns:    len(s.Runs),
	}

	for _, run := range s.Runs {
		switch run.Status {
		case database.JobCompleted:
			out.CompletedRuns++
		case database.JobFailed:
			out.FailedRuns++
		}
	}

	return out
}

func convertSweeps(ss []database.Sweep) []api.Sweep {
	sweeps := make([]api.Sweep, 0, len(ss))
	for _, s := range ss {
		sweeps = append(sweeps, convertSweep(s))
	}
	return sweeps
}

func convertRun(r database.Run) api.Run {
	run := api.Run{
		Id:             r.Id,
		SweepId:        r.SweepId,
		Fold:           r.Fold,
		Status:         r.Status,
		CheckpointPath: r.CheckpointPath,
		Error:          r.ErrorMessage,
		CreationTime:   r.CreationTime,
	}

	if err := json.Unmarshal(r.Params, &run.Params); err != nil {
		slog.Error("error decoding run params", "run_id", r.Id, "error", err)
	}
	if err := json.Unmarshal(r.Combinations, &run.Combinations); err != nil {
		slog.Error("error decoding run combinations", "run_id", r.Id, "error", err)
	}
	if len(r.Metrics) > 0 {
		if err := json.Unmarshal(r.Metrics, &run.Metrics); err != nil {
			slog.Error("error decoding run metrics", "run_id", r.Id, "error", err)
		}
	}

	if r.BestMetric.Valid {
		run.BestMetric = &r.BestMetric.Float64
	}
	if r.BestEpoch.Valid {
		epoch := int(r.BestEpoch.Int64)
		run.BestEpoch = &epoch
	}
	if r.CompletionTime.Valid {
		run.CompletionTime = &r.CompletionTime.Time
	}

	return run
}

func convertRuns(rs []database.Run) []api.Run {
	runs := make([]api.Run, 0, len(rs))
	for _, r := range rs {
		runs = append(runs, convertRun(r))
	}
	return runs
}

func convertEvaluationJob(j database.EvaluationJob) api.EvaluationJob {
	return api.EvaluationJob{
		Id:             j.Id,
		Name:           j.Name,
		SourceS3Bucket: j.SourceS3Bucket,
		SourceS3Prefix: j.SourceS3Prefix.String,
		DatasetPath:    j.DatasetPath,
		Status:         j.Status,
		CreationTime:   j.CreationTime,
		Results:        convertEvaluationResults(j.Results),
	}
}

func convertEvaluationJobs(js []database.EvaluationJob) []api.EvaluationJob {
	jobs := make([]api.EvaluationJob, 0, len(js))
	for _, j := range js {
		jobs = append(jobs, convertEvaluationJob(j))
	}
	return jobs
}

func convertEvaluationResult(r database.EvaluationResult) api.EvaluationResult {
	result := api.EvaluationResult{
		Id:             r.Id,
		JobId:          r.JobId,
		CheckpointPath: r.CheckpointPath,
		Label:          r.Label,
		Combination:    r.Combination,
		Fold:           r.Fold,
	}

	if err := json.Unmarshal(r.Metrics, &result.Metrics); err != nil {
		slog.Error("error decoding evaluation metrics", "result_id", r.Id, "error", err)
	}

	return result
}

func convertEvaluationResults(rs []database.EvaluationResult) []api.EvaluationResult {
	var results []api.EvaluationResult
	for _, r := range rs {
		results = append(results, convertEvaluationResult(r))
	}
	return results
}
