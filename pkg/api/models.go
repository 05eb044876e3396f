package api

import (
	"time"

	"github.com/google/uuid"
)

type Sweep struct {
	Id         uuid.UUID
	ExternalId string
	Name       string

	Method     string
	MetricName string
	MetricGoal string

	Status string

	CreationTime time.Time

	TotalRuns     int
	CompletedRuns int
	FailedRuns    int
}

type Run struct {
	Id      uuid.UUID
	SweepId uuid.UUID

	Params       map[string]any
	Combinations []string
	Fold         int
	Status       string

	BestMetric *float64           `json:"BestMetric,omitempty"`
	BestEpoch  *int               `json:"BestEpoch,omitempty"`
	Metrics    map[string]float64 `json:"Metrics,omitempty"`

	CheckpointPath string `json:"CheckpointPath,omitempty"`
	Error          string `json:"Error,omitempty"`

	CreationTime   time.Time
	CompletionTime *time.Time `json:"CompletionTime,omitempty"`
}

type CreateSweepRequest struct {
	Name string

	// Config carries the sweep configuration document verbatim.
	Config string
}

type CreateSweepResponse struct {
	SweepId    uuid.UUID
	ExternalId string
	TotalRuns  int
}

type ResumeSweepResponse struct {
	SweepId     uuid.UUID
	PendingRuns int
}

type FoldSummary struct {
	Folds int

	MetricMean map[string]float64
	MetricStd  map[string]float64
}

// SweepPointSummary collapses the fold runs of one parameter point into a
// single row.
type SweepPointSummary struct {
	Params map[string]any

	FoldSummary
}

type CreateEvaluationRequest struct {
	Name string

	SourceS3Bucket string
	SourceS3Prefix string

	DatasetPath string
}

type CreateEvaluationResponse struct {
	JobId uuid.UUID
}

type EvaluationJob struct {
	Id   uuid.UUID
	Name string

	SourceS3Bucket string
	SourceS3Prefix string
	DatasetPath    string

	Status string

	CreationTime time.Time

	Results []EvaluationResult `json:"Results,omitempty"`
}

type EvaluationResult struct {
	Id    uuid.UUID
	JobId uuid.UUID

	CheckpointPath string
	Label          string
	Combination    string
	Fold           int

	Metrics map[string]float64
}
