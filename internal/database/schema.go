package database

import (
	"database/sql"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

const (
	JobQueued    string = "QUEUED"
	JobRunning   string = "RUNNING"
	JobCompleted string = "COMPLETED"
	JobFailed    string = "FAILED"
)

type Sweep struct {
	Id         uuid.UUID `gorm:"type:uuid;primaryKey"`
	ExternalId string    `gorm:"uniqueIndex;not null"`
	Name       string

	Method     string `gorm:"size:20;not null"`
	MetricName string `gorm:"not null"`
	MetricGoal string `gorm:"size:20;not null"`

	Spec datatypes.JSON `gorm:"type:jsonb;not null"` // canonical form of the submitted sweep config

	Status         string `gorm:"size:20;not null"`
	CreationTime   time.Time
	CompletionTime sql.NullTime

	Runs []Run `gorm:"foreignKey:SweepId;constraint:OnDelete:CASCADE"`

	Errors []SweepError `gorm:"foreignKey:SweepId;constraint:OnDelete:CASCADE"`
}

type Run struct {
	Id      uuid.UUID `gorm:"type:uuid;primaryKey"`
	SweepId uuid.UUID `gorm:"type:uuid;index"`

	// Fingerprint identifies the sweep point (canonical JSON of its parameter
	// assignment plus fold) so resumed sweeps can skip completed points.
	Fingerprint string `gorm:"index;not null"`
	Fold        int    `gorm:"default:-1"`

	Params       datatypes.JSON `gorm:"type:jsonb;not null"`
	Combinations datatypes.JSON `gorm:"type:jsonb;not null"`

	TrackerRunId sql.NullString

	Status         string `gorm:"size:20;not null"`
	CreationTime   time.Time
	StartTime      sql.NullTime
	CompletionTime sql.NullTime

	BestMetric sql.NullFloat64
	BestEpoch  sql.NullInt64
	Metrics    datatypes.JSON `gorm:"type:jsonb"`

	CheckpointPath string
	ErrorMessage   string

	Epochs []RunEpoch `gorm:"foreignKey:RunId;constraint:OnDelete:CASCADE"`
}

type RunEpoch struct {
	RunId     uuid.UUID      `gorm:"type:uuid;primaryKey"`
	Epoch     int            `gorm:"primaryKey"`
	Metrics   datatypes.JSON `gorm:"type:jsonb;not null"`
	Timestamp time.Time
}

type EvaluationJob struct {
	Id   uuid.UUID `gorm:"type:uuid;primaryKey"`
	Name string    `gorm:"not null"`

	SourceS3Bucket string
	SourceS3Prefix sql.NullString
	DatasetPath    string

	Status         string `gorm:"size:20;not null"`
	CreationTime   time.Time
	CompletionTime sql.NullTime

	Results []EvaluationResult `gorm:"foreignKey:JobId;constraint:OnDelete:CASCADE"`

	Errors []EvaluationError `gorm:"foreignKey:JobId;constraint:OnDelete:CASCADE"`
}

type EvaluationResult struct {
	Id    uuid.UUID `gorm:"type:uuid;primaryKey"`
	JobId uuid.UUID `gorm:"type:uuid;index"`

	CheckpointPath string `gorm:"not null"`
	Label          string
	Combination    string
	Fold           int `gorm:"default:-1"`

	Metrics datatypes.JSON `gorm:"type:jsonb;not null"`
}

type SweepError struct {
	SweepId   uuid.UUID `gorm:"type:uuid;primaryKey"`
	ErrorId   uuid.UUID `gorm:"type:uuid;primaryKey"`
	Error     string
	Timestamp time.Time
}

type EvaluationError struct {
	JobId     uuid.UUID `gorm:"type:uuid;primaryKey"`
	ErrorId   uuid.UUID `gorm:"type:uuid;primaryKey"`
	Error     string
	Timestamp time.Time
}
