package migration_0

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Sweep struct {
	Id         uuid.UUID `gorm:"type:uuid;primaryKey"`
	ExternalId string    `gorm:"uniqueIndex;not null"`
	Name       string

	Method     string `gorm:"size:20;not null"`
	MetricName string `gorm:"not null"`
	MetricGoal string `gorm:"size:20;not null"`

	Spec datatypes.JSON `gorm:"type:jsonb;not null"`

	Status         string `gorm:"size:20;not null"`
	CreationTime   time.Time
	CompletionTime sql.NullTime
}

type Run struct {
	Id      uuid.UUID `gorm:"type:uuid;primaryKey"`
	SweepId uuid.UUID `gorm:"type:uuid;index"`

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

func Migration(db *gorm.DB) error {
	if err := db.AutoMigrate(
		&Sweep{}, &Run{}, &EvaluationJob{}, &EvaluationResult{}, &SweepError{}, &EvaluationError{},
	); err != nil {
		return fmt.Errorf("Migration0 failed: %w", err)
	}
	return nil
}
