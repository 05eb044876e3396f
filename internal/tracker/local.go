package tracker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"pretrain-backend/internal/database"
	"pretrain-backend/internal/sweep"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// LocalTracker keeps tracking data in the backend's own database. It is the
// default when no tracker url is configured and the only tracker used by the
// single process deployment and tests.
type LocalTracker struct {
	db *gorm.DB
}

func NewLocalTracker(db *gorm.DB) *LocalTracker {
	return &LocalTracker{db: db}
}

func (t *LocalTracker) Verify(ctx context.Context) error {
	return nil
}

func (t *LocalTracker) CreateSweep(ctx context.Context, name string, spec sweep.Spec, totalPoints int) (SweepSession, error) {
	return &localSweepSession{db: t.db, sweepId: uuid.NewString()}, nil
}

func (t *LocalTracker) ResumeSweep(ctx context.Context, sweepId string) (SweepSession, error) {
	var count int64
	if err := t.db.WithContext(ctx).Model(&database.Sweep{}).Where("external_id = ?", sweepId).Count(&count).Error; err != nil {
		return nil, fmt.Errorf("error looking up sweep %s: %w", sweepId, err)
	}
	if count == 0 {
		return nil, ErrSweepNotFound
	}

	return &localSweepSession{db: t.db, sweepId: sweepId}, nil
}

type localSweepSession struct {
	db      *gorm.DB
	sweepId string
}

func (s *localSweepSession) Id() string {
	return s.sweepId
}

func (s *localSweepSession) Completed(ctx context.Context) (map[string]bool, error) {
	var sweepRecord database.Sweep
	if err := s.db.WithContext(ctx).Where("external_id = ?", s.sweepId).First(&sweepRecord).Error; err != nil {
		return nil, fmt.Errorf("error looking up sweep %s: %w", s.sweepId, err)
	}

	var fingerprints []string
	if err := s.db.WithContext(ctx).
		Model(&database.Run{}).
		Where("sweep_id = ? AND status = ?", sweepRecord.Id, database.JobCompleted).
		Pluck("fingerprint", &fingerprints).Error; err != nil {
		return nil, fmt.Errorf("error listing completed runs: %w", err)
	}

	completed := make(map[string]bool, len(fingerprints))
	for _, fingerprint := range fingerprints {
		completed[fingerprint] = true
	}
	return completed, nil
}

// ClaimPoint always succeeds locally. Agents sharing this database already
// arbitrate point ownership through the atomic run claim, so there is no
// second registry to consult.
func (s *localSweepSession) ClaimPoint(ctx context.Context, fingerprint string) (bool, error) {
	return true, nil
}

func (s *localSweepSession) StartRun(ctx context.Context, runId uuid.UUID, cfg sweep.RunConfig) (RunSession, error) {
	return &localRunSession{db: s.db, runId: runId}, nil
}

type localRunSession struct {
	db    *gorm.DB
	runId uuid.UUID
}

func (r *localRunSession) Id() string {
	return r.runId.String()
}

func (r *localRunSession) LogEpoch(ctx context.Context, epoch int, metrics map[string]float64) error {
	data, err := json.Marshal(metrics)
	if err != nil {
		return fmt.Errorf("error serializing epoch metrics: %w", err)
	}

	record := database.RunEpoch{
		RunId:     r.runId,
		Epoch:     epoch,
		Metrics:   datatypes.JSON(data),
		Timestamp: time.Now().UTC(),
	}

	// A requeued run logs its epochs again and overwrites the old curve.
	if err := r.db.WithContext(ctx).Clauses(clause.OnConflict{UpdateAll: true}).Create(&record).Error; err != nil {
		return fmt.Errorf("error saving epoch metrics: %w", err)
	}
	return nil
}

// Finish is a no-op: the run executor already records the final status and
// summary metrics on the run row itself.
func (r *localRunSession) Finish(ctx context.Context, state string, summary map[string]float64) error {
	return nil
}
