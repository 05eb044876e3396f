package migration_1

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// RunEpoch keeps the per-epoch validation history so learning curves can be
// served without a round trip to the tracker.
type RunEpoch struct {
	RunId     uuid.UUID      `gorm:"type:uuid;primaryKey"`
	Epoch     int            `gorm:"primaryKey"`
	Metrics   datatypes.JSON `gorm:"type:jsonb;not null"`
	Timestamp time.Time
}

func Migration(db *gorm.DB) error {
	if err := db.AutoMigrate(&RunEpoch{}); err != nil {
		return fmt.Errorf("Migration1 failed: %w", err)
	}
	return nil
}

func Rollback(db *gorm.DB) error {
	if err := db.Migrator().DropTable(&RunEpoch{}); err != nil {
		return fmt.Errorf("Rollback1 failed: %w", err)
	}
	return nil
}
