package cmd

import (
	"context"
	"errors"
	"flag"
	"log"
	"log/slog"
	"time"

	"pretrain-backend/internal/tracker"

	"github.com/joho/godotenv"
	"gorm.io/gorm"
)

func LoadEnvFile() {
	var configPath string

	flag.StringVar(&configPath, "env", "", "path to load env from")
	flag.Parse()

	if configPath == "" {
		log.Printf("no env file specified, using os.Environ only")
		return
	}

	log.Printf("loading env from file %s", configPath)
	err := godotenv.Load(configPath)
	if err != nil {
		log.Fatalf("error loading .env file '%s': %v", configPath, err)
	}
}

// CreateTracker picks the experiment tracker for this process. With no
// tracker URL configured runs are recorded in the local database only.
func CreateTracker(db *gorm.DB, trackerURL, apiKey string) tracker.Tracker {
	if trackerURL == "" {
		slog.Warn("no tracker url provided, recording runs in the local database only")
		return tracker.NewLocalTracker(db)
	}

	trk := tracker.NewHTTPTracker(trackerURL, apiKey)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := trk.Verify(ctx); err != nil {
		if errors.Is(err, tracker.ErrUnauthorized) {
			log.Fatalf("tracker rejected the configured api key, check PRETRAIN_TRACKER_API_KEY")
		}
		log.Fatalf("Failed to verify tracker at %s: %v", trackerURL, err)
	}

	slog.Info("using experiment tracker", "url", trackerURL)
	return trk
}
