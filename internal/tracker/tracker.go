package tracker

import (
	"context"
	"errors"

	"pretrain-backend/internal/sweep"

	"github.com/google/uuid"
)

var (
	ErrUnauthorized  = errors.New("tracker rejected the api key")
	ErrSweepNotFound = errors.New("sweep not found on tracker")
)

// Run states reported to the tracker when a run finishes.
const (
	RunStateFinished = "finished"
	RunStateFailed   = "failed"
)

// Tracker records sweeps, runs, and per-epoch metrics with an experiment
// tracking service so results can be browsed outside this backend.
// Implementations must be safe for concurrent use by multiple workers.
type Tracker interface {
	Verify(ctx context.Context) error

	CreateSweep(ctx context.Context, name string, spec sweep.Spec, totalPoints int) (SweepSession, error)

	ResumeSweep(ctx context.Context, sweepId string) (SweepSession, error)
}

// SweepSession is a handle on one sweep. Completed reports the point
// fingerprints that already finished so a resumed sweep skips them. ClaimPoint
// assigns a point to the calling agent and returns false when another agent
// already holds it.
type SweepSession interface {
	Id() string

	Completed(ctx context.Context) (map[string]bool, error)

	ClaimPoint(ctx context.Context, fingerprint string) (bool, error)

	StartRun(ctx context.Context, runId uuid.UUID, cfg sweep.RunConfig) (RunSession, error)
}

type RunSession interface {
	Id() string

	LogEpoch(ctx context.Context, epoch int, metrics map[string]float64) error

	Finish(ctx context.Context, state string, summary map[string]float64) error
}
