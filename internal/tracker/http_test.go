package tracker

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"pretrain-backend/internal/sweep"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type trackerServerState struct {
	sweeps   []createSweepRequest
	claims   []claimPointRequest
	runs     []createRunRequest
	epochs   []logEpochRequest
	finishes []finishRunRequest
}

func newTrackerServer(t *testing.T) (*httptest.Server, *trackerServerState) {
	state := &trackerServerState{}

	decode := func(r *http.Request, v any) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(v))
	}
	respond := func(w http.ResponseWriter, v any) {
		w.Header().Set("Content-Type", "application/json")
		require.NoError(t, json.NewEncoder(w).Encode(v))
	}

	mux := http.NewServeMux()

	mux.HandleFunc("/api/verify", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer good-key" {
			w.WriteHeader(http.StatusUnauthorized)
		}
	})

	mux.HandleFunc("/api/sweeps", func(w http.ResponseWriter, r *http.Request) {
		var req createSweepRequest
		decode(r, &req)
		state.sweeps = append(state.sweeps, req)
		respond(w, sweepResponse{Id: "sw-1"})
	})

	mux.HandleFunc("/api/sweeps/sw-1", func(w http.ResponseWriter, r *http.Request) {
		respond(w, sweepResponse{Id: "sw-1", Completed: []string{"fp-a"}})
	})

	mux.HandleFunc("/api/sweeps/sw-1/claim", func(w http.ResponseWriter, r *http.Request) {
		var req claimPointRequest
		decode(r, &req)
		state.claims = append(state.claims, req)
		if req.Fingerprint == "taken" {
			w.WriteHeader(http.StatusConflict)
		}
	})

	mux.HandleFunc("/api/runs", func(w http.ResponseWriter, r *http.Request) {
		var req createRunRequest
		decode(r, &req)
		state.runs = append(state.runs, req)
		respond(w, createRunResponse{Id: "run-9"})
	})

	mux.HandleFunc("/api/runs/run-9/epochs", func(w http.ResponseWriter, r *http.Request) {
		var req logEpochRequest
		decode(r, &req)
		state.epochs = append(state.epochs, req)
	})

	mux.HandleFunc("/api/runs/run-9/finish", func(w http.ResponseWriter, r *http.Request) {
		var req finishRunRequest
		decode(r, &req)
		state.finishes = append(state.finishes, req)
	})

	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)

	return server, state
}

func TestHTTPTrackerVerify(t *testing.T) {
	server, _ := newTrackerServer(t)

	require.NoError(t, NewHTTPTracker(server.URL, "good-key").Verify(context.Background()))

	err := NewHTTPTracker(server.URL, "bad-key").Verify(context.Background())
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestHTTPTrackerSweepLifecycle(t *testing.T) {
	server, state := newTrackerServer(t)
	trk := NewHTTPTracker(server.URL, "good-key")
	ctx := context.Background()

	spec := sweep.Spec{Method: "grid", Metric: sweep.Metric{Goal: sweep.GoalMaximize, Name: "AUC_val"}}

	session, err := trk.CreateSweep(ctx, "clip-supernovae", spec, 6)
	require.NoError(t, err)
	assert.Equal(t, "sw-1", session.Id())

	require.Len(t, state.sweeps, 1)
	assert.Equal(t, "clip-supernovae", state.sweeps[0].Name)
	assert.Equal(t, 6, state.sweeps[0].TotalPoints)
	assert.Equal(t, "AUC_val", state.sweeps[0].Spec.Metric.Name)

	completed, err := session.Completed(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]bool{"fp-a": true}, completed)

	ok, err := session.ClaimPoint(ctx, "fp-b")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = session.ClaimPoint(ctx, "taken")
	require.NoError(t, err)
	assert.False(t, ok)

	cfg := sweep.RunConfig{Params: map[string]any{"lr": 0.001}, Fold: 1}
	runId := uuid.New()

	runSession, err := session.StartRun(ctx, runId, cfg)
	require.NoError(t, err)
	assert.Equal(t, "run-9", runSession.Id())

	require.Len(t, state.runs, 1)
	assert.Equal(t, "sw-1", state.runs[0].SweepId)
	assert.Equal(t, runId.String(), state.runs[0].ClientRunId)
	assert.Equal(t, cfg.Fingerprint(), state.runs[0].Fingerprint)
	assert.Equal(t, 1, state.runs[0].Fold)

	require.NoError(t, runSession.LogEpoch(ctx, 3, map[string]float64{"AUC_val": 0.7}))
	require.Len(t, state.epochs, 1)
	assert.Equal(t, 3, state.epochs[0].Epoch)
	assert.Equal(t, map[string]float64{"AUC_val": 0.7}, state.epochs[0].Metrics)

	require.NoError(t, runSession.Finish(ctx, RunStateFinished, map[string]float64{"AUC_val": 0.7}))
	require.Len(t, state.finishes, 1)
	assert.Equal(t, RunStateFinished, state.finishes[0].State)
}

func TestHTTPTrackerResumeSweep(t *testing.T) {
	server, _ := newTrackerServer(t)
	trk := NewHTTPTracker(server.URL, "good-key")
	ctx := context.Background()

	session, err := trk.ResumeSweep(ctx, "sw-1")
	require.NoError(t, err)
	assert.Equal(t, "sw-1", session.Id())

	_, err = trk.ResumeSweep(ctx, "sw-2")
	assert.ErrorIs(t, err, ErrSweepNotFound)
}
