package tracker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"pretrain-backend/internal/sweep"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
)

// HTTPTracker talks to the remote tracking service. All calls carry the api
// key issued for this backend; Verify should be called once at startup so a
// bad key fails fast instead of surfacing mid-sweep.
type HTTPTracker struct {
	client *resty.Client
}

func NewHTTPTracker(baseURL, apiKey string) *HTTPTracker {
	return &HTTPTracker{
		client: resty.New().
			SetBaseURL(baseURL).
			SetAuthToken(apiKey),
	}
}

func (t *HTTPTracker) Verify(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	res, err := t.client.R().
		SetContext(ctx).
		Get("/api/verify")
	if err != nil {
		slog.Error("unable to reach tracker", "error", err)
		return fmt.Errorf("error reaching tracker: %w", err)
	}

	if res.StatusCode() == http.StatusUnauthorized {
		return ErrUnauthorized
	}

	if !res.IsSuccess() {
		slog.Error("tracker verify returned error", "status_code", res.StatusCode(), "body", res.String())
		return fmt.Errorf("tracker verify returned status %d", res.StatusCode())
	}

	return nil
}

type createSweepRequest struct {
	Name        string     `json:"name"`
	Spec        sweep.Spec `json:"spec"`
	TotalPoints int        `json:"total_points"`
}

type sweepResponse struct {
	Id        string   `json:"id"`
	Completed []string `json:"completed"`
}

func (t *HTTPTracker) CreateSweep(ctx context.Context, name string, spec sweep.Spec, totalPoints int) (SweepSession, error) {
	res, err := t.client.R().
		SetContext(ctx).
		SetBody(createSweepRequest{Name: name, Spec: spec, TotalPoints: totalPoints}).
		Post("/api/sweeps")
	if err != nil {
		return nil, fmt.Errorf("error creating sweep on tracker: %w", err)
	}

	if !res.IsSuccess() {
		slog.Error("tracker rejected sweep", "status_code", res.StatusCode(), "body", res.String())
		return nil, fmt.Errorf("tracker create sweep returned status %d", res.StatusCode())
	}

	var body sweepResponse
	if err := json.Unmarshal(res.Body(), &body); err != nil {
		return nil, fmt.Errorf("error parsing tracker response: %w", err)
	}

	return &httpSweepSession{client: t.client, sweepId: body.Id}, nil
}

func (t *HTTPTracker) ResumeSweep(ctx context.Context, sweepId string) (SweepSession, error) {
	res, err := t.client.R().
		SetContext(ctx).
		Get(fmt.Sprintf("/api/sweeps/%s", sweepId))
	if err != nil {
		return nil, fmt.Errorf("error fetching sweep from tracker: %w", err)
	}

	if res.StatusCode() == http.StatusNotFound {
		return nil, ErrSweepNotFound
	}

	if !res.IsSuccess() {
		slog.Error("tracker returned error", "status_code", res.StatusCode(), "body", res.String())
		return nil, fmt.Errorf("tracker get sweep returned status %d", res.StatusCode())
	}

	var body sweepResponse
	if err := json.Unmarshal(res.Body(), &body); err != nil {
		return nil, fmt.Errorf("error parsing tracker response: %w", err)
	}

	return &httpSweepSession{client: t.client, sweepId: body.Id}, nil
}

type httpSweepSession struct {
	client  *resty.Client
	sweepId string
}

func (s *httpSweepSession) Id() string {
	return s.sweepId
}

func (s *httpSweepSession) Completed(ctx context.Context) (map[string]bool, error) {
	res, err := s.client.R().
		SetContext(ctx).
		Get(fmt.Sprintf("/api/sweeps/%s", s.sweepId))
	if err != nil {
		return nil, fmt.Errorf("error fetching sweep from tracker: %w", err)
	}

	if !res.IsSuccess() {
		return nil, fmt.Errorf("tracker get sweep returned status %d", res.StatusCode())
	}

	var body sweepResponse
	if err := json.Unmarshal(res.Body(), &body); err != nil {
		return nil, fmt.Errorf("error parsing tracker response: %w", err)
	}

	completed := make(map[string]bool, len(body.Completed))
	for _, fingerprint := range body.Completed {
		completed[fingerprint] = true
	}
	return completed, nil
}

type claimPointRequest struct {
	Fingerprint string `json:"fingerprint"`
}

func (s *httpSweepSession) ClaimPoint(ctx context.Context, fingerprint string) (bool, error) {
	res, err := s.client.R().
		SetContext(ctx).
		SetBody(claimPointRequest{Fingerprint: fingerprint}).
		Post(fmt.Sprintf("/api/sweeps/%s/claim", s.sweepId))
	if err != nil {
		return false, fmt.Errorf("error claiming point on tracker: %w", err)
	}

	if res.StatusCode() == http.StatusConflict {
		return false, nil
	}

	if !res.IsSuccess() {
		return false, fmt.Errorf("tracker claim returned status %d", res.StatusCode())
	}

	return true, nil
}

type createRunRequest struct {
	SweepId     string         `json:"sweep_id"`
	ClientRunId string         `json:"client_run_id"`
	Fingerprint string         `json:"fingerprint"`
	Fold        int            `json:"fold"`
	Params      map[string]any `json:"params"`
}

type createRunResponse struct {
	Id string `json:"id"`
}

func (s *httpSweepSession) StartRun(ctx context.Context, runId uuid.UUID, cfg sweep.RunConfig) (RunSession, error) {
	res, err := s.client.R().
		SetContext(ctx).
		SetBody(createRunRequest{
			SweepId:     s.sweepId,
			ClientRunId: runId.String(),
			Fingerprint: cfg.Fingerprint(),
			Fold:        cfg.Fold,
			Params:      cfg.Params,
		}).
		Post("/api/runs")
	if err != nil {
		return nil, fmt.Errorf("error creating run on tracker: %w", err)
	}

	if !res.IsSuccess() {
		slog.Error("tracker rejected run", "status_code", res.StatusCode(), "body", res.String())
		return nil, fmt.Errorf("tracker create run returned status %d", res.StatusCode())
	}

	var body createRunResponse
	if err := json.Unmarshal(res.Body(), &body); err != nil {
		return nil, fmt.Errorf("error parsing tracker response: %w", err)
	}

	return &httpRunSession{client: s.client, runId: body.Id}, nil
}

type httpRunSession struct {
	client *resty.Client
	runId  string
}

func (r *httpRunSession) Id() string {
	return r.runId
}

type logEpochRequest struct {
	Epoch   int                `json:"epoch"`
	Metrics map[string]float64 `json:"metrics"`
}

func (r *httpRunSession) LogEpoch(ctx context.Context, epoch int, metrics map[string]float64) error {
	res, err := r.client.R().
		SetContext(ctx).
		SetBody(logEpochRequest{Epoch: epoch, Metrics: metrics}).
		Post(fmt.Sprintf("/api/runs/%s/epochs", r.runId))
	if err != nil {
		return fmt.Errorf("error logging epoch to tracker: %w", err)
	}

	if !res.IsSuccess() {
		return fmt.Errorf("tracker log epoch returned status %d", res.StatusCode())
	}

	return nil
}

type finishRunRequest struct {
	State   string             `json:"state"`
	Summary map[string]float64 `json:"summary"`
}

func (r *httpRunSession) Finish(ctx context.Context, state string, summary map[string]float64) error {
	res, err := r.client.R().
		SetContext(ctx).
		SetBody(finishRunRequest{State: state, Summary: summary}).
		Post(fmt.Sprintf("/api/runs/%s/finish", r.runId))
	if err != nil {
		return fmt.Errorf("error finishing run on tracker: %w", err)
	}

	if !res.IsSuccess() {
		return fmt.Errorf("tracker finish run returned status %d", res.StatusCode())
	}

	return nil
}
