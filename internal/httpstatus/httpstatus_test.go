package httpstatus

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ralph-fleet/ralphd/internal/ralphtypes"
)

type stubProvider struct {
	status      string
	start       time.Time
	gate        ralphtypes.Gate
	inFlight    map[string]int
	breakerOpen map[string]int
	queueDepth  int
	queueErr    error
	deadLetters int
}

func (s stubProvider) GetStatus() string                       { return s.status }
func (s stubProvider) GetStartTime() time.Time                 { return s.start }
func (s stubProvider) Gate() ralphtypes.Gate                   { return s.gate }
func (s stubProvider) RepoInFlight() map[string]int            { return s.inFlight }
func (s stubProvider) BreakerOpenCounts() map[string]int       { return s.breakerOpen }
func (s stubProvider) QueueDepth(context.Context) (int, error) { return s.queueDepth, s.queueErr }
func (s stubProvider) DeadLetterCount() int                    { return s.deadLetters }

func TestHandleHealth_ReportsUptime(t *testing.T) {
	p := stubProvider{status: "running", start: time.Now().Add(-time.Minute)}
	srv := New(":0", p, nil, nil)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	srv.handleHealth(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, "healthy", resp.Status)
	require.Greater(t, resp.Uptime, 0.0)
}

func TestHandleHealth_RejectsNonGet(t *testing.T) {
	srv := New(":0", stubProvider{}, nil, nil)

	req := httptest.NewRequest(http.MethodPost, "/healthz", nil)
	rec := httptest.NewRecorder()
	srv.handleHealth(rec, req)

	require.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestHandleStatus_ReportsGateAndBreakerSummary(t *testing.T) {
	p := stubProvider{
		status:      "running",
		start:       time.Now().Add(-time.Hour),
		gate:        ralphtypes.GateDraining,
		inFlight:    map[string]int{"acme/widgets": 2},
		breakerOpen: map[string]int{"acme/widgets": 1},
		queueDepth:  5,
		deadLetters: 3,
	}
	srv := New(":0", p, nil, nil)

	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	rec := httptest.NewRecorder()
	srv.handleStatus(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp StatusResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, string(ralphtypes.GateDraining), resp.Gate)
	require.Equal(t, 5, resp.QueueDepth)
	require.Equal(t, 2, resp.RepoInFlight["acme/widgets"])
	require.Equal(t, 1, resp.BreakerOpen["acme/widgets"])
	require.Equal(t, 3, resp.DeadLetters)
}

func TestHandleStatus_SurvivesQueueDepthError(t *testing.T) {
	p := stubProvider{status: "running", queueErr: context.DeadlineExceeded}
	srv := New(":0", p, nil, nil)

	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	rec := httptest.NewRecorder()
	srv.handleStatus(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp StatusResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, 0, resp.QueueDepth)
}

func TestMetricsHandler_NotFoundWithoutRegistry(t *testing.T) {
	srv := New(":0", stubProvider{}, nil, nil)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	srv.metricsHandler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusNotFound, rec.Code)
}
