package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/shopspring/decimal"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tinvest-stream/internal/models"
	"tinvest-stream/internal/services/connection"
	"tinvest-stream/internal/services/limits"
	"tinvest-stream/internal/services/streaming"
)

type fakeService struct {
	streaming.StreamingService
	status streaming.ServiceStatus
}

func (f *fakeService) Status() streaming.ServiceStatus { return f.status }

type fakeController struct {
	calls   []string
	opErr   error
	healthy bool
	known   map[string]streaming.ServiceStatus
}

func (f *fakeController) record(call string) error {
	f.calls = append(f.calls, call)
	return f.opErr
}

func (f *fakeController) named(op, name string) error {
	if _, ok := f.known[name]; !ok {
		return &models.ServiceNotFoundError{Name: name}
	}
	return f.record(op + " " + name)
}

func (f *fakeController) StartAll(context.Context) error     { return f.record("start all") }
func (f *fakeController) StopAll(context.Context) error      { return f.record("stop all") }
func (f *fakeController) ReconnectAll(context.Context) error { return f.record("reconnect all") }

func (f *fakeController) StartService(_ context.Context, name string) error {
	return f.named("start", name)
}

func (f *fakeController) StopService(_ context.Context, name string) error {
	return f.named("stop", name)
}

func (f *fakeController) ReconnectService(_ context.Context, name string) error {
	return f.named("reconnect", name)
}

func (f *fakeController) Service(name string) (streaming.StreamingService, error) {
	st, ok := f.known[name]
	if !ok {
		return nil, &models.ServiceNotFoundError{Name: name}
	}
	return &fakeService{status: st}, nil
}

func (f *fakeController) AllServiceStatuses() map[string]streaming.ServiceStatus { return f.known }

func (f *fakeController) AggregatedMetrics() streaming.AggregatedMetrics {
	return streaming.AggregatedMetrics{Services: len(f.known), Received: 42}
}

func (f *fakeController) Healthy() bool { return f.healthy }

func newTestServer(t *testing.T, ctrl *fakeController) (*Server, *limits.Thresholds) {
	s, th, _ := newTestServerWithLimiter(t, ctrl)
	return s, th
}

func newTestServerWithLimiter(t *testing.T, ctrl *fakeController) (*Server, *limits.Thresholds, *connection.RequestLimiter) {
	t.Helper()
	logger, _ := logtest.NewNullLogger()
	th := limits.DefaultThresholds()
	l := connection.NewRequestLimiter(100, 20)
	return NewServer(0, ctrl, th, l, "test", logger), th, l
}

func do(t *testing.T, s *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func controller() *fakeController {
	return &fakeController{
		healthy: true,
		known: map[string]streaming.ServiceStatus{
			"trades": {Name: "trades", State: streaming.StateRunning, Running: true, Connected: true},
		},
	}
}

func TestHealth(t *testing.T) {
	ctrl := controller()
	s, _ := newTestServer(t, ctrl)

	rec := do(t, s, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Healthy  bool              `json:"healthy"`
		Services map[string]string `json:"services"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.True(t, body.Healthy)
	assert.Equal(t, streaming.StateRunning.String(), body.Services["trades"])

	ctrl.healthy = false
	assert.Equal(t, http.StatusServiceUnavailable, do(t, s, http.MethodGet, "/health", "").Code)
}

func TestFanOutOperations(t *testing.T) {
	ctrl := controller()
	s, _ := newTestServer(t, ctrl)

	for _, op := range []string{"start", "stop", "reconnect"} {
		rec := do(t, s, http.MethodPost, "/api/v1/streams/"+op, "")
		assert.Equal(t, http.StatusAccepted, rec.Code, op)
	}
	assert.Equal(t, []string{"start all", "stop all", "reconnect all"}, ctrl.calls)
}

func TestServiceOperations(t *testing.T) {
	ctrl := controller()
	s, _ := newTestServer(t, ctrl)

	assert.Equal(t, http.StatusAccepted, do(t, s, http.MethodPost, "/api/v1/streams/trades/reconnect", "").Code)
	assert.Equal(t, []string{"reconnect trades"}, ctrl.calls)

	assert.Equal(t, http.StatusNotFound, do(t, s, http.MethodPost, "/api/v1/streams/nope/start", "").Code)
	assert.Equal(t, http.StatusNotFound, do(t, s, http.MethodPost, "/api/v1/streams/trades/explode", "").Code)

	rec := do(t, s, http.MethodGet, "/api/v1/streams/trades", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"connected":true`)
	assert.Equal(t, http.StatusNotFound, do(t, s, http.MethodGet, "/api/v1/streams/nope", "").Code)
}

func TestOperationErrors(t *testing.T) {
	tests := []struct {
		err  error
		code int
	}{
		{&models.InvalidConfigurationError{Field: "batch_size", Value: 400, Reason: "too large"}, http.StatusBadRequest},
		{fmt.Errorf("start: %w", context.DeadlineExceeded), http.StatusGatewayTimeout},
		{models.NewConnectionError("dial", nil), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		ctrl := controller()
		ctrl.opErr = tt.err
		s, _ := newTestServer(t, ctrl)
		rec := do(t, s, http.MethodPost, "/api/v1/streams/start", "")
		assert.Equal(t, tt.code, rec.Code, tt.err.Error())
		assert.Contains(t, rec.Body.String(), tt.err.Error())
	}
}

func TestMetricsEndpoints(t *testing.T) {
	s, _ := newTestServer(t, controller())

	rec := do(t, s, http.MethodGet, "/api/v1/metrics", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"received":42`)

	rec = do(t, s, http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")

	rec = do(t, s, http.MethodGet, "/api/v1/streams", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"trades"`)
}

func TestRequestBudget(t *testing.T) {
	s, _, l := newTestServerWithLimiter(t, controller())
	l.RecordAccepted()
	l.RecordRejection()

	rec := do(t, s, http.MethodGet, "/api/v1/provider/requests", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	var stats connection.LimiterStats
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	assert.Equal(t, int64(1), stats.Requests)
	assert.Equal(t, int64(1), stats.Rejections)
	assert.Equal(t, int64(1000), stats.PauseMs)
}

func TestThresholds(t *testing.T) {
	s, th := newTestServer(t, controller())

	rec := do(t, s, http.MethodGet, "/api/v1/limits/thresholds", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"limit_percent":"1"`)

	rec = do(t, s, http.MethodPut, "/api/v1/limits/thresholds", `{"limit_percent":"2.5"}`)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, th.Limit().Equal(decimal.RequireFromString("2.5")))
	assert.True(t, th.Historical().Equal(decimal.NewFromInt(1)))

	rec = do(t, s, http.MethodPut, "/api/v1/limits/thresholds", `{"limit_percent":"3","historical_percent":"150"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.True(t, th.Limit().Equal(decimal.RequireFromString("2.5")), "rejected update must not apply partially")

	rec = do(t, s, http.MethodPut, "/api/v1/limits/thresholds", `{"limit_percent":-1}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, s, http.MethodPut, "/api/v1/limits/thresholds", `not json`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
