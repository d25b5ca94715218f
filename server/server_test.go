package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantrelay/quantrelay/broker"
	"github.com/quantrelay/quantrelay/config"
	"github.com/quantrelay/quantrelay/dispatch"
	"github.com/quantrelay/quantrelay/queue"
	"github.com/quantrelay/quantrelay/webhook"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		Server: config.ServerConfig{
			Host:                  "127.0.0.1",
			Port:                  0,
			HealthIntervalSeconds: 60,
		},
		Webhook: config.WebhookConfig{
			Secret:           "s3cret",
			RateLimitMax:     100,
			RateLimitWindowS: 60,
		},
		Broker: config.BrokerConfig{
			LiveExecution:  false,
			TimeoutSeconds: 2,
		},
		Queue: config.QueueConfig{
			Path:                filepath.Join(t.TempDir(), "signals.db"),
			PollIntervalSeconds: 1,
			BatchSize:           5,
			StuckTimeoutMinutes: 15,
			RetentionDays:       30,
		},
		Calendar: config.CalendarConfig{
			Timezone:         "Asia/Kolkata",
			PreOpen:          "09:00",
			Open:             "09:15",
			Close:            "15:30",
			PostClose:        "16:00",
			AMOSlot:          config.AMOSlotOpen,
			AMOOffsetMinutes: 5,
		},
		Resilience: config.ResilienceConfig{
			RetryMaxAttempts:        3,
			RetryInitialDelayMS:     1,
			RetryExponentialBase:    2.0,
			RetryMaxDelayMS:         10,
			BreakerFailureThreshold: 5,
			BreakerResetSeconds:     60,
		},
	}
}

func testServer(t *testing.T) (*Server, *App) {
	t.Helper()
	app, err := NewApp(context.Background(), testConfig(t))
	require.NoError(t, err)
	t.Cleanup(func() { app.Close() })
	return NewServer(app), app
}

func postWebhook(t *testing.T, s *Server, alert webhook.Alert) *httptest.ResponseRecorder {
	t.Helper()
	body, err := json.Marshal(alert)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/webhook", bytes.NewReader(body))
	req.RemoteAddr = "10.0.0.1:55000"
	rec := httptest.NewRecorder()
	s.httpServer.Handler.ServeHTTP(rec, req)
	return rec
}

func testAlert(secret string) webhook.Alert {
	return webhook.Alert{
		Secret:    secret,
		AlertType: "entry",
		OrderLegs: []webhook.OrderLeg{{
			TransactionType: webhook.TransactionBuy,
			OrderType:       "MARKET",
			Quantity:        "10",
			Exchange:        "NSE",
			Symbol:          "RELIANCE",
			Instrument:      "EQ",
			ProductType:     "CNC",
		}},
	}
}

func TestWebhookEndpoint(t *testing.T) {
	s, _ := testServer(t)

	rec := postWebhook(t, s, testAlert("s3cret"))
	require.Equal(t, http.StatusOK, rec.Code)

	var resp dispatch.Response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp.RequestID)
	require.Len(t, resp.Results, 1)
	// Dry-run client: outcome depends on the live session, but it is
	// always a per-leg status, never an HTTP failure
	assert.Contains(t,
		[]string{dispatch.LegSuccess, dispatch.LegAcknowledged},
		resp.Results[0].Status)
}

func TestWebhookBadSecretIs401(t *testing.T) {
	s, _ := testServer(t)

	rec := postWebhook(t, s, testAlert("wrong"))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.NotContains(t, rec.Body.String(), "wrong", "secret must not be echoed")
}

func TestWebhookSchemaViolationIs422(t *testing.T) {
	s, _ := testServer(t)

	alert := testAlert("s3cret")
	alert.OrderLegs = nil
	rec := postWebhook(t, s, alert)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestWebhookMalformedBodyIs422(t *testing.T) {
	s, _ := testServer(t)

	req := httptest.NewRequest(http.MethodPost, "/webhook", bytes.NewReader([]byte("{not json")))
	req.RemoteAddr = "10.0.0.1:55000"
	rec := httptest.NewRecorder()
	s.httpServer.Handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestWebhookRateLimited(t *testing.T) {
	cfg := testConfig(t)
	cfg.Webhook.RateLimitMax = 2
	app, err := NewApp(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { app.Close() })
	s := NewServer(app)

	for i := 0; i < 2; i++ {
		rec := postWebhook(t, s, testAlert("s3cret"))
		require.Equal(t, http.StatusOK, rec.Code)
	}
	rec := postWebhook(t, s, testAlert("s3cret"))
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)

	// Different client keys do not share quota
	body, err := json.Marshal(testAlert("s3cret"))
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/webhook", bytes.NewReader(body))
	req.RemoteAddr = "10.9.9.9:1234"
	other := httptest.NewRecorder()
	s.httpServer.Handler.ServeHTTP(other, req)
	assert.Equal(t, http.StatusOK, other.Code)
}

func TestHealthAlwaysOK(t *testing.T) {
	s, _ := testServer(t)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	s.httpServer.Handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestReadyBeforeFirstProbeIs503(t *testing.T) {
	s, _ := testServer(t)

	req := httptest.NewRequest(http.MethodGet, "/ready", nil)
	rec := httptest.NewRecorder()
	s.httpServer.Handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var snapshot readinessSnapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snapshot))
	assert.False(t, snapshot.Ready)
	assert.Contains(t, snapshot.Checks, "broker_credential")
}

func TestReadyAfterProbe(t *testing.T) {
	s, app := testServer(t)
	app.readiness.probe(context.Background()) // dry-run credential always valid

	req := httptest.NewRequest(http.MethodGet, "/ready", nil)
	rec := httptest.NewRecorder()
	s.httpServer.Handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestReadyReportsBrokenCredential(t *testing.T) {
	s, app := testServer(t)
	app.readiness.broker = &failingCredentialClient{}
	app.readiness.probe(context.Background())

	req := httptest.NewRequest(http.MethodGet, "/ready", nil)
	rec := httptest.NewRecorder()
	s.httpServer.Handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var snapshot readinessSnapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snapshot))
	assert.Contains(t, snapshot.Checks["broker_credential"].Error, "expired")
}

type failingCredentialClient struct {
	broker.Client
}

func (f *failingCredentialClient) ValidateCredential(ctx context.Context) error {
	return fmt.Errorf("token expired")
}

func TestLogsEndpoint(t *testing.T) {
	s, _ := testServer(t)

	// Seed a few attempts through the real pipeline
	for i := 0; i < 3; i++ {
		rec := postWebhook(t, s, testAlert("s3cret"))
		require.Equal(t, http.StatusOK, rec.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/logs?limit=2", nil)
	rec := httptest.NewRecorder()
	s.httpServer.Handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Count   int               `json:"count"`
		Entries []json.RawMessage `json:"entries"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, 2, body.Count)
	assert.Len(t, body.Entries, 2)
}

func TestLogsRejectsBadLimit(t *testing.T) {
	s, _ := testServer(t)

	req := httptest.NewRequest(http.MethodGet, "/logs?limit=banana", nil)
	rec := httptest.NewRecorder()
	s.httpServer.Handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestQueueStatsEndpoint(t *testing.T) {
	s, app := testServer(t)

	_, err := app.Queue.Add([]byte("{}"), time.Now(), nil)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/queue/stats", nil)
	rec := httptest.NewRecorder()
	s.httpServer.Handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var stats map[queue.Status]int
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	assert.Equal(t, 1, stats[queue.StatusQueued])
}
