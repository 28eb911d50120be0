package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"signal-relay/internal/broadcast"
	"signal-relay/internal/dedup"
	"signal-relay/internal/ledger"
	"signal-relay/internal/notify"
	"signal-relay/internal/orchestrator"
	"signal-relay/internal/risk"
	"signal-relay/internal/symlock"
	"signal-relay/pkg/db"
)

type noGateways struct{}

func (noGateways) ForUser(context.Context, string) (orchestrator.Gateway, error) {
	return nil, errors.New("no gateway in test")
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	database, err := db.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = database.Close() })
	require.NoError(t, db.ApplyMigrations(database))

	queries := db.NewUserQueries(database.DB)
	store := ledger.NewStore(database.DB)
	registry := dedup.NewRegistry(store, nil)
	riskCfg, err := risk.NewConfigSource("", queries, true)
	require.NoError(t, err)

	bus := notify.NewBus(64)
	orch := orchestrator.New(store, symlock.NewRegistry(), registry,
		risk.NewEvaluator(store, registry), riskCfg, noGateways{}, bus, nil)
	dispatcher := broadcast.NewDispatcher(queries, registry, orch, 4, time.Second, nil)

	return NewServer(Config{
		Dispatcher:     dispatcher,
		Orchestrator:   orch,
		Store:          store,
		Queries:        queries,
		RiskConfig:     riskCfg,
		JWTSecret:      "test-secret",
		MonitorAPIKeys: []string{"monitor-key"},
		TaskTimeout:    time.Second,
	})
}

func doJSON(t *testing.T, s *Server, method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	return w
}

func registerAndLogin(t *testing.T, s *Server) string {
	t.Helper()
	w := doJSON(t, s, http.MethodPost, "/api/auth/register",
		map[string]string{"email": "trader@example.com", "password": "correct-horse"}, nil)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var resp struct {
		Token string `json:"token"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.NotEmpty(t, resp.Token)
	return resp.Token
}

func TestRegisterLoginAndAuthedRead(t *testing.T) {
	s := newTestServer(t)
	token := registerAndLogin(t, s)

	// Without a token the user API is closed.
	w := doJSON(t, s, http.MethodGet, "/api/positions", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	// With the token it answers.
	w = doJSON(t, s, http.MethodGet, "/api/positions", nil,
		map[string]string{"Authorization": "Bearer " + token})
	assert.Equal(t, http.StatusOK, w.Code, w.Body.String())

	// Wrong password is rejected.
	w = doJSON(t, s, http.MethodPost, "/api/auth/login",
		map[string]string{"email": "trader@example.com", "password": "wrong"}, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestBroadcastRequiresMonitorKey(t *testing.T) {
	s := newTestServer(t)
	intent := map[string]any{
		"action": "ENTRY", "symbol": "BTCUSDT", "side": "LONG",
		"entry_price": 95000, "stop_loss": 93000,
	}

	w := doJSON(t, s, http.MethodPost, "/broadcast-trade", intent, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = doJSON(t, s, http.MethodPost, "/broadcast-trade", intent,
		map[string]string{"X-API-Key": "monitor-key"})
	assert.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var res broadcast.Result
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	assert.True(t, res.Accepted)
	assert.Empty(t, res.PerUser, "no tradable users registered")
}

func TestBroadcastRejectsMalformedIntent(t *testing.T) {
	s := newTestServer(t)

	w := doJSON(t, s, http.MethodPost, "/broadcast-trade",
		map[string]any{"action": "ENTRY", "symbol": "BTCUSDT"}, // ENTRY without side
		map[string]string{"X-API-Key": "monitor-key"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHeartbeatAndHealth(t *testing.T) {
	s := newTestServer(t)

	w := doJSON(t, s, http.MethodPost, "/heartbeat",
		map[string]string{"status": "connected", "aiStatus": "active"},
		map[string]string{"X-API-Key": "monitor-key"})
	require.Equal(t, http.StatusOK, w.Code)

	w = doJSON(t, s, http.MethodGet, "/health", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)

	var health struct {
		Upstream struct {
			Status string `json:"status"`
		} `json:"upstream"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &health))
	assert.Equal(t, "connected", health.Upstream.Status)
}

func TestSettingsRoundTrip(t *testing.T) {
	s := newTestServer(t)
	token := registerAndLogin(t, s)
	auth := map[string]string{"Authorization": "Bearer " + token}

	w := doJSON(t, s, http.MethodPut, "/api/settings",
		map[string]any{"risk_percent": 0.05, "leverage": 5}, auth)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = doJSON(t, s, http.MethodGet, "/api/settings", nil, auth)
	require.Equal(t, http.StatusOK, w.Code)

	var got db.Overrides
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	require.NotNil(t, got.RiskPercent)
	assert.Equal(t, 0.05, *got.RiskPercent)

	// Out-of-range values are rejected.
	w = doJSON(t, s, http.MethodPut, "/api/settings",
		map[string]any{"risk_percent": 1.5}, auth)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
