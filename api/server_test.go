package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/nexastream/nexastream/internal/migration"
	"github.com/nexastream/nexastream/internal/realtime"
	"github.com/nexastream/nexastream/internal/rollout"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fixture struct {
	server   *Server
	migrator *migration.Migrator
	rollout  *rollout.Manager
	legacy   *realtime.Hub
}

func newFixture(t *testing.T) *fixture {
	logger := zaptest.NewLogger(t)
	legacy := realtime.NewHub("legacy", 4, 16, logger)
	replacement := realtime.NewHub("replacement", 4, 16, logger)
	rolloutMgr := rollout.NewManager(logger, rollout.DefaultOptions())

	migrator := migration.NewMigrator(logger, migration.TestingConfig(), legacy, replacement, rolloutMgr)
	require.NoError(t, migrator.Initialize(http.NewServeMux()))

	t.Cleanup(func() {
		_ = legacy.Shutdown()
		_ = replacement.Shutdown()
	})
	return &fixture{
		server:   NewServer(logger, migrator, rolloutMgr, "1000-S"),
		migrator: migrator,
		rollout:  rolloutMgr,
		legacy:   legacy,
	}
}

func (f *fixture) do(method, path string, body interface{}) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	f.server.Router().ServeHTTP(rec, req)
	return rec
}

func TestHealthz(t *testing.T) {
	f := newFixture(t)

	rec := f.do(http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, true, body["healthy"])
	assert.Equal(t, "legacy", body["active_service"])
}

func TestHealthzDegraded(t *testing.T) {
	f := newFixture(t)
	f.legacy.MarkDegraded("shard backlog")

	rec := f.do(http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestMigrationStatus(t *testing.T) {
	f := newFixture(t)

	rec := f.do(http.MethodGet, "/api/v1/migration/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var status migration.Status
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.Equal(t, migration.RoleLegacy, status.BlueGreen.ActiveService)
	assert.Equal(t, migration.RoleReplacement, status.BlueGreen.StandbyService)
	assert.False(t, status.BlueGreen.MigrationInProgress)
	assert.Nil(t, status.Progress)
}

func TestMigrationMetrics(t *testing.T) {
	f := newFixture(t)

	rec := f.do(http.MethodGet, "/api/v1/migration/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var metrics migration.Metrics
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &metrics))
	assert.Contains(t, metrics.ServiceStats, migration.RoleLegacy)
	assert.Contains(t, metrics.ServiceStats, migration.RoleReplacement)
}

func TestStartMigrationAccepted(t *testing.T) {
	f := newFixture(t)

	rec := f.do(http.MethodPost, "/api/v1/migration/start", nil)
	require.Equal(t, http.StatusAccepted, rec.Code)

	// The attempt runs asynchronously; with no live connections it
	// completes and flips ownership to the replacement.
	require.Eventually(t, func() bool {
		return f.migrator.GetActiveService() == migration.RoleReplacement
	}, 10*time.Second, 5*time.Millisecond)
}

func TestStartMigrationConflictWhileRunning(t *testing.T) {
	f := newFixture(t)

	first := f.do(http.MethodPost, "/api/v1/migration/start", nil)
	require.Equal(t, http.StatusAccepted, first.Code)

	require.Eventually(t, f.migrator.IsMigrationInProgress, 5*time.Second, time.Millisecond)
	second := f.do(http.MethodPost, "/api/v1/migration/start", nil)
	assert.Equal(t, http.StatusConflict, second.Code)

	require.Eventually(t, func() bool {
		return !f.migrator.IsMigrationInProgress()
	}, 10*time.Second, 5*time.Millisecond)
}

func TestRollback(t *testing.T) {
	f := newFixture(t)

	rec := f.do(http.MethodPost, "/api/v1/migration/rollback", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "legacy", body["active_service"])
	assert.Equal(t, migration.RoleLegacy, f.migrator.GetActiveService())
}

func TestEmergencyRollback(t *testing.T) {
	f := newFixture(t)

	rec := f.do(http.MethodPost, "/api/v1/migration/emergency-rollback", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, migration.RoleLegacy, f.migrator.GetActiveService())
	assert.False(t, f.migrator.IsMigrationInProgress())
}

func TestUserStatesNotFound(t *testing.T) {
	f := newFixture(t)

	rec := f.do(http.MethodGet, "/api/v1/migration/states/ghost", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRolloutToggleAndAnalysis(t *testing.T) {
	f := newFixture(t)

	rec := f.do(http.MethodPost, "/api/v1/rollout/"+migration.RolloutFlag+"/toggle", gin.H{"enabled": true})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, f.rollout.IsEnabled(migration.RolloutFlag))

	rec = f.do(http.MethodGet, "/api/v1/rollout/"+migration.RolloutFlag, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, true, body["enabled"])
	assert.Equal(t, float64(0), body["percentage"])
	assert.Equal(t, false, body["should_rollback"])
}

func TestRolloutPercentage(t *testing.T) {
	f := newFixture(t)

	rec := f.do(http.MethodPost, "/api/v1/rollout/"+migration.RolloutFlag+"/percentage", gin.H{"percentage": 25})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 25, f.rollout.RolloutPercentage(migration.RolloutFlag))

	rec = f.do(http.MethodPost, "/api/v1/rollout/"+migration.RolloutFlag+"/percentage", gin.H{"percentage": 101})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, 25, f.rollout.RolloutPercentage(migration.RolloutFlag))
}

func TestRolloutToggleRejectsBadJSON(t *testing.T) {
	f := newFixture(t)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/rollout/some_flag/toggle", bytes.NewBufferString("{"))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	f.server.Router().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPrometheusEndpoint(t *testing.T) {
	f := newFixture(t)

	rec := f.do(http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "migration_traffic_percentage")
}
