package resilience

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHealthMonitor_WorstStatusWins(t *testing.T) {
	m := NewHealthMonitor(time.Second)
	m.RegisterComponent("journal", DatabaseHealthCheck("journal", func(context.Context) error { return nil }))

	health := m.Check(context.Background())
	assert.Equal(t, HealthStatusHealthy, health.Status)
	require.Len(t, health.Components, 1)
	assert.Equal(t, "ok", health.Components[0].Message)

	cb := NewCircuitBreaker("clickhouse_sink", CircuitBreakerConfig{FailureThreshold: 1, OpenTimeout: time.Hour})
	cb.Execute(context.Background(), fail)
	m.RegisterComponent("clickhouse_sink", BreakerHealthCheck(cb))

	health = m.Check(context.Background())
	assert.Equal(t, HealthStatusDegraded, health.Status)
	assert.Equal(t, "clickhouse_sink", health.Components[0].Name, "components are sorted by name")
	assert.Contains(t, health.Components[0].Message, "OPEN")

	m.RegisterComponent("clickhouse", DatabaseHealthCheck("clickhouse", func(context.Context) error {
		return errors.New("dial tcp: refused")
	}))
	assert.Equal(t, HealthStatusUnhealthy, m.Check(context.Background()).Status)
}

func TestHealthHTTPHandler(t *testing.T) {
	m := NewHealthMonitor(0)
	m.RegisterComponent("journal", DatabaseHealthCheck("journal", func(context.Context) error { return nil }))

	rec := httptest.NewRecorder()
	m.HealthHTTPHandler()(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	var health SystemHealth
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &health))
	assert.Equal(t, HealthStatusHealthy, health.Status)

	m.RegisterComponent("journal", DatabaseHealthCheck("journal", func(context.Context) error {
		return errors.New("database is locked")
	}))
	rec = httptest.NewRecorder()
	m.HealthHTTPHandler()(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "database is locked")
}
