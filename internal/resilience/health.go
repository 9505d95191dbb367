package resilience

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"
)

// HealthStatus represents the health status of a component.
type HealthStatus string

const (
	HealthStatusHealthy   HealthStatus = "HEALTHY"
	HealthStatusDegraded  HealthStatus = "DEGRADED"
	HealthStatusUnhealthy HealthStatus = "UNHEALTHY"
)

// ComponentHealth represents the health of a single component.
type ComponentHealth struct {
	Name      string                 `json:"name"`
	Status    HealthStatus           `json:"status"`
	Message   string                 `json:"message"`
	Latency   time.Duration          `json:"latency_ns"`
	Details   map[string]interface{} `json:"details,omitempty"`
	CheckedAt time.Time              `json:"checked_at"`
}

// HealthCheck probes a single component.
type HealthCheck func(ctx context.Context) ComponentHealth

// SystemHealth is the aggregate of every registered check.
type SystemHealth struct {
	Status     HealthStatus      `json:"status"`
	Uptime     string            `json:"uptime"`
	Components []ComponentHealth `json:"components"`
}

// HealthMonitor runs registered checks on demand.
type HealthMonitor struct {
	mu        sync.RWMutex
	checks    map[string]HealthCheck
	startTime time.Time
	timeout   time.Duration
}

// NewHealthMonitor creates a monitor whose checks are bounded by timeout.
func NewHealthMonitor(timeout time.Duration) *HealthMonitor {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &HealthMonitor{
		checks:    make(map[string]HealthCheck),
		startTime: time.Now(),
		timeout:   timeout,
	}
}

// RegisterComponent adds or replaces a named check.
func (m *HealthMonitor) RegisterComponent(name string, check HealthCheck) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checks[name] = check
}

// Check runs every registered check and aggregates the result. The overall
// status is the worst component status.
func (m *HealthMonitor) Check(ctx context.Context) SystemHealth {
	m.mu.RLock()
	names := make([]string, 0, len(m.checks))
	for name := range m.checks {
		names = append(names, name)
	}
	checks := make(map[string]HealthCheck, len(m.checks))
	for k, v := range m.checks {
		checks[k] = v
	}
	m.mu.RUnlock()
	sort.Strings(names)

	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	overall := HealthStatusHealthy
	components := make([]ComponentHealth, 0, len(names))
	for _, name := range names {
		h := checks[name](ctx)
		if h.Name == "" {
			h.Name = name
		}
		components = append(components, h)
		overall = worse(overall, h.Status)
	}

	return SystemHealth{
		Status:     overall,
		Uptime:     time.Since(m.startTime).Round(time.Second).String(),
		Components: components,
	}
}

func worse(a, b HealthStatus) HealthStatus {
	rank := map[HealthStatus]int{
		HealthStatusHealthy:   0,
		HealthStatusDegraded:  1,
		HealthStatusUnhealthy: 2,
	}
	if rank[b] > rank[a] {
		return b
	}
	return a
}

// HealthHTTPHandler returns an HTTP handler for health checks.
func (m *HealthMonitor) HealthHTTPHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		health := m.Check(r.Context())

		w.Header().Set("Content-Type", "application/json")
		if health.Status == HealthStatusUnhealthy {
			w.WriteHeader(http.StatusServiceUnavailable)
		} else {
			w.WriteHeader(http.StatusOK)
		}

		_ = json.NewEncoder(w).Encode(health)
	}
}

// DatabaseHealthCheck creates a health check around a ping function.
func DatabaseHealthCheck(name string, ping func(ctx context.Context) error) HealthCheck {
	return func(ctx context.Context) ComponentHealth {
		health := ComponentHealth{Name: name, CheckedAt: time.Now()}

		start := time.Now()
		err := ping(ctx)
		health.Latency = time.Since(start)

		switch {
		case err != nil:
			health.Status = HealthStatusUnhealthy
			health.Message = fmt.Sprintf("ping failed: %v", err)
		case health.Latency > 100*time.Millisecond:
			health.Status = HealthStatusDegraded
			health.Message = fmt.Sprintf("slow: %v", health.Latency)
		default:
			health.Status = HealthStatusHealthy
			health.Message = "ok"
		}
		return health
	}
}

// BreakerHealthCheck reports an open breaker as degraded: the guarded
// dependency is optional, so the process itself keeps working.
func BreakerHealthCheck(cb *CircuitBreaker) HealthCheck {
	return func(ctx context.Context) ComponentHealth {
		stats := cb.Stats()
		health := ComponentHealth{
			Name:      cb.Name(),
			CheckedAt: time.Now(),
			Details: map[string]interface{}{
				"state":    stats.State,
				"calls":    stats.Calls,
				"rejected": stats.Rejected,
				"failures": stats.Failures,
			},
		}
		if stats.State == CircuitClosed {
			health.Status = HealthStatusHealthy
			health.Message = "closed"
			return health
		}
		health.Status = HealthStatusDegraded
		health.Message = fmt.Sprintf("circuit %s", stats.State)
		if stats.LastError != "" {
			health.Message += ": " + stats.LastError
		}
		return health
	}
}
