package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	apperrors "github.com/3leaps/clipforge/internal/errors"
)

// Check results reported per checker.
const (
	statusHealthy   = "healthy"
	statusUnhealthy = "unhealthy"
	statusTimeout   = "timeout"
	statusDegraded  = "degraded"
)

// defaultCheckTimeout bounds each checker call.
const defaultCheckTimeout = 2 * time.Second

// HealthChecker is one dependency probed by the readiness endpoints.
type HealthChecker interface {
	CheckHealth(ctx context.Context) error
}

// HealthCheckerFunc adapts a function to HealthChecker.
type HealthCheckerFunc func(ctx context.Context) error

func (f HealthCheckerFunc) CheckHealth(ctx context.Context) error { return f(ctx) }

// HealthResponse is the body of a successful health probe.
type HealthResponse struct {
	Status    string            `json:"status"`
	Version   string            `json:"version"`
	Uptime    string            `json:"uptime"`
	Timestamp time.Time         `json:"timestamp"`
	Checks    map[string]string `json:"checks,omitempty"`
}

// HealthManager aggregates checkers.
type HealthManager struct {
	version      string
	started      time.Time
	checkTimeout time.Duration

	mu       sync.RWMutex
	checkers map[string]HealthChecker

	startupDone atomic.Bool
}

// NewHealthManager creates a manager reporting version.
func NewHealthManager(version string) *HealthManager {
	m := &HealthManager{
		version:      version,
		started:      time.Now(),
		checkTimeout: defaultCheckTimeout,
		checkers:     make(map[string]HealthChecker),
	}
	m.startupDone.Store(true)
	return m
}

// SetCheckTimeout overrides the per-checker timeout.
func (m *HealthManager) SetCheckTimeout(d time.Duration) {
	if d > 0 {
		m.checkTimeout = d
	}
}

// RegisterChecker adds or replaces a named checker.
func (m *HealthManager) RegisterChecker(name string, c HealthChecker) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checkers[name] = c
}

// SetStarting marks startup as in progress (false) or finished (true).
func (m *HealthManager) SetStarting(done bool) {
	m.startupDone.Store(done)
}

// HealthHandler runs every checker and reports the aggregate.
func (m *HealthManager) HealthHandler(w http.ResponseWriter, r *http.Request) {
	m.respond(w, r, m.runChecks(r.Context()))
}

// LivenessHandler reports that the process is serving requests.
func (m *HealthManager) LivenessHandler(w http.ResponseWriter, r *http.Request) {
	m.respond(w, r, nil)
}

// ReadinessHandler reports whether dependencies are reachable.
func (m *HealthManager) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	m.respond(w, r, m.runChecks(r.Context()))
}

// StartupHandler reports whether startup has finished.
func (m *HealthManager) StartupHandler(w http.ResponseWriter, r *http.Request) {
	if !m.startupDone.Load() {
		respondWithError(w, r, &apperrors.AppError{
			Code:    apperrors.CodeServiceUnavailable,
			Status:  http.StatusServiceUnavailable,
			Message: "startup in progress",
		})
		return
	}
	m.respond(w, r, nil)
}

func (m *HealthManager) runChecks(ctx context.Context) map[string]string {
	m.mu.RLock()
	names := make([]string, 0, len(m.checkers))
	for name := range m.checkers {
		names = append(names, name)
	}
	m.mu.RUnlock()
	sort.Strings(names)

	results := make(map[string]string, len(names))
	for _, name := range names {
		m.mu.RLock()
		c := m.checkers[name]
		m.mu.RUnlock()

		cctx, cancel := context.WithTimeout(ctx, m.checkTimeout)
		err := c.CheckHealth(cctx)
		cancel()

		switch {
		case err == nil:
			results[name] = statusHealthy
		case errors.Is(err, context.DeadlineExceeded):
			results[name] = statusTimeout
		default:
			results[name] = statusUnhealthy
		}
	}
	return results
}

func (m *HealthManager) determineOverallStatus(checks map[string]string) string {
	status := statusHealthy
	for _, s := range checks {
		switch s {
		case statusUnhealthy:
			return statusUnhealthy
		case statusTimeout:
			status = statusDegraded
		}
	}
	return status
}

func (m *HealthManager) respond(w http.ResponseWriter, r *http.Request, checks map[string]string) {
	status := m.determineOverallStatus(checks)
	if status == statusUnhealthy {
		respondWithError(w, r, &apperrors.AppError{
			Code:    apperrors.CodeServiceUnavailable,
			Status:  http.StatusServiceUnavailable,
			Message: "one or more health checks failed",
			Details: map[string]any{"checks": checks, "version": m.version},
		})
		return
	}

	writeJSON(w, http.StatusOK, HealthResponse{
		Status:    status,
		Version:   m.version,
		Uptime:    time.Since(m.started).Round(time.Second).String(),
		Timestamp: time.Now().UTC(),
		Checks:    checks,
	})
}

var globalHealthManager *HealthManager

// InitHealthManager installs the process-wide manager.
func InitHealthManager(version string) *HealthManager {
	globalHealthManager = NewHealthManager(version)
	return globalHealthManager
}

// GetHealthManager returns the process-wide manager, or nil.
func GetHealthManager() *HealthManager {
	return globalHealthManager
}

func notInitialized(w http.ResponseWriter, r *http.Request) {
	respondWithError(w, r, &apperrors.AppError{
		Code:    apperrors.CodeServiceUnavailable,
		Status:  http.StatusServiceUnavailable,
		Message: "health manager not initialized",
	})
}

func HealthHandler(w http.ResponseWriter, r *http.Request) {
	if m := globalHealthManager; m != nil {
		m.HealthHandler(w, r)
		return
	}
	notInitialized(w, r)
}

func LivenessHandler(w http.ResponseWriter, r *http.Request) {
	if m := globalHealthManager; m != nil {
		m.LivenessHandler(w, r)
		return
	}
	notInitialized(w, r)
}

func ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	if m := globalHealthManager; m != nil {
		m.ReadinessHandler(w, r)
		return
	}
	notInitialized(w, r)
}

func StartupHandler(w http.ResponseWriter, r *http.Request) {
	if m := globalHealthManager; m != nil {
		m.StartupHandler(w, r)
		return
	}
	notInitialized(w, r)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
