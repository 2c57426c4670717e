package health

import (
	"net/http"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/eleven-am/sightline/internal/voicesession"
)

type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

type ComponentStatus struct {
	Status Status `json:"status"`
	Detail string `json:"detail,omitempty"`
	Error  string `json:"error,omitempty"`
}

type RuntimeStats struct {
	Goroutines    int    `json:"goroutines"`
	MemoryAllocMB uint64 `json:"memory_alloc_mb"`
	MemorySysMB   uint64 `json:"memory_sys_mb"`
	NumGC         uint32 `json:"num_gc"`
}

type RequestStats struct {
	TotalRequests     uint64 `json:"total_requests"`
	ActiveConnections int64  `json:"active_connections"`
}

type Stats struct {
	Session  voicesession.Status `json:"session"`
	Requests RequestStats        `json:"requests"`
	Runtime  RuntimeStats        `json:"runtime"`
}

type HealthResponse struct {
	Status        Status                     `json:"status"`
	Timestamp     time.Time                  `json:"timestamp"`
	Version       string                     `json:"version"`
	UptimeSeconds int64                      `json:"uptime_seconds"`
	Stats         Stats                      `json:"stats"`
	Components    map[string]ComponentStatus `json:"components"`
}

// SessionReporter is the slice of the session manager the health checks need.
type SessionReporter interface {
	Status() voicesession.Status
	SpeechAvailable() bool
}

type Handler struct {
	sessions  SessionReporter
	version   string
	startTime time.Time

	totalRequests     uint64
	activeConnections int64
}

func NewHandler(sessions SessionReporter, version string) *Handler {
	return &Handler{
		sessions:  sessions,
		version:   version,
		startTime: time.Now(),
	}
}

func (h *Handler) RegisterRoutes(e *echo.Echo) {
	e.GET("/health", h.Liveness)
	e.GET("/health/ready", h.Readiness)
}

func (h *Handler) IncrementRequests() {
	atomic.AddUint64(&h.totalRequests, 1)
}

func (h *Handler) IncrementConnections() {
	atomic.AddInt64(&h.activeConnections, 1)
}

func (h *Handler) DecrementConnections() {
	atomic.AddInt64(&h.activeConnections, -1)
}

func (h *Handler) Liveness(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status": "ok",
	})
}

func (h *Handler) Readiness(c echo.Context) error {
	session := h.sessions.Status()

	components := map[string]ComponentStatus{
		"speech":  h.checkSpeech(),
		"session": h.checkSession(session),
	}
	overallStatus := h.computeOverallStatus(components)

	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	resp := HealthResponse{
		Status:        overallStatus,
		Timestamp:     time.Now().UTC(),
		Version:       h.version,
		UptimeSeconds: int64(time.Since(h.startTime).Seconds()),
		Stats: Stats{
			Session: session,
			Requests: RequestStats{
				TotalRequests:     atomic.LoadUint64(&h.totalRequests),
				ActiveConnections: atomic.LoadInt64(&h.activeConnections),
			},
			Runtime: RuntimeStats{
				Goroutines:    runtime.NumGoroutine(),
				MemoryAllocMB: memStats.Alloc / 1024 / 1024,
				MemorySysMB:   memStats.Sys / 1024 / 1024,
				NumGC:         memStats.NumGC,
			},
		},
		Components: components,
	}

	statusCode := http.StatusOK
	if overallStatus == StatusUnhealthy {
		statusCode = http.StatusServiceUnavailable
	}
	return c.JSON(statusCode, resp)
}

func (h *Handler) checkSpeech() ComponentStatus {
	if !h.sessions.SpeechAvailable() {
		return ComponentStatus{
			Status: StatusDegraded,
			Error:  "speech synthesizer unavailable, announcements are dropped",
		}
	}
	return ComponentStatus{Status: StatusHealthy}
}

func (h *Handler) checkSession(st voicesession.Status) ComponentStatus {
	switch {
	case st.Active:
		return ComponentStatus{Status: StatusHealthy, Detail: "capturing"}
	case st.Phase == voicesession.PhaseErrored:
		return ComponentStatus{Status: StatusDegraded, Detail: "ended with error", Error: st.LastError}
	default:
		return ComponentStatus{Status: StatusHealthy, Detail: "idle"}
	}
}

func (h *Handler) computeOverallStatus(components map[string]ComponentStatus) Status {
	hasUnhealthy := false
	hasDegraded := false
	for _, status := range components {
		if status.Status == StatusUnhealthy {
			hasUnhealthy = true
		}
		if status.Status == StatusDegraded {
			hasDegraded = true
		}
	}

	switch {
	case hasUnhealthy:
		return StatusUnhealthy
	case hasDegraded:
		return StatusDegraded
	default:
		return StatusHealthy
	}
}
