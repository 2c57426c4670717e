package health

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"

	"github.com/eleven-am/sightline/internal/transport"
	"github.com/eleven-am/sightline/internal/voicesession"
)

type fakeReporter struct {
	status voicesession.Status
	speech bool
}

func (f *fakeReporter) Status() voicesession.Status { return f.status }
func (f *fakeReporter) SpeechAvailable() bool       { return f.speech }

func readiness(t *testing.T, r SessionReporter) (int, HealthResponse) {
	t.Helper()
	h := NewHandler(r, "test")
	e := echo.New()
	rec := httptest.NewRecorder()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/health/ready", nil), rec)

	if err := h.Readiness(c); err != nil {
		t.Fatalf("Readiness returned error: %v", err)
	}
	var resp HealthResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return rec.Code, resp
}

func TestHandler_RegisterRoutes(t *testing.T) {
	h := NewHandler(&fakeReporter{}, "test")
	e := echo.New()
	h.RegisterRoutes(e)

	paths := make(map[string]bool)
	for _, r := range e.Routes() {
		paths[r.Path] = true
	}
	for _, p := range []string{"/health", "/health/ready"} {
		if !paths[p] {
			t.Errorf("expected route %s", p)
		}
	}
}

func TestHandler_Liveness(t *testing.T) {
	h := NewHandler(&fakeReporter{}, "test")
	e := echo.New()
	rec := httptest.NewRecorder()
	if err := h.Liveness(e.NewContext(httptest.NewRequest(http.MethodGet, "/health", nil), rec)); err != nil {
		t.Fatalf("Liveness returned error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
}

func TestHandler_Readiness(t *testing.T) {
	tests := []struct {
		name     string
		reporter *fakeReporter
		want     Status
	}{
		{
			name:     "idle with speech",
			reporter: &fakeReporter{speech: true, status: voicesession.Status{Connection: transport.StateDisconnected}},
			want:     StatusHealthy,
		},
		{
			name: "active session",
			reporter: &fakeReporter{speech: true, status: voicesession.Status{
				Active: true, Phase: voicesession.PhaseActive, Connection: transport.StateConnected,
			}},
			want: StatusHealthy,
		},
		{
			name:     "no speech",
			reporter: &fakeReporter{speech: false},
			want:     StatusDegraded,
		},
		{
			name: "errored session",
			reporter: &fakeReporter{speech: true, status: voicesession.Status{
				Phase: voicesession.PhaseErrored, LastError: "transport read: reset",
			}},
			want: StatusDegraded,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, resp := readiness(t, tt.reporter)
			if code != http.StatusOK {
				t.Errorf("expected 200, got %d", code)
			}
			if resp.Status != tt.want {
				t.Errorf("expected %s, got %s", tt.want, resp.Status)
			}
			if resp.Version != "test" {
				t.Errorf("expected version test, got %s", resp.Version)
			}
		})
	}
}

func TestHandler_ComputeOverallStatus(t *testing.T) {
	h := NewHandler(&fakeReporter{}, "test")
	got := h.computeOverallStatus(map[string]ComponentStatus{
		"a": {Status: StatusDegraded},
		"b": {Status: StatusUnhealthy},
	})
	if got != StatusUnhealthy {
		t.Errorf("expected unhealthy, got %s", got)
	}
}

func TestHandler_RequestCounters(t *testing.T) {
	h := NewHandler(&fakeReporter{}, "test")
	h.IncrementRequests()
	h.IncrementConnections()
	h.DecrementConnections()
	if h.totalRequests != 1 || h.activeConnections != 0 {
		t.Errorf("unexpected counters %d/%d", h.totalRequests, h.activeConnections)
	}
}
