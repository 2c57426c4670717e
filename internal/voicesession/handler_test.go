package voicesession

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"

	"github.com/eleven-am/sightline/internal/shared"
)

func newTestHandler() (*Handler, *managerFixture) {
	f := newManagerFixture()
	return NewHandler(f.mgr, testLogger()), f
}

func serve(t *testing.T, fn echo.HandlerFunc, method string) (*httptest.ResponseRecorder, error) {
	t.Helper()
	e := echo.New()
	req := httptest.NewRequest(method, "/v1/session", nil)
	rec := httptest.NewRecorder()
	return rec, fn(e.NewContext(req, rec))
}

func TestHandler_RegisterRoutes(t *testing.T) {
	h, _ := newTestHandler()
	e := echo.New()
	h.RegisterRoutes(e.Group("/v1/session"))

	methods := make(map[string]bool)
	for _, r := range e.Routes() {
		if r.Path == "/v1/session" {
			methods[r.Method] = true
		}
	}
	for _, m := range []string{http.MethodGet, http.MethodPost, http.MethodDelete} {
		if !methods[m] {
			t.Errorf("expected %s /v1/session to be registered", m)
		}
	}
}

func TestHandler_StartAndStop(t *testing.T) {
	h, f := newTestHandler()
	defer f.mgr.Close()

	rec, err := serve(t, h.Start, http.MethodPost)
	if err != nil {
		t.Fatalf("Start returned error: %v", err)
	}
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", rec.Code)
	}

	var st Status
	if err := json.Unmarshal(rec.Body.Bytes(), &st); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if !st.Active || st.SessionID == "" {
		t.Errorf("unexpected status %+v", st)
	}

	var raw map[string]any
	_ = json.Unmarshal(rec.Body.Bytes(), &raw)
	if raw["connection"] != "connected" {
		t.Errorf("expected connection rendered as text, got %v", raw["connection"])
	}

	rec, err = serve(t, h.Stop, http.MethodDelete)
	if err != nil {
		t.Fatalf("Stop returned error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
}

func TestHandler_StopWithoutSession(t *testing.T) {
	h, _ := newTestHandler()

	_, err := serve(t, h.Stop, http.MethodDelete)
	var httpErr *echo.HTTPError
	if !errors.As(err, &httpErr) || httpErr.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %v", err)
	}
}

func TestHandler_StartErrors(t *testing.T) {
	tests := []struct {
		name   string
		setup  func(*managerFixture)
		status int
	}{
		{
			name:   "camera denied",
			setup:  func(f *managerFixture) { f.camera.openErr = shared.ErrPermissionDenied },
			status: http.StatusForbidden,
		},
		{
			name: "transport refused",
			setup: func(f *managerFixture) {
				f.nextErr = &shared.TransportError{Op: "connect", Err: errors.New("refused")}
			},
			status: http.StatusBadGateway,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, f := newTestHandler()
			tt.setup(f)

			_, err := serve(t, h.Start, http.MethodPost)
			var httpErr *echo.HTTPError
			if !errors.As(err, &httpErr) {
				t.Fatalf("expected HTTPError, got %v", err)
			}
			if httpErr.Code != tt.status {
				t.Errorf("expected %d, got %d", tt.status, httpErr.Code)
			}
		})
	}
}

func TestHandler_Status(t *testing.T) {
	h, f := newTestHandler()
	if _, err := f.mgr.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer f.mgr.Close()

	rec, err := serve(t, h.Status, http.MethodGet)
	if err != nil {
		t.Fatalf("Status returned error: %v", err)
	}
	var st Status
	if err := json.Unmarshal(rec.Body.Bytes(), &st); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if !st.Active {
		t.Errorf("expected active status, got %+v", st)
	}
}
