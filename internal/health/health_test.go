package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func okPinger() pingFunc {
	return func(context.Context) error { return nil }
}

func failingPinger(msg string) pingFunc {
	return func(context.Context) error { return errors.New(msg) }
}

func TestHealthHandler(t *testing.T) {
	handler := NewHandler("v1.0.0")
	handler.RegisterChecker("storage", NewPingChecker("storage", okPinger(), 0))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	if w.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d", w.Code)
	}

	var response Response
	if err := json.NewDecoder(w.Body).Decode(&response); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if response.Status != StatusHealthy {
		t.Errorf("expected status healthy, got %s", response.Status)
	}
	if response.Version != "v1.0.0" {
		t.Errorf("expected version v1.0.0, got %s", response.Version)
	}
	if len(response.Checks) != 1 {
		t.Errorf("expected 1 check, got %d", len(response.Checks))
	}
}

func TestHealthHandler_Unhealthy(t *testing.T) {
	handler := NewHandler("v1.0.0")
	handler.RegisterChecker("storage", NewPingChecker("storage", failingPinger("database is closed"), 0))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("expected status 503, got %d", w.Code)
	}

	var response Response
	if err := json.NewDecoder(w.Body).Decode(&response); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if response.Checks["storage"].Message != "database is closed" {
		t.Errorf("unexpected check message: %q", response.Checks["storage"].Message)
	}
}

func TestEvaluate_StatusPrecedence(t *testing.T) {
	degraded := NewSyncBacklogChecker("sync", func(context.Context) (int, int, error) { return 0, 1, nil }, 0)

	tests := []struct {
		name     string
		checkers map[string]Checker
		want     Status
	}{
		{name: "no checks", want: StatusHealthy},
		{name: "degraded", checkers: map[string]Checker{"sync": degraded}, want: StatusDegraded},
		{
			name: "unhealthy wins",
			checkers: map[string]Checker{
				"sync":    degraded,
				"storage": NewPingChecker("storage", failingPinger("down"), 0),
			},
			want: StatusUnhealthy,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler := NewHandler("test")
			for name, checker := range tt.checkers {
				handler.RegisterChecker(name, checker)
			}
			if got := handler.Evaluate().Status; got != tt.want {
				t.Fatalf("expected %s, got %s", tt.want, got)
			}
		})
	}
}

func TestLivenessHandler(t *testing.T) {
	w := httptest.NewRecorder()
	LivenessHandler(w, httptest.NewRequest(http.MethodGet, "/livez", nil))

	if w.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d", w.Code)
	}
	if w.Body.String() != "ok" {
		t.Errorf("expected body 'ok', got %s", w.Body.String())
	}
}

func TestReadinessHandler(t *testing.T) {
	handler := NewHandler("v1.0.0")
	handler.RegisterChecker("storage", NewPingChecker("storage", okPinger(), 0))

	w := httptest.NewRecorder()
	handler.ReadinessHandler(w, httptest.NewRequest(http.MethodGet, "/readyz", nil))

	if w.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d", w.Code)
	}
	if w.Body.String() != "ready" {
		t.Errorf("expected body 'ready', got %s", w.Body.String())
	}
}

func TestReadinessHandler_NotReady(t *testing.T) {
	handler := NewHandler("v1.0.0")
	handler.RegisterChecker("storage", NewPingChecker("storage", failingPinger("locked"), 0))
	handler.RegisterChecker("sync", NewSyncBacklogChecker("sync", func(context.Context) (int, int, error) { return 0, 0, nil }, 0))

	w := httptest.NewRecorder()
	handler.ReadinessHandler(w, httptest.NewRequest(http.MethodGet, "/readyz", nil))

	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("expected status 503, got %d", w.Code)
	}
	body := w.Body.String()
	if !strings.HasPrefix(body, "not ready") || !strings.Contains(body, "storage") || strings.Contains(body, "sync") {
		t.Errorf("unexpected body %q", body)
	}
}
