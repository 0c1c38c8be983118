package runtime

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestReadyz(t *testing.T) {
	ok := ReadyCheck{Name: "db", Check: func(context.Context) error { return nil }}
	down := ReadyCheck{Name: "kafka", Check: func(context.Context) error { return errors.New("dial failed") }}
	optionalDown := ReadyCheck{Name: "redis", Optional: true, Check: func(context.Context) error { return errors.New("timeout") }}

	cases := []struct {
		name     string
		checks   []ReadyCheck
		wantCode int
		wantBody string
	}{
		{name: "no checks", wantCode: http.StatusOK, wantBody: "ok"},
		{name: "all ok", checks: []ReadyCheck{ok}, wantCode: http.StatusOK, wantBody: "ok"},
		{name: "required down", checks: []ReadyCheck{ok, down}, wantCode: http.StatusServiceUnavailable, wantBody: "kafka: dial failed"},
		{name: "optional down", checks: []ReadyCheck{ok, optionalDown}, wantCode: http.StatusOK, wantBody: "degraded: redis: timeout"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			mux := NewBaseMuxWithReady(tc.checks...)
			rw := httptest.NewRecorder()
			mux.ServeHTTP(rw, httptest.NewRequest(http.MethodGet, "/readyz", nil))
			if rw.Code != tc.wantCode {
				t.Fatalf("expected %d, got %d", tc.wantCode, rw.Code)
			}
			if !strings.Contains(rw.Body.String(), tc.wantBody) {
				t.Fatalf("expected body to contain %q, got %q", tc.wantBody, rw.Body.String())
			}
		})
	}
}

func TestParseLevel(t *testing.T) {
	if ParseLevel("DEBUG") != slog.LevelDebug {
		t.Fatal("expected debug")
	}
	if ParseLevel("warning") != slog.LevelWarn {
		t.Fatal("expected warn")
	}
	if ParseLevel("") != slog.LevelInfo {
		t.Fatal("expected info default")
	}
}
