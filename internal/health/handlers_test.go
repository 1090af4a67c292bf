package health

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestHandlers(t *testing.T) {
	tests := []struct {
		name     string
		h        http.HandlerFunc
		wantCode int
		wantBody string
	}{
		{"healthy", HealthzHandler(Fixed(true, "")), http.StatusOK, "ok"},
		{"unhealthy", HealthzHandler(Fixed(false, "database down")), http.StatusServiceUnavailable, "database down"},
		{"healthy nil probe", HealthzHandler(nil), http.StatusOK, "ok"},
		{"ready", ReadyzHandler(Fixed(true, "")), http.StatusOK, "ready"},
		{"not ready", ReadyzHandler(Fixed(false, "draining")), http.StatusServiceUnavailable, "draining"},
		{"ready nil probe", ReadyzHandler(nil), http.StatusOK, "ready"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			tt.h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/-/ready", nil))
			if rec.Code != tt.wantCode {
				t.Fatalf("status = %d, want %d", rec.Code, tt.wantCode)
			}
			if !strings.Contains(rec.Body.String(), tt.wantBody) {
				t.Fatalf("body = %q, want %q", rec.Body.String(), tt.wantBody)
			}
			if rec.Header().Get("Cache-Control") != "no-store" {
				t.Fatal("health responses must not be cached")
			}
		})
	}
}

type ctxKey struct{}

func TestHandlers_PassRequestContext(t *testing.T) {
	var got any
	h := ReadyzHandler(CheckFunc(func(ctx context.Context) error {
		got = ctx.Value(ctxKey{})
		return nil
	}))
	r := httptest.NewRequest(http.MethodGet, "/-/ready", nil)
	r = r.WithContext(context.WithValue(r.Context(), ctxKey{}, "marker"))
	h.ServeHTTP(httptest.NewRecorder(), r)
	if got != "marker" {
		t.Fatalf("probe saw %v", got)
	}
}
