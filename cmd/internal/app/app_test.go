package app

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
)

func newTestApp(t *testing.T) *App {
	t.Helper()

	cfg := LoadConfig()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	a, err := New(cfg, log)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return a
}

func TestNewWiresEverything(t *testing.T) {
	a := newTestApp(t)

	if a.registry == nil || a.gateway == nil || a.callback == nil {
		t.Fatalf("app not fully wired: %+v", a)
	}
	if a.metricsHandler == nil {
		t.Fatalf("metrics enabled by default but handler is nil")
	}
}

func TestHTTPRoutes(t *testing.T) {
	a := newTestApp(t)

	mux := http.NewServeMux()
	registerHTTP(mux, a.gateway, a.callback, a.metricsHandler)

	cases := []struct {
		path string
		want int
	}{
		{"/healthz", http.StatusOK},
		{"/readyz", http.StatusOK},
		{"/metrics", http.StatusOK},
		// Missing upgrade + origin: rejected, but the route exists.
		{"/auth/qr/ws", http.StatusForbidden},
		{"/api/auth/qr/result", http.StatusBadRequest},
	}

	for _, tc := range cases {
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, tc.path, nil))
		if rec.Code != tc.want {
			t.Fatalf("GET %s status=%d want %d", tc.path, rec.Code, tc.want)
		}
	}
}
