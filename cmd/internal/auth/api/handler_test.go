package authapi

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"qrbridge/cmd/internal/relay"
)

type stubSession struct {
	ident *relay.Identity
}

func (s *stubSession) Identity() (relay.Identity, error) {
	if s.ident == nil {
		return relay.Identity{}, relay.ErrNotAuthenticated
	}
	return *s.ident, nil
}

func (s *stubSession) Close() {}

func newTestHandler(t *testing.T) (*Handler, *relay.Registry, *http.ServeMux) {
	t.Helper()

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	registry := relay.NewRegistry(log, relay.RegistryConfig{
		GraceWindow:   30 * time.Second,
		SweepInterval: time.Hour,
	}, nil)

	h := NewHandler(log, registry)
	mux := http.NewServeMux()
	h.Register(mux)
	return h, registry, mux
}

func do(t *testing.T, mux *http.ServeMux, method, target string) *httptest.ResponseRecorder {
	t.Helper()

	req := httptest.NewRequest(method, target, nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	return rec
}

func errCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()

	var body struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode error body %q: %v", rec.Body.String(), err)
	}
	return body.Error.Code
}

func TestResult_MissingSessionID(t *testing.T) {
	t.Parallel()

	_, _, mux := newTestHandler(t)

	rec := do(t, mux, http.MethodGet, "/api/auth/qr/result")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status=%d want %d", rec.Code, http.StatusBadRequest)
	}
	if code := errCode(t, rec); code != "missing_session_id" {
		t.Fatalf("code=%q want missing_session_id", code)
	}
}

func TestResult_SessionNotFound(t *testing.T) {
	t.Parallel()

	_, _, mux := newTestHandler(t)

	rec := do(t, mux, http.MethodGet, "/api/auth/qr/result?session_id=ghost")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status=%d want %d", rec.Code, http.StatusNotFound)
	}
	if code := errCode(t, rec); code != "session_not_found" {
		t.Fatalf("code=%q want session_not_found", code)
	}
}

func TestResult_NotYetAuthenticated(t *testing.T) {
	t.Parallel()

	_, registry, mux := newTestHandler(t)
	if err := registry.Put("s1", &stubSession{}); err != nil {
		t.Fatalf("Put: %v", err)
	}

	rec := do(t, mux, http.MethodGet, "/api/auth/qr/result?session_id=s1")
	if rec.Code != http.StatusConflict {
		t.Fatalf("status=%d want %d", rec.Code, http.StatusConflict)
	}
	if code := errCode(t, rec); code != "not_authenticated" {
		t.Fatalf("code=%q want not_authenticated", code)
	}
}

func TestResult_Authenticated(t *testing.T) {
	t.Parallel()

	_, registry, mux := newTestHandler(t)
	err := registry.Put("s1", &stubSession{
		ident: &relay.Identity{ProviderID: "42", Name: "A B", Phone: "79001234567"},
	})
	if err != nil {
		t.Fatalf("Put: %v", err)
	}

	rec := do(t, mux, http.MethodGet, "/api/auth/qr/result?session_id=s1")
	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d want %d: %s", rec.Code, http.StatusOK, rec.Body.String())
	}

	var body resultResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	want := resultResponse{ProviderID: "42", Name: "A B", Phone: "79001234567", SessionID: "s1"}
	if body != want {
		t.Fatalf("body=%+v want %+v", body, want)
	}
}

func TestResult_MethodNotAllowed(t *testing.T) {
	t.Parallel()

	_, _, mux := newTestHandler(t)

	rec := do(t, mux, http.MethodPost, "/api/auth/qr/result?session_id=s1")
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("status=%d want %d", rec.Code, http.StatusMethodNotAllowed)
	}
}
