// Package authapi exposes the follow-up HTTP callback of the QR login flow.
//
// The browser calls it right after receiving the success event on its
// realtime channel; the handler looks the session up by id and returns the
// resolved identity so the application can mint its own tokens.
package authapi

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"qrbridge/cmd/internal/relay"
)

// Handler wires the callback endpoint to the session registry.
type Handler struct {
	log      *slog.Logger
	sessions *relay.Registry
}

// NewHandler constructs the callback handler.
func NewHandler(log *slog.Logger, sessions *relay.Registry) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{log: log, sessions: sessions}
}

// Register wires callback routes onto the provided mux.
func (h *Handler) Register(mux *http.ServeMux) {
	if h == nil || mux == nil {
		return
	}
	mux.HandleFunc("/api/auth/qr/result", h.handleResult)
}

// resultResponse is the success body of the callback.
type resultResponse struct {
	ProviderID string `json:"provider_id"`
	Name       string `json:"name"`
	Phone      string `json:"phone,omitempty"`
	SessionID  string `json:"session_id"`
}

func (h *Handler) handleResult(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "use GET")
		return
	}

	id := strings.TrimSpace(r.URL.Query().Get("session_id"))
	if id == "" {
		writeError(w, http.StatusBadRequest, "missing_session_id", "session_id query parameter is required")
		return
	}

	sess, ok := h.sessions.Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, "session_not_found", "session expired or never existed")
		return
	}

	ident, err := sess.Identity()
	if err != nil {
		if errors.Is(err, relay.ErrNotAuthenticated) {
			writeError(w, http.StatusConflict, "not_authenticated", "QR code has not been scanned yet")
			return
		}
		h.log.Error("callback.identity.fail", "session_id", id, "err", err)
		writeError(w, http.StatusInternalServerError, "internal", "internal error")
		return
	}

	h.log.Info("callback.identity.ok", "session_id", id, "provider_id", ident.ProviderID)
	writeJSON(w, http.StatusOK, resultResponse{
		ProviderID: ident.ProviderID,
		Name:       ident.Name,
		Phone:      ident.Phone,
		SessionID:  id,
	})
}
