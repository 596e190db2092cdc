package app

import (
	"net/http"

	authapi "qrbridge/cmd/internal/auth/api"
	"qrbridge/cmd/internal/relay"
)

func registerHTTP(
	mux *http.ServeMux,
	gw *relay.Gateway,
	callback *authapi.Handler,
	metrics http.Handler,
) {
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})

	mux.HandleFunc("/readyz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready\n"))
	})

	if metrics != nil {
		mux.Handle("/metrics", metrics)
	}

	mux.HandleFunc("/auth/qr/ws", gw.HandleWS)
	mux.HandleFunc("/auth/qr/sse", gw.HandleSSE)

	if callback != nil {
		callback.Register(mux)
	}
}
