package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// HandleSSE runs one login session over a server-sent-events stream. SSE has
// no inbound messages, so the device descriptor comes from request headers
// and the stream starts immediately.
func (g *Gateway) HandleSSE(w http.ResponseWriter, r *http.Request) {
	if err := g.enforceOrigin(r); err != nil {
		g.log.Info("sse.reject.origin", "err", err, "origin", r.Header.Get("Origin"), "remote", r.RemoteAddr)
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		g.log.Error("sse.no_flusher")
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	agent := defaultDeviceAgent()
	if ua := r.Header.Get("User-Agent"); ua != "" {
		agent.HeaderUserAgent = ua
	}

	ch, sess, err := g.startSession(r.Context(), agent)
	if err != nil {
		g.log.Error("sse.session.start.fail", "err", err)
		http.Error(w, "session start failed", http.StatusInternalServerError)
		return
	}
	sessionID := sess.ID()
	g.log.Info("sse.session.start", "session_id", sessionID, "remote", r.RemoteAddr)

	defer func() {
		g.registry.MarkClosed(sessionID, time.Now().UTC())
		sess.Close()
		ch.Close()
	}()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return

		case <-ch.Done():
			g.drainSSE(ctx, w, flusher, ch)
			return

		case ev := <-ch.Send:
			if err := writeSSEEvent(w, flusher, ev); err != nil {
				g.log.Info("sse.write.fail", "session_id", sessionID, "err", err)
				return
			}
		}
	}
}

func (g *Gateway) drainSSE(ctx context.Context, w http.ResponseWriter, flusher http.Flusher, ch *Channel) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-ch.Send:
			if err := writeSSEEvent(w, flusher, ev); err != nil {
				return
			}
		default:
			return
		}
	}
}

func writeSSEEvent(w http.ResponseWriter, flusher http.Flusher, ev Event) error {
	data, err := json.Marshal(ev.Data)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Name, data); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}
