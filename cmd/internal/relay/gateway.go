package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/coder/websocket"
)

const (
	defaultInitTimeout   = 10 * time.Second
	defaultWriteTimeout  = 5 * time.Second
	defaultSendQueueSize = 64
	minSendQueueSize     = 16

	// Init payloads are tiny; anything larger is a protocol violation.
	maxInitPayloadBytes = 16 << 10
)

// InitPayload is the first (and only) message the browser sends after the
// websocket upgrade.
type InitPayload struct {
	UserAgent *DeviceAgent `json:"userAgent"`
}

// GatewayConfig tunes the connection entry point.
type GatewayConfig struct {
	// Origin policy: origin is required by default and only localhost is
	// allowed, secure-by-default for dev.
	OriginRequired bool
	AllowedOrigins []string

	// InitTimeout bounds the wait for the initial client message.
	InitTimeout time.Duration

	WriteTimeout  time.Duration
	SendQueueSize int

	Session SessionConfig
}

func (c GatewayConfig) withDefaults() GatewayConfig {
	if c.InitTimeout <= 0 {
		c.InitTimeout = defaultInitTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = defaultWriteTimeout
	}
	if c.SendQueueSize < minSendQueueSize {
		c.SendQueueSize = defaultSendQueueSize
	}
	return c
}

// Gateway accepts inbound client connections, creates sessions, registers
// them, and pumps their events onto the client transport.
type Gateway struct {
	log      *slog.Logger
	registry *Registry
	dialer   Dialer
	metrics  *Metrics
	cfg      GatewayConfig

	// Derived for websocket.Accept origin checks: Accept authorizes
	// same-host origins by default but needs patterns for cross-origin.
	originPatterns []string
}

// NewGateway constructs the entry point.
func NewGateway(log *slog.Logger, registry *Registry, dialer Dialer, m *Metrics, cfg GatewayConfig) *Gateway {
	if log == nil {
		log = slog.Default()
	}
	return &Gateway{
		log:            log,
		registry:       registry,
		dialer:         dialer,
		metrics:        m,
		cfg:            cfg.withDefaults(),
		originPatterns: deriveOriginPatterns(cfg.AllowedOrigins),
	}
}

// HandleWS upgrades the request to a websocket and runs one login session
// over it.
func (g *Gateway) HandleWS(w http.ResponseWriter, r *http.Request) {
	if err := g.enforceOrigin(r); err != nil {
		g.log.Info("ws.reject.origin", "err", err, "origin", r.Header.Get("Origin"), "remote", r.RemoteAddr)
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: g.originPatterns,
	})
	if err != nil {
		g.log.Error("ws.accept.fail", "err", err)
		return
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") }()

	conn.SetReadLimit(maxInitPayloadBytes)

	// The first message must arrive within the init timeout; a silent
	// client is a protocol violation.
	initCtx, cancelInit := context.WithTimeout(r.Context(), g.cfg.InitTimeout)
	_, data, err := conn.Read(initCtx)
	cancelInit()
	if err != nil {
		g.log.Info("ws.init.timeout_or_close", "err", err, "remote", r.RemoteAddr)
		_ = conn.Close(websocket.StatusPolicyViolation, "no init payload")
		return
	}

	var init InitPayload
	if err := json.Unmarshal(data, &init); err != nil {
		g.log.Info("ws.init.bad_payload", "err", err)
		_ = conn.Close(websocket.StatusInvalidFramePayloadData, "bad init payload")
		return
	}

	agent := defaultDeviceAgent()
	if init.UserAgent != nil {
		agent = init.UserAgent.withDefaults()
	}

	ch, sess, err := g.startSession(r.Context(), agent)
	if err != nil {
		g.log.Error("ws.session.start.fail", "err", err)
		_ = conn.Close(websocket.StatusInternalError, "session start failed")
		return
	}
	sessionID := sess.ID()
	g.log.Info("ws.session.start", "session_id", sessionID, "remote", r.RemoteAddr)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	finish := func() {
		g.registry.MarkClosed(sessionID, time.Now().UTC())
		sess.Close()
		ch.Close()
		cancel()
	}
	defer finish()

	// The client is not expected to send anything else; this read loop only
	// detects disconnects (and drains pings).
	go func() {
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				cancel()
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return

		case <-ch.Done():
			// The session finished; flush whatever is still queued (the
			// success event in particular) before dropping the conn.
			g.drain(ctx, conn, ch)
			return

		case ev := <-ch.Send:
			if err := g.writeEvent(ctx, conn, ev); err != nil {
				g.log.Info("ws.write.fail", "session_id", sessionID, "close_status", websocket.CloseStatus(err), "err", err)
				return
			}
		}
	}
}

// startSession creates, registers and starts one session. Shared by the
// websocket and SSE entry points.
func (g *Gateway) startSession(ctx context.Context, agent DeviceAgent) (*Channel, *Session, error) {
	id, err := NewSessionID(time.Now().UTC())
	if err != nil {
		return nil, nil, fmt.Errorf("session id: %w", err)
	}

	ch := NewChannel(g.cfg.SendQueueSize)
	sess := NewSession(g.log, id, agent, ch, g.dialer, g.cfg.Session, g.metrics)

	if err := g.registry.Put(id, sess); err != nil {
		ch.Close()
		return nil, nil, err
	}

	sess.Start(ctx)
	return ch, sess, nil
}

func (g *Gateway) drain(ctx context.Context, conn *websocket.Conn, ch *Channel) {
	for {
		select {
		case ev := <-ch.Send:
			if err := g.writeEvent(ctx, conn, ev); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (g *Gateway) writeEvent(parent context.Context, conn *websocket.Conn, ev Event) error {
	ctx, cancel := context.WithTimeout(parent, g.cfg.WriteTimeout)
	defer cancel()

	b, err := json.Marshal(struct {
		Event string `json:"event"`
		Data  any    `json:"data"`
	}{Event: ev.Name, Data: ev.Data})
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, b)
}

// ---- origin policy ----

func (g *Gateway) enforceOrigin(r *http.Request) error {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		if g.cfg.OriginRequired {
			return errors.New("missing origin")
		}
		return nil
	}

	if len(g.cfg.AllowedOrigins) == 0 {
		return errors.New("origin not allowed (no allowlist)")
	}

	originHost := originHostOnly(origin)

	for _, a := range g.cfg.AllowedOrigins {
		a = strings.TrimSpace(a)
		if a == "" {
			continue
		}
		if a == "*" {
			// Strongly discouraged, but honored if explicitly configured.
			return nil
		}
		if origin == a {
			return nil
		}
		if originHost != "" && originHost == originHostOnly(a) {
			return nil
		}
	}

	return fmt.Errorf("origin not allowed: %s", origin)
}

func originHostOnly(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}

	if strings.Contains(s, "://") {
		u, err := url.Parse(s)
		if err != nil {
			return ""
		}
		h := strings.TrimSpace(u.Host)
		if h == "" {
			return ""
		}
		if host, _, err := net.SplitHostPort(h); err == nil {
			return strings.ToLower(host)
		}
		return strings.ToLower(h)
	}

	if host, _, err := net.SplitHostPort(s); err == nil {
		return strings.ToLower(host)
	}
	return strings.ToLower(s)
}

func deriveOriginPatterns(allowed []string) []string {
	// websocket.Accept matches OriginPatterns against the origin host, so
	// only hosts extracted from the allowlist are authorized.
	seen := make(map[string]struct{}, len(allowed))

	for _, a := range allowed {
		h := originHostOnly(a)
		if h == "" || h == "*" {
			continue
		}
		seen[h] = struct{}{}
	}

	out := make([]string, 0, len(seen))
	for h := range seen {
		out = append(out, h)
	}

	for i := 0; i < len(out); i++ {
		for j := i + 1; j < len(out); j++ {
			if out[j] < out[i] {
				out[i], out[j] = out[j], out[i]
			}
		}
	}

	return out
}
