package relay

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
)

func newTestGateway(t *testing.T, dialer Dialer) (*Gateway, *Registry) {
	t.Helper()

	registry := newTestRegistry(30*time.Second, 5*time.Minute)
	gw := NewGateway(testLogger(), registry, dialer, nil, GatewayConfig{
		OriginRequired: false,
		InitTimeout:    2 * time.Second,
		WriteTimeout:   2 * time.Second,
		SendQueueSize:  64,
		Session: SessionConfig{
			PollInterval: 10 * time.Millisecond,
			EmitBeacon:   true,
		},
	})
	return gw, registry
}

type wireEvent struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

func readWireEvent(t *testing.T, ctx context.Context, conn *websocket.Conn) wireEvent {
	t.Helper()

	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read client event: %v", err)
	}
	var ev wireEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		t.Fatalf("decode client event: %v", err)
	}
	return ev
}

func TestGateway_WSLoginFlow(t *testing.T) {
	dialer := &scriptDialer{script: happyScript(t, "t1", 1)}
	gw, registry := newTestGateway(t, dialer)

	srv := httptest.NewServer(http.HandlerFunc(gw.HandleWS))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "bye")

	init := []byte(`{"userAgent":{"deviceName":"Firefox","osVersion":"Linux"}}`)
	if err := conn.Write(ctx, websocket.MessageText, init); err != nil {
		t.Fatalf("write init: %v", err)
	}

	if ev := readWireEvent(t, ctx, conn); ev.Event != EventStatus {
		t.Fatalf("event[0]=%q want %q", ev.Event, EventStatus)
	}

	qrEv := readWireEvent(t, ctx, conn)
	if qrEv.Event != EventQR {
		t.Fatalf("event[1]=%q want %q", qrEv.Event, EventQR)
	}
	var qr QREvent
	if err := json.Unmarshal(qrEv.Data, &qr); err != nil || qr.TrackID != "t1" {
		t.Fatalf("bad qr payload %s: %v", qrEv.Data, err)
	}

	var succ SuccessEvent
	for {
		ev := readWireEvent(t, ctx, conn)
		if ev.Event == EventError {
			t.Fatalf("unexpected error event: %s", ev.Data)
		}
		if ev.Event == EventSuccess {
			if err := json.Unmarshal(ev.Data, &succ); err != nil {
				t.Fatalf("decode success: %v", err)
			}
			break
		}
	}

	if succ.Token != "tok-1" || succ.SessionID == "" {
		t.Fatalf("unexpected success payload: %+v", succ)
	}

	// The decoupled callback path: the identity is retrievable by id even
	// though the realtime flow already finished.
	sess, ok := registry.Get(succ.SessionID)
	if !ok {
		t.Fatalf("session %q not in registry", succ.SessionID)
	}
	ident, err := sess.Identity()
	if err != nil {
		t.Fatalf("Identity: %v", err)
	}
	if ident.ProviderID != "42" || ident.Name != "A B" {
		t.Fatalf("unexpected identity: %+v", ident)
	}
}

func TestGateway_InitTimeoutClosesConnection(t *testing.T) {
	dialer := &scriptDialer{script: happyScript(t, "t1", 0)}
	registry := newTestRegistry(30*time.Second, 5*time.Minute)
	gw := NewGateway(testLogger(), registry, dialer, nil, GatewayConfig{
		InitTimeout:   100 * time.Millisecond,
		WriteTimeout:  time.Second,
		SendQueueSize: 64,
	})

	srv := httptest.NewServer(http.HandlerFunc(gw.HandleWS))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "bye")

	// Send nothing: the server must give up and close.
	_, _, err = conn.Read(ctx)
	if err == nil {
		t.Fatalf("expected close after init timeout")
	}
	if status := websocket.CloseStatus(err); status != websocket.StatusPolicyViolation {
		t.Fatalf("close status=%v want %v", status, websocket.StatusPolicyViolation)
	}
	if registry.Len() != 0 {
		t.Fatalf("no session should be registered on init timeout")
	}
}

func TestGateway_BadInitPayloadClosesConnection(t *testing.T) {
	dialer := &scriptDialer{script: happyScript(t, "t1", 0)}
	gw, registry := newTestGateway(t, dialer)

	srv := httptest.NewServer(http.HandlerFunc(gw.HandleWS))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "bye")

	if err := conn.Write(ctx, websocket.MessageText, []byte("not json")); err != nil {
		t.Fatalf("write init: %v", err)
	}

	_, _, err = conn.Read(ctx)
	if err == nil {
		t.Fatalf("expected close after bad init payload")
	}
	if status := websocket.CloseStatus(err); status != websocket.StatusInvalidFramePayloadData {
		t.Fatalf("close status=%v want %v", status, websocket.StatusInvalidFramePayloadData)
	}
	if registry.Len() != 0 {
		t.Fatalf("no session should be registered on bad init payload")
	}
}

func TestGateway_DisconnectBeforeScanKeepsSessionUntilGrace(t *testing.T) {
	// QR is issued but the scan never happens.
	dialer := &scriptDialer{script: happyScript(t, "t1", 1_000_000)}
	gw, registry := newTestGateway(t, dialer)

	srv := httptest.NewServer(http.HandlerFunc(gw.HandleWS))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}

	if err := conn.Write(ctx, websocket.MessageText, []byte(`{}`)); err != nil {
		t.Fatalf("write init: %v", err)
	}
	for {
		ev := readWireEvent(t, ctx, conn)
		if ev.Event == EventQR {
			break
		}
	}

	// Client walks away before scanning.
	_ = conn.Close(websocket.StatusNormalClosure, "bye")

	// The entry survives the disconnect and is only reclaimed once the
	// grace window has elapsed.
	deadline := time.Now().Add(2 * time.Second)
	for {
		if n := registry.Sweep(time.Now().UTC()); n != 0 {
			t.Fatalf("entry swept before the grace window")
		}
		if n := registry.Sweep(time.Now().UTC().Add(31 * time.Second)); n == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("session was never marked closed after disconnect")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestGateway_OriginPolicy(t *testing.T) {
	dialer := &scriptDialer{script: happyScript(t, "t1", 0)}
	registry := newTestRegistry(30*time.Second, 5*time.Minute)
	gw := NewGateway(testLogger(), registry, dialer, nil, GatewayConfig{
		OriginRequired: true,
		AllowedOrigins: []string{"http://app.example.com"},
		SendQueueSize:  64,
	})

	srv := httptest.NewServer(http.HandlerFunc(gw.HandleWS))
	defer srv.Close()

	cases := []struct {
		name   string
		origin string
		want   int
	}{
		{"missing origin", "", http.StatusForbidden},
		{"wrong origin", "http://evil.example.com", http.StatusForbidden},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req, _ := http.NewRequest(http.MethodGet, srv.URL, nil)
			if tc.origin != "" {
				req.Header.Set("Origin", tc.origin)
			}
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				t.Fatalf("request: %v", err)
			}
			_ = resp.Body.Close()
			if resp.StatusCode != tc.want {
				t.Fatalf("status=%d want %d", resp.StatusCode, tc.want)
			}
		})
	}
}

func TestGateway_SSELoginFlow(t *testing.T) {
	dialer := &scriptDialer{script: happyScript(t, "t1", 1)}
	gw, registry := newTestGateway(t, dialer)

	srv := httptest.NewServer(http.HandlerFunc(gw.HandleSSE))
	defer srv.Close()

	req, _ := http.NewRequest(http.MethodGet, srv.URL, nil)
	req.Header.Set("User-Agent", "test-agent/1.0")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	defer resp.Body.Close()

	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content-type=%q want text/event-stream", ct)
	}

	var (
		names   []string
		success SuccessEvent
	)
	scanner := bufio.NewScanner(resp.Body)
	current := ""
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			current = strings.TrimPrefix(line, "event: ")
			names = append(names, current)
		case strings.HasPrefix(line, "data: ") && current == EventSuccess:
			if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &success); err != nil {
				t.Fatalf("decode success: %v", err)
			}
		}
		if current == EventSuccess && success.SessionID != "" {
			break
		}
	}

	if len(names) < 3 || names[0] != EventStatus || names[1] != EventQR {
		t.Fatalf("unexpected event order: %v", names)
	}
	if success.Token != "tok-1" {
		t.Fatalf("unexpected success payload: %+v", success)
	}

	sess, ok := registry.Get(success.SessionID)
	if !ok {
		t.Fatalf("session %q not in registry", success.SessionID)
	}
	if _, err := sess.Identity(); err != nil {
		t.Fatalf("Identity after SSE success: %v", err)
	}
}
