package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/coder/websocket"
)

const (
	// Max bytes per upstream frame read (hard limit).
	maxUpstreamFrameBytes = 256 << 10 // 256 KiB

	defaultUpstreamURL            = "wss://ws-api.oneme.ru/websocket"
	defaultUpstreamOrigin         = "https://web.max.ru"
	defaultUpstreamAcceptLanguage = "ru-RU,ru;q=0.9"
)

// Link is one live upstream connection. A session owns at most one Link at
// a time and replaces it wholesale on a protocol restart.
type Link interface {
	// Read returns the next inbound frame. Unparseable frames return an
	// error wrapping ErrBadFrame; callers may keep reading after those.
	Read(ctx context.Context) (Frame, error)

	// Write sends one frame.
	Write(ctx context.Context, f Frame) error

	// Close is idempotent.
	Close()
}

// Dialer opens upstream links. Sessions depend on this interface so tests
// can script the upstream side.
type Dialer interface {
	Dial(ctx context.Context, headerUserAgent string) (Link, error)
}

// WSDialer dials the real upstream websocket endpoint with the headers the
// upstream expects from its own web client.
type WSDialer struct {
	log *slog.Logger

	URL            string
	Origin         string
	AcceptLanguage string
}

// NewWSDialer constructs a dialer with the production endpoint defaults.
func NewWSDialer(log *slog.Logger, url, origin, acceptLanguage string) *WSDialer {
	if log == nil {
		log = slog.Default()
	}
	if url == "" {
		url = defaultUpstreamURL
	}
	if origin == "" {
		origin = defaultUpstreamOrigin
	}
	if acceptLanguage == "" {
		acceptLanguage = defaultUpstreamAcceptLanguage
	}
	return &WSDialer{log: log, URL: url, Origin: origin, AcceptLanguage: acceptLanguage}
}

// Dial implements Dialer.
func (d *WSDialer) Dial(ctx context.Context, headerUserAgent string) (Link, error) {
	h := http.Header{}
	h.Set("Origin", d.Origin)
	h.Set("User-Agent", headerUserAgent)
	h.Set("Accept-Language", d.AcceptLanguage)
	h.Set("Cache-Control", "no-cache")
	h.Set("Pragma", "no-cache")

	conn, _, err := websocket.Dial(ctx, d.URL, &websocket.DialOptions{
		HTTPHeader:      h,
		CompressionMode: websocket.CompressionContextTakeover,
	})
	if err != nil {
		return nil, fmt.Errorf("dial upstream: %w", err)
	}
	conn.SetReadLimit(maxUpstreamFrameBytes)

	d.log.Debug("upstream.dial.ok", "url", d.URL)
	return &wsLink{conn: conn}, nil
}

type wsLink struct {
	conn *websocket.Conn
}

func (l *wsLink) Read(ctx context.Context) (Frame, error) {
	mt, data, err := l.conn.Read(ctx)
	if err != nil {
		return Frame{}, err
	}
	if mt != websocket.MessageText && mt != websocket.MessageBinary {
		return Frame{}, fmt.Errorf("%w: unsupported message type %v", ErrBadFrame, mt)
	}

	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return Frame{}, fmt.Errorf("%w: %v", ErrBadFrame, err)
	}
	return f, nil
}

func (l *wsLink) Write(ctx context.Context, f Frame) error {
	if err := f.Validate(); err != nil {
		return err
	}
	b, err := json.Marshal(f)
	if err != nil {
		return err
	}
	return l.conn.Write(ctx, websocket.MessageText, b)
}

func (l *wsLink) Close() {
	_ = l.conn.Close(websocket.StatusNormalClosure, "bye")
}
