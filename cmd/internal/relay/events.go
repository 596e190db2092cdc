package relay

import (
	"encoding/json"
	"sync"
)

// Client-facing event names. These four events are the entire contract the
// browser sees; upstream opcodes never leak past this layer.
const (
	EventStatus  = "status"
	EventQR      = "qr"
	EventSuccess = "success"
	EventError   = "error"
)

// Event is one message pushed to the browser over its realtime channel.
type Event struct {
	Name string
	Data any
}

// StatusEvent carries a free-text progress message.
type StatusEvent struct {
	Message string `json:"message"`
}

// QREvent carries a freshly issued QR code.
type QREvent struct {
	QRLink    string `json:"qrLink"`
	TrackID   string `json:"trackId"`
	ExpiresAt int64  `json:"expiresAt"`
}

// SuccessEvent carries the upstream credential and raw profile. The token is
// opaque here; the application's own token issuance happens in the follow-up
// callback, keyed by SessionID.
type SuccessEvent struct {
	Token     string          `json:"token"`
	Profile   json.RawMessage `json:"profile"`
	SessionID string          `json:"sessionId"`
}

// ErrorEvent carries a terminal failure message.
type ErrorEvent struct {
	Message string `json:"message"`
}

// EventSink abstracts the realtime channel toward the browser. Both the
// websocket and the SSE transports implement it, so the session is
// channel-agnostic.
type EventSink interface {
	// Emit enqueues an event without blocking. It returns false when the
	// channel is closed or its queue is full.
	Emit(ev Event) bool

	// Done is closed when the channel shuts down.
	Done() <-chan struct{}

	// Close is idempotent.
	Close()
}

// Channel is the in-process event queue between a session and the goroutine
// that writes to the actual client transport.
//
// Send is intentionally never closed; Done signals shutdown instead. This
// keeps Emit safe under concurrency (same trade-off as a broadcast hub).
type Channel struct {
	Send chan Event

	done      chan struct{}
	closeOnce sync.Once
}

// NewChannel constructs a Channel with a bounded queue.
func NewChannel(queueSize int) *Channel {
	if queueSize <= 0 {
		queueSize = 64
	}
	return &Channel{
		Send: make(chan Event, queueSize),
		done: make(chan struct{}),
	}
}

// Emit implements EventSink.
func (c *Channel) Emit(ev Event) bool {
	select {
	case <-c.done:
		return false
	case c.Send <- ev:
		return true
	default:
		return false
	}
}

// Done implements EventSink.
func (c *Channel) Done() <-chan struct{} { return c.done }

// Close implements EventSink.
func (c *Channel) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
	})
}
