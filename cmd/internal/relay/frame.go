package relay

import (
	"encoding/json"
	"errors"
)

// Upstream wire protocol version. The web client of the upstream service
// pins this; frames with other versions are rejected server-side.
const ProtocolVersion = 11

// Frame commands.
const (
	CmdRequest = 0
	CmdAck     = 1
	CmdError   = 3
)

// Frame opcodes used by the QR login flow.
const (
	// OpBeacon carries client analytics events the upstream expects from
	// its own web client after a QR code is displayed.
	OpBeacon = 5

	// OpHandshake opens the session with a device descriptor.
	OpHandshake = 6

	// OpRequestQR asks for a fresh QR code; the reply carries qrLink/trackId.
	OpRequestQR = 288

	// OpCheckStatus polls whether the QR code has been scanned.
	OpCheckStatus = 289

	// OpRequestToken exchanges a scanned trackId for the login credential.
	OpRequestToken = 291
)

// Frame is one upstream protocol message in either direction.
type Frame struct {
	Ver     int             `json:"ver"`
	Cmd     int             `json:"cmd"`
	Seq     int             `json:"seq"`
	Opcode  int             `json:"opcode"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// IsError reports whether the upstream flagged this frame as a protocol
// error. Error frames invalidate the current QR code and track id.
func (f Frame) IsError() bool { return f.Cmd == CmdError }

// Validate checks an outbound frame before it is written to the link.
func (f Frame) Validate() error {
	if f.Ver != ProtocolVersion {
		return errors.New("invalid frame version")
	}
	if f.Opcode == 0 {
		return errors.New("missing opcode")
	}
	return nil
}

// HandshakePayload identifies the synthetic device to the upstream service.
type HandshakePayload struct {
	UserAgent DeviceAgent `json:"userAgent"`
	DeviceID  string      `json:"deviceId"`
}

// QRPayload is the OpRequestQR reply.
type QRPayload struct {
	QRLink    string `json:"qrLink"`
	TrackID   string `json:"trackId"`
	ExpiresAt int64  `json:"expiresAt"`
}

// TrackPayload scopes a status-check or token request to one QR code.
type TrackPayload struct {
	TrackID string `json:"trackId"`
}

// StatusPayload is the OpCheckStatus reply.
type StatusPayload struct {
	Status struct {
		LoginAvailable bool `json:"loginAvailable"`
	} `json:"status"`
}

// tokenLoginKey selects the login credential among the issued token attrs.
const tokenLoginKey = "LOGIN"

// TokenPayload is the OpRequestToken reply. Profile is kept raw so the
// success event forwards it to the client without loss.
type TokenPayload struct {
	TokenAttrs map[string]TokenAttr `json:"tokenAttrs"`
	Profile    json.RawMessage      `json:"profile"`
}

// TokenAttr wraps one issued credential.
type TokenAttr struct {
	Token string `json:"token"`
}

// Profile is the subset of the upstream profile this layer understands.
type Profile struct {
	Contact Contact `json:"contact"`
}

// Contact is the account record inside an upstream profile.
type Contact struct {
	ID    int64         `json:"id"`
	Phone int64         `json:"phone"`
	Names []ContactName `json:"names"`
}

// ContactName is one display-name entry of a contact.
type ContactName struct {
	Name      string `json:"name"`
	FirstName string `json:"firstName"`
	LastName  string `json:"lastName"`
	Type      string `json:"type"`
}

// BeaconEvent mirrors the analytics events the upstream web client reports.
type BeaconEvent struct {
	Event     string         `json:"event,omitempty"`
	Type      string         `json:"type"`
	UserID    int64          `json:"userId"`
	Time      int64          `json:"time"`
	SessionID int64          `json:"sessionId"`
	Params    map[string]any `json:"params"`
}

// BeaconPayload is the OpBeacon request body.
type BeaconPayload struct {
	Events []BeaconEvent `json:"events"`
}
