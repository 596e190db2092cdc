package relay

import "errors"

var (
	// ErrSessionNotFound is returned by Registry.Get lookups that miss:
	// the session expired, was swept, or never existed.
	ErrSessionNotFound = errors.New("relay: session not found")

	// ErrNotAuthenticated is returned when a callback asks for the resolved
	// identity before the QR code has been scanned and exchanged.
	ErrNotAuthenticated = errors.New("relay: session not authenticated")

	// ErrDuplicateSessionID is returned by Registry.Put on id collision.
	// With ULID ids this indicates a caller bug, not bad luck.
	ErrDuplicateSessionID = errors.New("relay: duplicate session id")

	// ErrBadFrame marks an unparseable upstream frame. Sessions log and
	// ignore these; they are not fatal.
	ErrBadFrame = errors.New("relay: malformed upstream frame")

	// errRestart is the internal signal that the upstream reported a
	// protocol error (cmd=3) and the handshake must start over.
	errRestart = errors.New("relay: upstream requested restart")
)
