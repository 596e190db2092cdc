package relay

// State is the login session lifecycle phase.
//
// The transition table below is the single source of truth: sessions refuse
// to move along edges that are not listed, so illegal states cannot be
// reached through races or duplicate frames.
type State uint8

const (
	StateConnecting State = iota
	StateHandshaking
	StateAwaitingQR
	StateQRIssued
	StateAwaitingScan
	StateTokenRequested
	StateAuthenticated
	StateErrored
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateHandshaking:
		return "handshaking"
	case StateAwaitingQR:
		return "awaiting_qr"
	case StateQRIssued:
		return "qr_issued"
	case StateAwaitingScan:
		return "awaiting_scan"
	case StateTokenRequested:
		return "token_requested"
	case StateAuthenticated:
		return "authenticated"
	case StateErrored:
		return "errored"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// transitions lists the legal forward edges. StateClosed is reachable from
// every state (handled in canTransition) and is terminal.
var transitions = map[State][]State{
	StateConnecting:     {StateHandshaking, StateErrored},
	StateHandshaking:    {StateAwaitingQR, StateErrored},
	StateAwaitingQR:     {StateQRIssued, StateErrored},
	StateQRIssued:       {StateAwaitingScan, StateErrored},
	StateAwaitingScan:   {StateTokenRequested, StateErrored},
	StateTokenRequested: {StateAuthenticated, StateErrored},
	StateAuthenticated:  {},
	StateErrored:        {StateHandshaking},
	StateClosed:         {},
}

// canTransition reports whether from -> to is a legal edge.
func canTransition(from, to State) bool {
	if from == to {
		return false
	}
	if to == StateClosed {
		return from != StateClosed
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}
