package relay

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"
)

const (
	defaultPollInterval = 5 * time.Second
	defaultMaxRestarts  = 10

	upstreamWriteTimeout = 10 * time.Second
)

// SessionConfig tunes one login session.
type SessionConfig struct {
	// PollInterval is the cadence of scan status checks after a QR code
	// has been issued.
	PollInterval time.Duration

	// MaxRestarts bounds full protocol restarts after upstream error
	// frames. 0 means unlimited, matching the upstream web client.
	MaxRestarts int

	// EmitBeacon controls whether the analytics events the upstream
	// expects after showing a QR code are sent.
	EmitBeacon bool
}

func (c SessionConfig) withDefaults() SessionConfig {
	if c.PollInterval <= 0 {
		c.PollInterval = defaultPollInterval
	}
	if c.MaxRestarts < 0 {
		c.MaxRestarts = defaultMaxRestarts
	}
	return c
}

// Session drives one QR login attempt end-to-end: it owns one upstream link
// and one client channel, translates upstream frames into client events,
// and holds the resolved identity for the follow-up callback.
//
// All upstream interaction runs on the session's own goroutine; the mutex
// only guards fields read from other goroutines (state, identity, seq).
type Session struct {
	log     *slog.Logger
	cfg     SessionConfig
	dialer  Dialer
	sink    EventSink
	metrics *Metrics

	id       string
	deviceID string
	agent    DeviceAgent

	mu        sync.Mutex
	state     State
	seq       int
	trackID   string
	identity  *Identity
	createdAt time.Time
	closedAt  time.Time

	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once
}

// NewSession constructs a session bound to one client channel. The device
// id is generated here and stays stable across protocol restarts.
func NewSession(log *slog.Logger, id string, agent DeviceAgent, sink EventSink, dialer Dialer, cfg SessionConfig, m *Metrics) *Session {
	if log == nil {
		log = slog.Default()
	}

	s := &Session{
		log:       log.With("session_id", id),
		cfg:       cfg.withDefaults(),
		dialer:    dialer,
		sink:      sink,
		metrics:   m,
		id:        id,
		deviceID:  newDeviceID(),
		agent:     agent.withDefaults(),
		state:     StateConnecting,
		createdAt: time.Now().UTC(),
		done:      make(chan struct{}),
	}
	return s
}

// ID returns the external session handle.
func (s *Session) ID() string { return s.id }

// State returns the current lifecycle phase.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// CreatedAt returns the session creation time.
func (s *Session) CreatedAt() time.Time { return s.createdAt }

// Identity returns the resolved identity, or ErrNotAuthenticated while the
// QR code has not been scanned and exchanged yet. The returned value is a
// copy; the stored identity is never mutated once set.
func (s *Session) Identity() (Identity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.identity == nil {
		return Identity{}, ErrNotAuthenticated
	}
	return *s.identity, nil
}

// Done is closed when the session has fully shut down.
func (s *Session) Done() <-chan struct{} { return s.done }

// Start launches the session goroutine. It never blocks.
func (s *Session) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.metrics.sessionStarted()
	go s.run(ctx)
}

// Close tears the session down: the run loop is cancelled, the client
// channel is closed, and the state moves to closed. Idempotent and safe
// from any goroutine; closing a closed session is a no-op.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}

		s.mu.Lock()
		prev := s.state
		s.state = StateClosed
		s.closedAt = time.Now().UTC()
		s.mu.Unlock()

		s.sink.Close()
		close(s.done)
		s.log.Debug("session.closed", "from", prev.String())
	})
}

// run executes handshake attempts until the login completes, the client
// vanishes, or the restart budget is spent.
func (s *Session) run(ctx context.Context) {
	defer s.Close()

	restarts := 0
	for {
		err := s.attempt(ctx)
		if err == nil {
			return
		}

		if errors.Is(err, errRestart) {
			restarts++
			if s.cfg.MaxRestarts > 0 && restarts > s.cfg.MaxRestarts {
				s.fail("upstream keeps rejecting the login, giving up")
				return
			}

			s.metrics.upstreamRestart()

			// Full protocol restart: fresh link, fresh sequence, no track id.
			s.mu.Lock()
			s.seq = 0
			s.trackID = ""
			s.mu.Unlock()

			if !s.transition(StateHandshaking) {
				return
			}
			s.log.Info("session.restart", "restarts", restarts)
			continue
		}

		s.log.Error("session.fail", "err", err)
		s.fail("login failed: upstream connection lost")
		return
	}
}

// attempt runs one full handshake on one upstream link. It returns nil when
// the session should stop (login complete, client gone, context done),
// errRestart when the upstream asked for a fresh handshake, and any other
// error on fatal transport failure.
func (s *Session) attempt(ctx context.Context) error {
	link, err := s.dialer.Dial(ctx, s.agent.HeaderUserAgent)
	if err != nil {
		return err
	}
	defer link.Close()

	if s.State() == StateConnecting {
		if !s.transition(StateHandshaking) {
			return nil
		}
	}

	if err := s.send(ctx, link, OpHandshake, HandshakePayload{
		UserAgent: s.agent,
		DeviceID:  s.deviceID,
	}); err != nil {
		return err
	}

	frames := make(chan Frame, 8)
	readErr := make(chan error, 1)
	readCtx, stopRead := context.WithCancel(ctx)
	defer stopRead()

	go func() {
		for {
			f, err := link.Read(readCtx)
			if err != nil {
				if errors.Is(err, ErrBadFrame) {
					s.log.Warn("upstream.frame.malformed", "err", err)
					continue
				}
				readErr <- err
				return
			}
			s.metrics.frame("in")
			select {
			case frames <- f:
			case <-readCtx.Done():
				return
			}
		}
	}()

	// Exactly one poll timer may be live; startPoll replaces, stopPoll is
	// safe to call on every exit path.
	var (
		poll  *time.Ticker
		pollC <-chan time.Time
	)
	startPoll := func() {
		if poll != nil {
			poll.Stop()
		}
		poll = time.NewTicker(s.cfg.PollInterval)
		pollC = poll.C
	}
	stopPoll := func() {
		if poll != nil {
			poll.Stop()
			poll = nil
			pollC = nil
		}
	}
	defer stopPoll()

	for {
		select {
		case <-ctx.Done():
			return nil

		case <-s.sink.Done():
			s.log.Info("session.client_gone")
			return nil

		case err := <-readErr:
			return err

		case <-pollC:
			if s.State() == StateQRIssued {
				if !s.transition(StateAwaitingScan) {
					continue
				}
			}
			track := s.currentTrackID()
			if track == "" {
				continue
			}
			if err := s.send(ctx, link, OpCheckStatus, TrackPayload{TrackID: track}); err != nil {
				return err
			}

		case f := <-frames:
			done, err := s.handleFrame(ctx, link, f, startPoll, stopPoll)
			if err != nil || done {
				return err
			}
		}
	}
}

// handleFrame dispatches one inbound upstream frame. done=true stops the
// session cleanly (login complete).
func (s *Session) handleFrame(ctx context.Context, link Link, f Frame, startPoll, stopPoll func()) (done bool, err error) {
	if f.IsError() {
		// The QR code was time-boxed and expired; this is recoverable and
		// invisible to the client beyond a progress message.
		s.emit(EventStatus, StatusEvent{Message: "QR code expired, requesting a fresh one..."})
		if !s.transition(StateErrored) {
			return true, nil
		}
		return false, errRestart
	}

	switch f.Opcode {
	case OpHandshake:
		if f.Cmd != CmdAck {
			return false, nil
		}
		if !s.transition(StateAwaitingQR) {
			return false, nil
		}
		s.emit(EventStatus, StatusEvent{Message: "Fetching QR code..."})
		return false, s.send(ctx, link, OpRequestQR, nil)

	case OpRequestQR:
		var p QRPayload
		if err := json.Unmarshal(f.Payload, &p); err != nil || p.TrackID == "" {
			s.log.Warn("upstream.qr.malformed", "err", err)
			return false, nil
		}
		if !s.transition(StateQRIssued) {
			return false, nil
		}

		s.setTrackID(p.TrackID)
		s.emit(EventQR, QREvent{QRLink: p.QRLink, TrackID: p.TrackID, ExpiresAt: p.ExpiresAt})

		if s.cfg.EmitBeacon {
			if err := s.sendBeacon(ctx, link, p.ExpiresAt); err != nil {
				return false, err
			}
		}

		startPoll()
		return false, nil

	case OpCheckStatus:
		var p StatusPayload
		if err := json.Unmarshal(f.Payload, &p); err != nil {
			s.log.Warn("upstream.status.malformed", "err", err)
			return false, nil
		}
		if !p.Status.LoginAvailable {
			return false, nil
		}
		if !s.transition(StateTokenRequested) {
			return false, nil
		}

		stopPoll()
		s.emit(EventStatus, StatusEvent{Message: "QR code scanned, fetching token..."})
		return false, s.send(ctx, link, OpRequestToken, TrackPayload{TrackID: s.currentTrackID()})

	case OpRequestToken:
		var p TokenPayload
		if err := json.Unmarshal(f.Payload, &p); err != nil || len(p.TokenAttrs) == 0 {
			s.log.Warn("upstream.token.malformed", "err", err)
			return false, nil
		}

		ident, err := extractIdentity(p.Profile)
		if err != nil {
			s.log.Error("session.identity.extract.fail", "err", err)
			s.fail("upstream returned an unusable profile")
			return true, nil
		}

		if !s.transition(StateAuthenticated) {
			return false, nil
		}
		s.setIdentity(ident)
		s.metrics.login()

		s.emit(EventSuccess, SuccessEvent{
			Token:     p.TokenAttrs[tokenLoginKey].Token,
			Profile:   p.Profile,
			SessionID: s.id,
		})
		s.log.Info("session.authenticated", "provider_id", ident.ProviderID)
		return true, nil

	default:
		s.log.Debug("upstream.frame.ignored", "opcode", f.Opcode, "cmd", f.Cmd)
		return false, nil
	}
}

// send writes one outbound frame with the next sequence number.
func (s *Session) send(ctx context.Context, link Link, opcode int, payload any) error {
	s.mu.Lock()
	f := Frame{Ver: ProtocolVersion, Cmd: CmdRequest, Seq: s.seq, Opcode: opcode}
	s.seq++
	s.mu.Unlock()

	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		f.Payload = b
	}

	wctx, cancel := context.WithTimeout(ctx, upstreamWriteTimeout)
	defer cancel()

	if err := link.Write(wctx, f); err != nil {
		return err
	}
	s.metrics.frame("out")
	return nil
}

// sendBeacon reports the analytics events the upstream web client emits
// right after rendering a QR code. The upstream tolerates their absence but
// treats sessions without them as suspicious.
func (s *Session) sendBeacon(ctx context.Context, link Link, qrExpiresAt int64) error {
	now := time.Now().UnixMilli()
	return s.send(ctx, link, OpBeacon, BeaconPayload{
		Events: []BeaconEvent{
			{
				Type:      "NAV",
				Event:     "COLD_START",
				UserID:    -1,
				Time:      now,
				SessionID: now - 100,
				Params:    map[string]any{"action_id": 1, "screen_to": 49},
			},
			{
				Type:      "AUTH_QR",
				Event:     "LOG",
				UserID:    -1,
				Time:      now,
				SessionID: now - 100,
				Params: map[string]any{
					"qr_ts_ms":  qrExpiresAt,
					"action":    "web_qr_view",
					"platform":  "web",
					"device_id": s.deviceID,
					"action_id": 1,
				},
			},
		},
	})
}

// transition moves the state machine along a legal edge. Undefined
// transitions are rejected and logged, leaving the state unchanged.
func (s *Session) transition(to State) bool {
	s.mu.Lock()
	from := s.state
	ok := canTransition(from, to)
	if ok {
		s.state = to
	}
	s.mu.Unlock()

	if !ok {
		s.log.Warn("session.transition.reject", "from", from.String(), "to", to.String())
		return false
	}
	s.log.Debug("session.state", "from", from.String(), "to", to.String())
	return true
}

func (s *Session) setTrackID(id string) {
	s.mu.Lock()
	s.trackID = id
	s.mu.Unlock()
}

func (s *Session) currentTrackID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.trackID
}

func (s *Session) setIdentity(id Identity) {
	s.mu.Lock()
	if s.identity == nil {
		s.identity = &id
	}
	s.mu.Unlock()
}

// emit pushes a client event, tolerating a closed or saturated channel.
func (s *Session) emit(name string, data any) {
	if !s.sink.Emit(Event{Name: name, Data: data}) {
		s.log.Debug("session.emit.dropped", "event", name)
	}
}

// fail notifies the client (when still connected) about a terminal error.
func (s *Session) fail(msg string) {
	s.emit(EventError, ErrorEvent{Message: msg})
}
