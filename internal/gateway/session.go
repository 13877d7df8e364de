// Package gateway implements the bridge's client side of the OpenClaw
// gateway WebSocket RPC protocol: challenge/response authentication,
// request/response correlation, streamed agent calls and reconnection.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/laolin5564/openclaw-wechat/internal/backoff"
	. "github.com/laolin5564/openclaw-wechat/internal/logging"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second

	eventBuffer = 64
)

// Config holds the gateway session settings
type Config struct {
	URL              string
	Token            string // May be empty; sent as "" then
	ClientID         string
	ClientVersion    string
	ClientMode       string
	Role             string
	Scopes           []string
	Locale           string
	UserAgent        string
	HandshakeTimeout time.Duration
	RequestTimeout   time.Duration
	AgentTimeout     time.Duration
	Backoff          backoff.Policy
}

func (c *Config) applyDefaults() {
	if c.ClientID == "" {
		c.ClientID = "gateway-client"
	}
	if c.ClientVersion == "" {
		c.ClientVersion = "dev"
	}
	if c.ClientMode == "" {
		c.ClientMode = "backend"
	}
	if c.Role == "" {
		c.Role = "operator"
	}
	if c.UserAgent == "" {
		c.UserAgent = "openclaw-wechat/" + c.ClientVersion
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 30 * time.Second
	}
	if c.AgentTimeout <= 0 {
		c.AgentTimeout = 120 * time.Second
	}
	if c.Backoff.Base <= 0 {
		c.Backoff = backoff.DefaultPolicy()
	}
}

// Session is one authenticated connection to the gateway.
// Create with New, start with Connect, stop with Disconnect.
type Session struct {
	cfg     Config
	dialer  websocket.Dialer
	pending *pendingTable
	events  chan Event

	mu                sync.RWMutex
	conn              *websocket.Conn
	gen               int // incremented per connection; stale read loops compare it
	state             State
	shouldReconnect   bool
	reconnecting      bool
	reconnectAttempts int
	gaveUp            bool
	lastError         error
	stopCh            chan struct{} // closed by Disconnect
	readyCh           chan struct{} // closed while authenticated

	writeMu sync.Mutex
}

// New creates a session. Nothing is dialed until Connect.
func New(cfg Config) *Session {
	cfg.applyDefaults()
	return &Session{
		cfg:     cfg,
		dialer:  websocket.Dialer{HandshakeTimeout: cfg.HandshakeTimeout, Proxy: http.ProxyFromEnvironment},
		pending: newPendingTable(),
		events:  make(chan Event, eventBuffer),
		state:   StateDisconnected,
		stopCh:  make(chan struct{}),
		readyCh: make(chan struct{}),
	}
}

// Events returns the status notification channel. Events are dropped
// rather than blocking the session when nobody drains it.
func (s *Session) Events() <-chan Event {
	return s.events
}

// Status returns a snapshot of the session state.
func (s *Session) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st := Status{
		State:             s.state,
		Connected:         s.state == StateConnected || s.state == StateAuthenticated,
		Authenticated:     s.state == StateAuthenticated,
		ReconnectAttempts: s.reconnectAttempts,
		GaveUp:            s.gaveUp,
		Pending:           s.pending.len(),
	}
	if s.lastError != nil {
		st.LastError = s.lastError.Error()
	}
	return st
}

// Connect opens the transport. It returns once the socket is open (or the
// handshake timeout passes); authentication completes asynchronously when
// the gateway sends its challenge. Use WaitReady to block until then.
// A failed Connect schedules background reconnects.
func (s *Session) Connect(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StateDisconnected || s.reconnecting {
		s.mu.Unlock()
		return nil
	}
	if !s.shouldReconnect {
		s.stopCh = make(chan struct{})
	}
	if s.gaveUp {
		s.gaveUp = false
		s.reconnectAttempts = 0
	}
	s.shouldReconnect = true
	s.mu.Unlock()

	if err := s.dial(ctx); err != nil {
		L_warn("gateway: connect failed", "url", s.cfg.URL, "error", err)
		s.scheduleReconnect()
		return err
	}
	return nil
}

// WaitReady blocks until the session is authenticated or ctx ends.
func (s *Session) WaitReady(ctx context.Context) error {
	for {
		s.mu.RLock()
		if s.state == StateAuthenticated {
			s.mu.RUnlock()
			return nil
		}
		ch := s.readyCh
		s.mu.RUnlock()

		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Disconnect stops reconnection, rejects every pending call with
// ErrConnectionClosed and closes the socket.
func (s *Session) Disconnect() {
	s.mu.Lock()
	wasActive := s.shouldReconnect
	s.shouldReconnect = false
	s.reconnecting = false
	if wasActive {
		close(s.stopCh)
	}
	conn := s.conn
	s.conn = nil
	s.gen++
	from := s.state
	s.setStateLocked(StateDisconnected)
	s.mu.Unlock()

	for _, p := range s.pending.drain() {
		p.done <- outcome{err: ErrConnectionClosed}
	}

	if conn != nil {
		s.writeMu.Lock()
		_ = conn.SetWriteDeadline(time.Now().Add(time.Second))
		_ = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		s.writeMu.Unlock()
		conn.Close()
	}
	if from != StateDisconnected {
		s.emit(EventStateChanged{From: from, To: StateDisconnected, Requested: true})
	}
	L_info("gateway: disconnected")
}

// Request sends a plain request and waits for its "res" frame.
func (s *Session) Request(ctx context.Context, method string, params any) (json.RawMessage, error) {
	o, err := s.call(ctx, kindRequest, method, params, s.cfg.RequestTimeout)
	if err != nil {
		return nil, err
	}
	return o.payload, nil
}

// CallAgent runs an agent turn and waits for its stream to finish.
func (s *Session) CallAgent(ctx context.Context, params AgentParams) (AgentResult, error) {
	if params.IdempotencyKey == "" {
		params.IdempotencyKey = uuid.NewString()
	}
	o, err := s.call(ctx, kindAgent, MethodAgent, params, s.cfg.AgentTimeout)
	if err != nil {
		return AgentResult{}, err
	}
	return AgentResult{RunID: o.runID, Text: o.text}, nil
}

// Send invokes the gateway's generic "send" method.
func (s *Session) Send(ctx context.Context, params SendParams) (json.RawMessage, error) {
	if params.IdempotencyKey == "" {
		params.IdempotencyKey = uuid.NewString()
	}
	return s.Request(ctx, MethodSend, params)
}

func (s *Session) call(ctx context.Context, kind callKind, method string, params any, timeout time.Duration) (outcome, error) {
	s.mu.RLock()
	state := s.state
	s.mu.RUnlock()
	switch state {
	case StateAuthenticated:
	case StateConnected:
		return outcome{}, ErrNotAuthenticated
	default:
		return outcome{}, ErrNotConnected
	}

	raw, err := json.Marshal(params)
	if err != nil {
		return outcome{}, fmt.Errorf("gateway: marshal %s params: %w", method, err)
	}

	id := uuid.NewString()
	p := &pendingCall{id: id, kind: kind, done: make(chan outcome, 1)}
	if err := s.pending.add(p); err != nil {
		return outcome{}, err
	}
	s.pending.arm(id, timeout, func() {
		if s.pending.settle(id, outcome{err: fmt.Errorf("%w: %s after %s", ErrRequestTimeout, method, timeout)}) {
			L_warn("gateway: request timed out", "method", method, "id", id, "timeout", timeout)
		}
	})

	if err := s.writeFrame(Frame{Type: FrameReq, ID: id, Method: method, Params: raw}); err != nil {
		s.pending.take(id)
		return outcome{}, err
	}
	L_debug("gateway: request sent", "method", method, "id", id)

	select {
	case o := <-p.done:
		return o, o.err
	case <-ctx.Done():
		if s.pending.take(id) != nil {
			return outcome{}, ctx.Err()
		}
		// Lost the race to another path; its outcome is already buffered
		o := <-p.done
		return o, o.err
	}
}

// dial performs one transport open and starts the read loop.
func (s *Session) dial(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StateDisconnected {
		s.mu.Unlock()
		return nil
	}
	s.setStateLocked(StateConnecting)
	s.mu.Unlock()
	s.emit(EventStateChanged{From: StateDisconnected, To: StateConnecting})

	dctx, cancel := context.WithTimeout(ctx, s.cfg.HandshakeTimeout)
	defer cancel()

	L_debug("gateway: dialing", "url", s.cfg.URL)
	//nolint:bodyclose // WebSocket upgrade - response body handled by gorilla/websocket
	conn, resp, err := s.dialer.DialContext(dctx, s.cfg.URL, http.Header{})
	if err != nil {
		if resp != nil {
			err = fmt.Errorf("%w: dial %s: HTTP %d: %v", ErrTransport, s.cfg.URL, resp.StatusCode, err)
		} else {
			err = fmt.Errorf("%w: dial %s: %v", ErrTransport, s.cfg.URL, err)
		}
		s.mu.Lock()
		s.lastError = err
		s.setStateLocked(StateDisconnected)
		s.mu.Unlock()
		s.emit(EventStateChanged{From: StateConnecting, To: StateDisconnected})
		return err
	}

	s.mu.Lock()
	if !s.shouldReconnect {
		// Disconnect ran while we were dialing
		s.mu.Unlock()
		conn.Close()
		return ErrConnectionClosed
	}
	s.conn = conn
	s.reconnecting = false
	s.gen++
	gen := s.gen
	stop := s.stopCh
	s.setStateLocked(StateConnected)
	s.mu.Unlock()
	s.emit(EventStateChanged{From: StateConnecting, To: StateConnected})

	L_info("gateway: socket open, awaiting challenge", "url", s.cfg.URL)

	go s.readLoop(conn, gen)
	go s.pingLoop(conn, gen, stop)
	return nil
}

// readLoop processes frames in arrival order until the socket fails.
func (s *Session) readLoop(conn *websocket.Conn, gen int) {
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			s.handleClose(gen, err)
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))

		var frame Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			L_warn("gateway: dropping malformed frame", "error", err, "raw", truncate(string(data), 200))
			continue
		}

		switch frame.Type {
		case FrameEvent:
			s.handleEvent(frame)
		case FrameRes:
			s.handleResponse(frame)
		default:
			L_debug("gateway: ignoring frame", "type", frame.Type)
		}
	}
}

func (s *Session) pingLoop(conn *websocket.Conn, gen int, stop <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			s.mu.RLock()
			current := s.gen == gen
			s.mu.RUnlock()
			if !current {
				return
			}
			s.writeMu.Lock()
			err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
			s.writeMu.Unlock()
			if err != nil {
				L_debug("gateway: ping failed", "error", err)
				return
			}
		}
	}
}

// handleClose reacts to an unexpected socket failure. Pending calls are
// left to their own timers.
func (s *Session) handleClose(gen int, err error) {
	s.mu.Lock()
	if gen != s.gen {
		s.mu.Unlock()
		return
	}
	from := s.state
	if s.conn != nil {
		s.conn.Close()
		s.conn = nil
	}
	s.lastError = err
	s.setStateLocked(StateDisconnected)
	reconnect := s.shouldReconnect
	s.mu.Unlock()

	switch {
	case IsShuttingDown():
		L_debug("gateway: connection closed during shutdown", "error", err)
	case websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway):
		L_warn("gateway: connection lost", "error", err)
	default:
		L_info("gateway: connection closed", "error", err)
	}
	s.emit(EventStateChanged{From: from, To: StateDisconnected})

	if reconnect {
		s.scheduleReconnect()
	}
}

// scheduleReconnect starts the backoff loop unless one is already running.
func (s *Session) scheduleReconnect() {
	s.mu.Lock()
	if s.reconnecting || !s.shouldReconnect || s.gaveUp {
		s.mu.Unlock()
		return
	}
	s.reconnecting = true
	stop := s.stopCh
	s.mu.Unlock()

	go s.reconnectLoop(stop)
}

// reconnectLoop owns the reconnecting flag while stop is the session's
// current stop channel. Disconnect clears the flag itself, so a loop that
// outlives its stop channel exits without touching it. A successful dial
// clears the flag in the same critical section that installs the socket.
func (s *Session) reconnectLoop(stop <-chan struct{}) {
	for {
		s.mu.Lock()
		if !s.shouldReconnect || s.stopCh != stop {
			s.mu.Unlock()
			return
		}
		attempt := s.reconnectAttempts + 1
		delay, ok := s.cfg.Backoff.Next(attempt)
		if !ok {
			s.gaveUp = true
			s.reconnecting = false
			attempts := s.reconnectAttempts
			s.mu.Unlock()
			L_error("gateway: giving up reconnecting; restart required", "attempts", attempts)
			s.emit(EventGaveUp{Attempts: attempts})
			return
		}
		s.reconnectAttempts = attempt
		s.mu.Unlock()

		L_info("gateway: reconnecting", "attempt", attempt, "delay", delay)

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-stop:
			timer.Stop()
			return
		}

		if err := s.dial(context.Background()); err != nil {
			if errors.Is(err, ErrConnectionClosed) {
				return
			}
			L_warn("gateway: reconnect attempt failed", "attempt", attempt, "error", err)
			continue
		}
		return
	}
}

func (s *Session) handleEvent(frame Frame) {
	switch frame.Event {
	case EventChallenge:
		var ch challengePayload
		if len(frame.Payload) > 0 {
			if err := json.Unmarshal(frame.Payload, &ch); err != nil {
				L_warn("gateway: malformed challenge", "error", err)
			}
		}
		L_debug("gateway: challenge received", "nonce", truncate(ch.Nonce, 12))
		if err := s.sendConnect(); err != nil {
			L_error("gateway: failed to send connect request", "error", err)
		}
	case EventConnected:
		s.markAuthenticated()
	case EventAgent:
		s.handleAgentEvent(frame.Payload)
	case EventTick, EventHealth, EventPresence:
		L_trace("gateway: event", "event", frame.Event)
	default:
		L_trace("gateway: unhandled event", "event", frame.Event)
	}
}

func (s *Session) sendConnect() error {
	params := ConnectParams{
		MinProtocol: MinProtocol,
		MaxProtocol: MaxProtocol,
		Client: ClientInfo{
			ID:       s.cfg.ClientID,
			Version:  s.cfg.ClientVersion,
			Platform: runtime.GOOS,
			Mode:     s.cfg.ClientMode,
		},
		Role:      s.cfg.Role,
		Scopes:    s.cfg.Scopes,
		Auth:      ConnectAuth{Token: s.cfg.Token},
		Locale:    s.cfg.Locale,
		UserAgent: s.cfg.UserAgent,
	}
	if params.Scopes == nil {
		params.Scopes = []string{}
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return err
	}
	return s.writeFrame(Frame{Type: FrameReq, ID: connectRequestID, Method: MethodConnect, Params: raw})
}

func (s *Session) markAuthenticated() {
	s.mu.Lock()
	if s.state != StateConnected {
		s.mu.Unlock()
		return
	}
	s.setStateLocked(StateAuthenticated)
	s.reconnectAttempts = 0
	s.lastError = nil
	s.mu.Unlock()

	L_info("gateway: authenticated")
	s.emit(EventStateChanged{From: StateConnected, To: StateAuthenticated})
}

func (s *Session) handleResponse(frame Frame) {
	ok := frame.OK != nil && *frame.OK

	if frame.ID == connectRequestID {
		if ok {
			s.markAuthenticated()
			return
		}
		err := fmt.Errorf("%w: %v", ErrAuthRejected, remoteErrorFrom(frame.Error, "connect rejected"))
		s.mu.Lock()
		s.lastError = err
		s.mu.Unlock()
		L_error("gateway: handshake rejected; staying unauthenticated", "error", err)
		s.emit(EventAuthFailed{Err: err})
		return
	}

	p, found := s.pending.get(frame.ID)
	if !found {
		L_debug("gateway: response for unknown id", "id", frame.ID)
		return
	}

	if !ok {
		s.pending.settle(frame.ID, outcome{err: remoteErrorFrom(frame.Error, "request failed")})
		return
	}

	if p.kind == kindRequest {
		s.pending.settle(frame.ID, outcome{payload: frame.Payload})
		return
	}

	var ap agentResponsePayload
	if len(frame.Payload) > 0 {
		if err := json.Unmarshal(frame.Payload, &ap); err != nil {
			L_warn("gateway: malformed agent response", "id", frame.ID, "error", err)
			return
		}
	}
	if ap.RunID != "" && s.pending.alias(frame.ID, ap.RunID) {
		L_debug("gateway: run id registered", "id", frame.ID, "runId", ap.RunID)
	}
	final := ap.text()
	if !terminalStatuses[ap.Status] && final == "" {
		L_debug("gateway: agent call accepted", "id", frame.ID, "runId", ap.RunID, "status", ap.Status)
		return
	}
	if ap.Status == "error" {
		s.pending.settle(frame.ID, outcome{err: &RemoteError{Message: firstNonEmpty(ap.Summary, "agent run failed")}})
		return
	}

	// Terminal response: prefer its own text, else whatever the stream built
	var text string
	s.pending.update(frame.ID, func(p *pendingCall) {
		text = p.buf.String()
	})
	if final != "" {
		text = final
	}
	s.pending.settle(frame.ID, outcome{text: trimReply(text), runID: ap.RunID})
}

func (s *Session) handleAgentEvent(raw json.RawMessage) {
	var ev agentEventPayload
	if err := json.Unmarshal(raw, &ev); err != nil {
		L_warn("gateway: malformed agent event", "error", err)
		return
	}
	if ev.RunID == "" {
		return
	}
	if _, ok := s.pending.get(ev.RunID); !ok {
		L_trace("gateway: agent event for unknown run", "runId", ev.RunID, "stream", ev.Stream)
		return
	}

	switch ev.Stream {
	case StreamAssistant:
		var data assistantData
		if err := json.Unmarshal(ev.Data, &data); err != nil {
			L_warn("gateway: malformed assistant data", "runId", ev.RunID, "error", err)
			return
		}
		s.pending.update(ev.RunID, func(p *pendingCall) {
			switch {
			case data.Text != nil:
				p.buf.Reset()
				p.buf.WriteString(*data.Text)
			case data.Delta != nil:
				p.buf.WriteString(*data.Delta)
			}
		})

	case StreamLifecycle:
		var data lifecycleData
		if err := json.Unmarshal(ev.Data, &data); err != nil {
			L_warn("gateway: malformed lifecycle data", "runId", ev.RunID, "error", err)
			return
		}
		switch data.Phase {
		case PhaseEnd:
			var text string
			s.pending.update(ev.RunID, func(p *pendingCall) {
				text = p.buf.String()
			})
			if s.pending.settle(ev.RunID, outcome{text: trimReply(text), runID: ev.RunID}) {
				L_debug("gateway: agent run finished", "runId", ev.RunID, "chars", len(text))
			}
		case PhaseError:
			msg := firstNonEmpty(data.Error, data.Message, "agent run failed")
			s.pending.settle(ev.RunID, outcome{err: &RemoteError{Code: "AGENT_ERROR", Message: msg}, runID: ev.RunID})
		default:
			L_trace("gateway: lifecycle", "runId", ev.RunID, "phase", data.Phase)
		}

	default:
		L_trace("gateway: agent stream ignored", "runId", ev.RunID, "stream", ev.Stream)
	}
}

func (s *Session) writeFrame(frame Frame) error {
	s.mu.RLock()
	conn := s.conn
	s.mu.RUnlock()
	if conn == nil {
		return ErrNotConnected
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return fmt.Errorf("%w: set write deadline: %v", ErrTransport, err)
	}
	if err := conn.WriteJSON(frame); err != nil {
		return fmt.Errorf("%w: write: %v", ErrTransport, err)
	}
	return nil
}

// setStateLocked must be called with mu held.
func (s *Session) setStateLocked(to State) {
	if s.state == StateAuthenticated && to != StateAuthenticated {
		s.readyCh = make(chan struct{})
	}
	if to == StateAuthenticated && s.state != StateAuthenticated {
		close(s.readyCh)
	}
	s.state = to
}

func (s *Session) emit(ev Event) {
	select {
	case s.events <- ev:
	default:
		L_debug("gateway: event channel full, dropping", "event", fmt.Sprintf("%T", ev))
	}
}

// trimReply drops trailing whitespace; leading whitespace of a snapshot is kept.
func trimReply(s string) string {
	return strings.TrimRight(s, " \t\r\n")
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
