package wechat

import (
	"context"
	"io"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/laolin5564/openclaw-wechat/internal/backoff"
	. "github.com/laolin5564/openclaw-wechat/internal/logging"
)

const (
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
	writeWait  = 10 * time.Second

	messageBuffer = 128
	eventBuffer   = 32
	dedupeWindow  = 1024
)

// Config holds the messaging-service settings.
type Config struct {
	BaseURL           string
	AuthKey           string
	HTTPTimeout       time.Duration
	LoginPollInterval time.Duration
	LoginTimeout      time.Duration
	ChunkSize         int64
	Backoff           backoff.Policy
	QROutput          io.Writer // defaults to os.Stdout
}

// Event is the interface for session notifications.
type Event interface {
	wechatEvent()
}

// EventLoggedIn is emitted when the account comes online.
type EventLoggedIn struct {
	WxID string
}

func (EventLoggedIn) wechatEvent() {}

// EventPushConnected is emitted when the push socket opens.
type EventPushConnected struct{}

func (EventPushConnected) wechatEvent() {}

// EventPushDisconnected is emitted when the push socket drops.
type EventPushDisconnected struct {
	Err error
}

func (EventPushDisconnected) wechatEvent() {}

// EventGaveUp is emitted when push reconnection stops for good.
type EventGaveUp struct {
	Attempts int
}

func (EventGaveUp) wechatEvent() {}

// Status is a snapshot for health checks and the status endpoint.
type Status struct {
	LoginState        LoginState `json:"loginState"`
	WSConnected       bool       `json:"wsConnected"`
	Nickname          string     `json:"nickname,omitempty"`
	WxID              string     `json:"wxid,omitempty"`
	ReconnectAttempts int        `json:"reconnectAttempts"`
	GaveUp            bool       `json:"gaveUp"`
	LastError         string     `json:"lastError,omitempty"`
}

// Session is the bridge's connection to the messaging service.
type Session struct {
	client       *Client
	policy       backoff.Policy
	chunkSize    int64
	pollInterval time.Duration
	loginTimeout time.Duration
	qrOut        io.Writer
	dialer       websocket.Dialer

	messages chan Message
	events   chan Event
	seen     *dedupe

	mu          sync.RWMutex
	conn        *websocket.Conn
	loginState  LoginState
	wxid        string
	nickname    string
	wsConnected bool
	attempts    int
	gaveUp      bool
	lastError   error
	running     bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a session; the push channel starts with Start.
func New(cfg Config) *Session {
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = DefaultChunkSize
	}
	if cfg.LoginPollInterval <= 0 {
		cfg.LoginPollInterval = 2 * time.Second
	}
	if cfg.LoginTimeout <= 0 {
		cfg.LoginTimeout = 240 * time.Second
	}
	if cfg.Backoff.Base <= 0 {
		cfg.Backoff = backoff.DefaultPolicy()
	}
	if cfg.QROutput == nil {
		cfg.QROutput = os.Stdout
	}
	return &Session{
		client:       NewClient(cfg.BaseURL, cfg.AuthKey, cfg.HTTPTimeout),
		policy:       cfg.Backoff,
		chunkSize:    cfg.ChunkSize,
		pollInterval: cfg.LoginPollInterval,
		loginTimeout: cfg.LoginTimeout,
		qrOut:        cfg.QROutput,
		dialer:       websocket.Dialer{HandshakeTimeout: 15 * time.Second, Proxy: http.ProxyFromEnvironment},
		messages:     make(chan Message, messageBuffer),
		events:       make(chan Event, eventBuffer),
		seen:         newDedupe(dedupeWindow),
		loginState:   LoginUnknown,
	}
}

// Client exposes the underlying API client.
func (s *Session) Client() *Client {
	return s.client
}

// Messages delivers decoded inbound messages.
func (s *Session) Messages() <-chan Message {
	return s.messages
}

// Events delivers status notifications; they are dropped when unread.
func (s *Session) Events() <-chan Event {
	return s.events
}

// SelfID returns the logged-in account id, if known.
func (s *Session) SelfID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.wxid
}

// Contact looks up a user's display details.
func (s *Session) Contact(ctx context.Context, id string) (Contact, error) {
	return s.client.GetContact(ctx, id)
}

// Status returns a snapshot of the session.
func (s *Session) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st := Status{
		LoginState:        s.loginState,
		WSConnected:       s.wsConnected,
		Nickname:          s.nickname,
		WxID:              s.wxid,
		ReconnectAttempts: s.attempts,
		GaveUp:            s.gaveUp,
	}
	if s.lastError != nil {
		st.LastError = s.lastError.Error()
	}
	return st
}

// Start launches the push connect loop. It returns immediately.
func (s *Session) Start(ctx context.Context) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.gaveUp = false
	s.attempts = 0
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.mu.Unlock()

	s.wg.Add(1)
	go s.connectLoop()
}

// Stop closes the push socket and waits for the loop to exit.
func (s *Session) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	cancel := s.cancel
	conn := s.conn
	s.mu.Unlock()

	cancel()
	if conn != nil {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		conn.Close()
	}
	s.wg.Wait()

	s.mu.Lock()
	s.running = false
	s.mu.Unlock()
	L_info("wechat: push channel stopped")
}

func (s *Session) connectLoop() {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		s.running = s.ctx.Err() == nil && !s.gaveUp
		s.mu.Unlock()
	}()

	for {
		if s.ctx.Err() != nil {
			return
		}

		err := s.connect()
		if err == nil {
			s.readLoop()
			if s.ctx.Err() != nil {
				return
			}
		} else {
			L_warn("wechat: push connect failed", "error", err)
		}

		s.mu.Lock()
		attempt := s.attempts + 1
		delay, ok := s.policy.Next(attempt)
		if !ok {
			s.gaveUp = true
			attempts := s.attempts
			s.mu.Unlock()
			L_error("wechat: giving up on push channel; restart required", "attempts", attempts)
			s.emit(EventGaveUp{Attempts: attempts})
			return
		}
		s.attempts = attempt
		s.mu.Unlock()

		L_info("wechat: reconnecting push channel", "attempt", attempt, "delay", delay)
		if sleepCtx(s.ctx, delay) != nil {
			return
		}
	}
}

func (s *Session) connect() error {
	//nolint:bodyclose // WebSocket upgrade - response body handled by gorilla/websocket
	conn, _, err := s.dialer.DialContext(s.ctx, s.client.wsURL(), http.Header{})
	if err != nil {
		s.mu.Lock()
		s.lastError = err
		s.mu.Unlock()
		return err
	}

	s.mu.Lock()
	s.conn = conn
	s.wsConnected = true
	s.attempts = 0
	s.lastError = nil
	s.mu.Unlock()

	L_info("wechat: push channel connected")
	s.emit(EventPushConnected{})
	return nil
}

func (s *Session) readLoop() {
	s.mu.RLock()
	conn := s.conn
	s.mu.RUnlock()

	done := make(chan struct{})
	defer close(done)
	go s.pingLoop(conn, done)

	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	var readErr error
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			readErr = err
			break
		}
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		s.handleFrame(data)
	}

	s.mu.Lock()
	s.wsConnected = false
	s.lastError = readErr
	if s.conn == conn {
		s.conn = nil
	}
	s.mu.Unlock()
	conn.Close()

	if s.ctx.Err() == nil {
		switch {
		case IsShuttingDown():
			L_debug("wechat: push channel closed during shutdown", "error", readErr)
		case websocket.IsUnexpectedCloseError(readErr, websocket.CloseNormalClosure, websocket.CloseGoingAway):
			L_warn("wechat: push channel lost", "error", readErr)
		default:
			L_info("wechat: push channel closed", "error", readErr)
		}
		s.emit(EventPushDisconnected{Err: readErr})
	}
}

func (s *Session) pingLoop(conn *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-s.ctx.Done():
			conn.Close() // unblocks ReadMessage
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				L_debug("wechat: ping failed", "error", err)
				return
			}
		}
	}
}

func (s *Session) handleFrame(data []byte) {
	msgs, err := parsePush(data)
	if err != nil {
		L_warn("wechat: dropping malformed push frame", "error", err)
		return
	}
	self := s.SelfID()
	for _, pm := range msgs {
		msg, ok := decodeMessage(pm, self)
		if !ok {
			L_trace("wechat: message filtered", "from", pm.FromUserName.Str, "type", pm.MsgType)
			continue
		}
		if !s.seen.firstSeen(msg.NewMsgID) {
			L_debug("wechat: duplicate message dropped", "newMsgId", msg.NewMsgID)
			continue
		}
		L_debug("wechat: message received", "from", msg.SenderID, "type", msg.Type, "msgId", msg.MsgID)
		select {
		case s.messages <- msg:
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *Session) emit(ev Event) {
	select {
	case s.events <- ev:
	default:
		L_debug("wechat: event channel full, dropping")
	}
}
