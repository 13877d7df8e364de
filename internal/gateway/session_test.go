package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/laolin5564/openclaw-wechat/internal/backoff"
)

// fakeConn is the server side of one test connection.
type fakeConn struct {
	ws *websocket.Conn
	mu sync.Mutex
}

func (c *fakeConn) send(f Frame) {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.ws.WriteJSON(f)
}

func (c *fakeConn) event(name string, payload any) {
	raw, _ := json.Marshal(payload)
	c.send(Frame{Type: FrameEvent, Event: name, Payload: raw})
}

func (c *fakeConn) respond(id string, ok bool, payload any, shape *ErrorShape) {
	var raw json.RawMessage
	if payload != nil {
		raw, _ = json.Marshal(payload)
	}
	c.send(Frame{Type: FrameRes, ID: id, OK: &ok, Payload: raw, Error: shape})
}

func (c *fakeConn) agentEvent(runID, stream string, data any) {
	raw, _ := json.Marshal(data)
	c.event(EventAgent, agentEventPayload{RunID: runID, Stream: stream, Data: raw})
}

// fakeGateway speaks just enough of the gateway protocol for tests.
type fakeGateway struct {
	srv            *httptest.Server
	challengeDelay time.Duration
	rejectAuth     bool
	failUpgrade    atomic.Bool
	handle         func(c *fakeConn, f Frame)

	mu            sync.Mutex
	hits          int
	connectParams []ConnectParams
	earlyFrames   int
	conns         []*fakeConn
}

func newFakeGateway(t *testing.T, setup func(g *fakeGateway)) *fakeGateway {
	t.Helper()
	g := &fakeGateway{}
	if setup != nil {
		setup(g)
	}
	upgrader := websocket.Upgrader{}
	g.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		g.mu.Lock()
		g.hits++
		g.mu.Unlock()
		if g.failUpgrade.Load() {
			http.Error(w, "unavailable", http.StatusInternalServerError)
			return
		}
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		c := &fakeConn{ws: ws}
		g.mu.Lock()
		g.conns = append(g.conns, c)
		g.mu.Unlock()
		g.serve(c)
	}))
	t.Cleanup(func() {
		g.dropAll()
		g.srv.Close()
	})
	return g
}

func (g *fakeGateway) serve(c *fakeConn) {
	var challenged atomic.Bool
	frames := make(chan Frame, 16)
	go func() {
		defer close(frames)
		for {
			var f Frame
			if err := c.ws.ReadJSON(&f); err != nil {
				return
			}
			if !challenged.Load() {
				g.mu.Lock()
				g.earlyFrames++
				g.mu.Unlock()
			}
			frames <- f
		}
	}()

	if g.challengeDelay > 0 {
		time.Sleep(g.challengeDelay)
	}
	challenged.Store(true)
	c.event(EventChallenge, map[string]any{"nonce": "nonce-123", "ts": time.Now().UnixMilli()})

	for f := range frames {
		if f.Method == MethodConnect {
			var p ConnectParams
			_ = json.Unmarshal(f.Params, &p)
			g.mu.Lock()
			g.connectParams = append(g.connectParams, p)
			g.mu.Unlock()
			if g.rejectAuth {
				c.respond(f.ID, false, nil, &ErrorShape{Code: "UNAUTHORIZED", Message: "bad token"})
			} else {
				c.respond(f.ID, true, map[string]any{"type": "hello-ok"}, nil)
			}
			continue
		}
		if g.handle != nil {
			g.handle(c, f)
		}
	}
}

func (g *fakeGateway) url() string {
	return "ws" + strings.TrimPrefix(g.srv.URL, "http")
}

// dropAll closes every server-side socket without a close handshake.
func (g *fakeGateway) dropAll() {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, c := range g.conns {
		c.ws.Close()
	}
	g.conns = nil
}

func (g *fakeGateway) hitCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.hits
}

func testConfig(url string) Config {
	return Config{
		URL:              url,
		Token:            "secret-token",
		Scopes:           []string{"operator.read", "operator.write"},
		HandshakeTimeout: 2 * time.Second,
		RequestTimeout:   2 * time.Second,
		AgentTimeout:     2 * time.Second,
		Backoff:          backoff.Policy{Base: 10 * time.Millisecond, Max: 40 * time.Millisecond, MaxAttempts: 3},
	}
}

func connectReady(t *testing.T, s *Session) {
	t.Helper()
	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := s.WaitReady(ctx); err != nil {
		t.Fatalf("WaitReady: %v (status %+v)", err, s.Status())
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestConnectAuthenticates(t *testing.T) {
	g := newFakeGateway(t, nil)
	s := New(testConfig(g.url()))
	defer s.Disconnect()

	connectReady(t, s)

	st := s.Status()
	if !st.Connected || !st.Authenticated || st.State != StateAuthenticated {
		t.Fatalf("status = %+v", st)
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.connectParams) != 1 {
		t.Fatalf("connect requests = %d, want 1", len(g.connectParams))
	}
	p := g.connectParams[0]
	if p.MinProtocol != 3 || p.MaxProtocol != 3 {
		t.Errorf("protocol range = %d..%d", p.MinProtocol, p.MaxProtocol)
	}
	if p.Auth.Token != "secret-token" {
		t.Errorf("token = %q", p.Auth.Token)
	}
	if p.Role != "operator" || p.Client.ID != "gateway-client" || p.Client.Mode != "backend" {
		t.Errorf("client fields = %+v role=%q", p.Client, p.Role)
	}
	if len(p.Scopes) != 2 {
		t.Errorf("scopes = %v", p.Scopes)
	}
}

func TestNoCredentialsBeforeChallenge(t *testing.T) {
	g := newFakeGateway(t, func(g *fakeGateway) {
		g.challengeDelay = 150 * time.Millisecond
	})
	s := New(testConfig(g.url()))
	defer s.Disconnect()

	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if st := s.Status(); st.State != StateConnected {
		t.Errorf("state before challenge = %s, want connected", st.State)
	}
	if _, err := s.Request(context.Background(), "status", nil); !errors.Is(err, ErrNotAuthenticated) {
		t.Errorf("Request before auth = %v, want ErrNotAuthenticated", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := s.WaitReady(ctx); err != nil {
		t.Fatalf("WaitReady: %v", err)
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if g.earlyFrames != 0 {
		t.Errorf("client sent %d frames before the challenge", g.earlyFrames)
	}
}

func TestAuthRejected(t *testing.T) {
	g := newFakeGateway(t, func(g *fakeGateway) { g.rejectAuth = true })
	s := New(testConfig(g.url()))
	defer s.Disconnect()

	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	timeout := time.After(3 * time.Second)
	for {
		select {
		case ev := <-s.Events():
			if af, ok := ev.(EventAuthFailed); ok {
				if !errors.Is(af.Err, ErrAuthRejected) {
					t.Errorf("auth error = %v", af.Err)
				}
				st := s.Status()
				if st.Authenticated || !st.Connected {
					t.Errorf("status after rejection = %+v", st)
				}
				if _, err := s.Request(context.Background(), "status", nil); !errors.Is(err, ErrNotAuthenticated) {
					t.Errorf("Request = %v, want ErrNotAuthenticated", err)
				}
				return
			}
		case <-timeout:
			t.Fatal("no EventAuthFailed")
		}
	}
}

func TestRequestResponse(t *testing.T) {
	g := newFakeGateway(t, func(g *fakeGateway) {
		g.handle = func(c *fakeConn, f Frame) {
			switch f.Method {
			case "status":
				c.respond(f.ID, true, map[string]any{"n": 1}, nil)
			case "boom":
				c.respond(f.ID, false, nil, &ErrorShape{Code: "BAD_REQUEST", Message: "nope"})
			}
		}
	})
	s := New(testConfig(g.url()))
	defer s.Disconnect()
	connectReady(t, s)

	payload, err := s.Request(context.Background(), "status", map[string]any{})
	if err != nil {
		t.Fatalf("Request: %v", err)
	}
	var got struct{ N int }
	if err := json.Unmarshal(payload, &got); err != nil || got.N != 1 {
		t.Errorf("payload = %s (%v)", payload, err)
	}

	_, err = s.Request(context.Background(), "boom", nil)
	var re *RemoteError
	if !errors.As(err, &re) {
		t.Fatalf("error = %v, want RemoteError", err)
	}
	if re.Code != "BAD_REQUEST" || re.Message != "nope" {
		t.Errorf("remote error = %+v", re)
	}
	if n := s.Status().Pending; n != 0 {
		t.Errorf("pending = %d after completion", n)
	}
}

func TestSendAddsIdempotencyKey(t *testing.T) {
	got := make(chan SendParams, 1)
	g := newFakeGateway(t, func(g *fakeGateway) {
		g.handle = func(c *fakeConn, f Frame) {
			if f.Method != MethodSend {
				return
			}
			var p SendParams
			_ = json.Unmarshal(f.Params, &p)
			got <- p
			c.respond(f.ID, true, map[string]any{"messageId": "m1"}, nil)
		}
	})
	s := New(testConfig(g.url()))
	defer s.Disconnect()
	connectReady(t, s)

	if _, err := s.Send(context.Background(), SendParams{To: "wxid_a", Message: "hi", Channel: "wechat"}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	p := <-got
	if p.To != "wxid_a" || p.Message != "hi" || p.IdempotencyKey == "" {
		t.Errorf("params = %+v", p)
	}
}

func TestRequestTimeout(t *testing.T) {
	g := newFakeGateway(t, nil) // never answers requests
	cfg := testConfig(g.url())
	cfg.RequestTimeout = 100 * time.Millisecond
	s := New(cfg)
	defer s.Disconnect()
	connectReady(t, s)

	start := time.Now()
	_, err := s.Request(context.Background(), "slow", nil)
	if !errors.Is(err, ErrRequestTimeout) {
		t.Fatalf("error = %v, want ErrRequestTimeout", err)
	}
	if elapsed := time.Since(start); elapsed < 90*time.Millisecond {
		t.Errorf("timed out after only %s", elapsed)
	}
	if n := s.Status().Pending; n != 0 {
		t.Errorf("pending = %d after timeout", n)
	}
}

func TestRequestContextCancel(t *testing.T) {
	g := newFakeGateway(t, nil)
	s := New(testConfig(g.url()))
	defer s.Disconnect()
	connectReady(t, s)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := s.Request(ctx, "slow", nil); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("error = %v, want DeadlineExceeded", err)
	}
	if n := s.Status().Pending; n != 0 {
		t.Errorf("pending = %d after cancel", n)
	}
}

func strPtr(s string) *string { return &s }

func TestAgentStreamAggregation(t *testing.T) {
	tests := []struct {
		name   string
		chunks []assistantData
		want   string
	}{
		{
			name:   "snapshot overwrites deltas",
			chunks: []assistantData{{Delta: strPtr("Hel")}, {Delta: strPtr("lo")}, {Text: strPtr(" world")}},
			want:   " world",
		},
		{
			name:   "deltas append",
			chunks: []assistantData{{Delta: strPtr("Hel")}, {Delta: strPtr("lo")}},
			want:   "Hello",
		},
		{
			name:   "delta after snapshot",
			chunks: []assistantData{{Text: strPtr("Hi")}, {Delta: strPtr(" there\n\n")}},
			want:   "Hi there",
		},
		{
			name:   "empty run",
			chunks: nil,
			want:   "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var agentParams atomic.Value
			g := newFakeGateway(t, func(g *fakeGateway) {
				g.handle = func(c *fakeConn, f Frame) {
					if f.Method != MethodAgent {
						return
					}
					var p AgentParams
					_ = json.Unmarshal(f.Params, &p)
					agentParams.Store(p)

					c.respond(f.ID, true, map[string]any{"runId": "run-7", "status": "accepted"}, nil)
					c.agentEvent("run-7", StreamLifecycle, lifecycleData{Phase: PhaseStart})
					for _, ch := range tt.chunks {
						c.agentEvent("run-7", StreamAssistant, ch)
					}
					c.agentEvent("run-7", StreamLifecycle, lifecycleData{Phase: PhaseEnd})
				}
			})
			s := New(testConfig(g.url()))
			defer s.Disconnect()
			connectReady(t, s)

			res, err := s.CallAgent(context.Background(), AgentParams{
				Message:    "hi",
				AgentID:    "main",
				SessionKey: "agent:main:wechat:dm:wxid_a",
			})
			if err != nil {
				t.Fatalf("CallAgent: %v", err)
			}
			if res.Text != tt.want {
				t.Errorf("text = %q, want %q", res.Text, tt.want)
			}
			if res.RunID != "run-7" {
				t.Errorf("runID = %q", res.RunID)
			}
			p, _ := agentParams.Load().(AgentParams)
			if p.IdempotencyKey == "" || p.SessionKey != "agent:main:wechat:dm:wxid_a" {
				t.Errorf("agent params = %+v", p)
			}
		})
	}
}

func TestAgentAcceptedThenEndResolvesOnce(t *testing.T) {
	release := make(chan struct{})
	g := newFakeGateway(t, func(g *fakeGateway) {
		g.handle = func(c *fakeConn, f Frame) {
			if f.Method != MethodAgent {
				return
			}
			c.respond(f.ID, true, map[string]any{"runId": f.ID, "status": "accepted"}, nil)
			go func() {
				<-release
				c.agentEvent(f.ID, StreamAssistant, assistantData{Text: strPtr("final answer")})
				c.agentEvent(f.ID, StreamLifecycle, lifecycleData{Phase: PhaseEnd})
				// A late terminal res must not resolve a second time
				c.respond(f.ID, true, map[string]any{"runId": f.ID, "status": "ok"}, nil)
			}()
		}
	})
	s := New(testConfig(g.url()))
	defer s.Disconnect()
	connectReady(t, s)

	type result struct {
		res AgentResult
		err error
	}
	done := make(chan result, 1)
	go func() {
		r, err := s.CallAgent(context.Background(), AgentParams{Message: "q"})
		done <- result{r, err}
	}()

	select {
	case r := <-done:
		t.Fatalf("resolved on accepted: %+v", r)
	case <-time.After(100 * time.Millisecond):
	}
	if n := s.Status().Pending; n != 1 {
		t.Errorf("pending = %d while accepted, want 1", n)
	}

	close(release)
	r := <-done
	if r.err != nil || r.res.Text != "final answer" {
		t.Fatalf("result = %+v", r)
	}
	time.Sleep(50 * time.Millisecond)
	if n := s.Status().Pending; n != 0 {
		t.Errorf("pending = %d after end", n)
	}
}

func TestAgentBareAckWaitsForStream(t *testing.T) {
	g := newFakeGateway(t, func(g *fakeGateway) {
		g.handle = func(c *fakeConn, f Frame) {
			if f.Method != MethodAgent {
				return
			}
			c.respond(f.ID, true, map[string]any{"runId": f.ID}, nil)
			c.agentEvent(f.ID, StreamAssistant, assistantData{Delta: strPtr("hello")})
			c.agentEvent(f.ID, StreamLifecycle, lifecycleData{Phase: PhaseEnd})
		}
	})
	s := New(testConfig(g.url()))
	defer s.Disconnect()
	connectReady(t, s)

	res, err := s.CallAgent(context.Background(), AgentParams{Message: "hi"})
	if err != nil {
		t.Fatalf("CallAgent: %v", err)
	}
	if res.Text != "hello" {
		t.Errorf("text = %q, want %q", res.Text, "hello")
	}
}

func TestAgentLifecycleError(t *testing.T) {
	g := newFakeGateway(t, func(g *fakeGateway) {
		g.handle = func(c *fakeConn, f Frame) {
			c.respond(f.ID, true, map[string]any{"runId": "r", "status": "accepted"}, nil)
			c.agentEvent("r", StreamLifecycle, lifecycleData{Phase: PhaseError, Error: "model overloaded"})
		}
	})
	s := New(testConfig(g.url()))
	defer s.Disconnect()
	connectReady(t, s)

	_, err := s.CallAgent(context.Background(), AgentParams{Message: "q"})
	var re *RemoteError
	if !errors.As(err, &re) || re.Message != "model overloaded" {
		t.Fatalf("error = %v", err)
	}
}

func TestAgentTerminalResponseText(t *testing.T) {
	g := newFakeGateway(t, func(g *fakeGateway) {
		g.handle = func(c *fakeConn, f Frame) {
			c.respond(f.ID, true, map[string]any{
				"runId":  "r2",
				"status": "ok",
				"result": map[string]any{"payloads": []map[string]string{{"text": "one"}, {"text": "two"}}},
			}, nil)
		}
	})
	s := New(testConfig(g.url()))
	defer s.Disconnect()
	connectReady(t, s)

	res, err := s.CallAgent(context.Background(), AgentParams{Message: "q"})
	if err != nil {
		t.Fatalf("CallAgent: %v", err)
	}
	if res.Text != "one\n\ntwo" || res.RunID != "r2" {
		t.Errorf("result = %+v", res)
	}
}

func TestDisconnectRejectsPending(t *testing.T) {
	g := newFakeGateway(t, nil)
	s := New(testConfig(g.url()))
	connectReady(t, s)

	errc := make(chan error, 1)
	go func() {
		_, err := s.CallAgent(context.Background(), AgentParams{Message: "never answered"})
		errc <- err
	}()
	waitFor(t, "pending call", func() bool { return s.Status().Pending == 1 })

	s.Disconnect()
	select {
	case err := <-errc:
		if !errors.Is(err, ErrConnectionClosed) {
			t.Errorf("error = %v, want ErrConnectionClosed", err)
		}
	case <-time.After(time.Second):
		t.Fatal("pending call not rejected by Disconnect")
	}
	if st := s.Status(); st.State != StateDisconnected || st.Pending != 0 {
		t.Errorf("status after disconnect = %+v", st)
	}

	// No reconnect after an explicit disconnect
	hits := g.hitCount()
	time.Sleep(100 * time.Millisecond)
	if g.hitCount() != hits {
		t.Errorf("reconnected after Disconnect")
	}
}

func TestDisconnectEventIsRequested(t *testing.T) {
	g := newFakeGateway(t, nil)
	s := New(testConfig(g.url()))
	connectReady(t, s)
	s.Disconnect()

	for {
		select {
		case ev := <-s.Events():
			sc, ok := ev.(EventStateChanged)
			if !ok || sc.To != StateDisconnected {
				continue
			}
			if !sc.Requested || sc.From != StateAuthenticated {
				t.Errorf("event = %+v", sc)
			}
			return
		default:
			t.Fatal("no disconnect event")
		}
	}
}

func TestReconnectAfterDrop(t *testing.T) {
	g := newFakeGateway(t, nil)
	s := New(testConfig(g.url()))
	defer s.Disconnect()
	connectReady(t, s)

	g.dropAll()
	waitFor(t, "second handshake", func() bool {
		g.mu.Lock()
		defer g.mu.Unlock()
		return len(g.connectParams) >= 2
	})
	waitFor(t, "re-authentication", func() bool { return s.Status().Authenticated })
	if n := s.Status().ReconnectAttempts; n != 0 {
		t.Errorf("reconnect attempts = %d after success, want 0", n)
	}
}

func TestReconnectGivesUp(t *testing.T) {
	g := newFakeGateway(t, nil)
	g.failUpgrade.Store(true)
	s := New(testConfig(g.url()))
	defer s.Disconnect()

	if err := s.Connect(context.Background()); !errors.Is(err, ErrTransport) {
		t.Fatalf("Connect = %v, want ErrTransport", err)
	}

	var gaveUp EventGaveUp
	timeout := time.After(3 * time.Second)
wait:
	for {
		select {
		case ev := <-s.Events():
			if gu, ok := ev.(EventGaveUp); ok {
				gaveUp = gu
				break wait
			}
		case <-timeout:
			t.Fatalf("never gave up; status %+v", s.Status())
		}
	}

	if gaveUp.Attempts != 3 {
		t.Errorf("gave up after %d attempts, want 3", gaveUp.Attempts)
	}
	// One initial dial plus MaxAttempts reconnects
	if n := g.hitCount(); n != 4 {
		t.Errorf("dial attempts = %d, want 4", n)
	}
	st := s.Status()
	if !st.GaveUp || st.ReconnectAttempts != 3 {
		t.Errorf("status = %+v", st)
	}

	// An explicit Connect starts over
	g.failUpgrade.Store(false)
	connectReady(t, s)
	if st := s.Status(); st.GaveUp || st.ReconnectAttempts != 0 {
		t.Errorf("status after manual connect = %+v", st)
	}
}

func TestConnectRightAfterDisconnect(t *testing.T) {
	g := newFakeGateway(t, nil)
	g.failUpgrade.Store(true)
	cfg := testConfig(g.url())
	cfg.Backoff = backoff.Policy{Base: 300 * time.Millisecond, Max: 300 * time.Millisecond, MaxAttempts: 3}
	s := New(cfg)
	defer s.Disconnect()

	if err := s.Connect(context.Background()); err == nil {
		t.Fatal("first Connect should fail")
	}
	// The reconnect loop is now sleeping on its first delay
	s.Disconnect()
	g.failUpgrade.Store(false)
	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("Connect after Disconnect: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.WaitReady(ctx); err != nil {
		t.Fatalf("WaitReady: %v (status %+v, dials %d)", err, s.Status(), g.hitCount())
	}

	// The stale loop wakes and must not dial again
	time.Sleep(500 * time.Millisecond)
	if n := g.hitCount(); n != 2 {
		t.Errorf("dials = %d, want 2", n)
	}
	if !s.Status().Authenticated {
		t.Errorf("status = %+v", s.Status())
	}
}

func TestMalformedFramesIgnored(t *testing.T) {
	g := newFakeGateway(t, func(g *fakeGateway) {
		g.handle = func(c *fakeConn, f Frame) {
			c.mu.Lock()
			_ = c.ws.WriteMessage(websocket.TextMessage, []byte("{not json"))
			_ = c.ws.WriteMessage(websocket.TextMessage, []byte(`{"type":"event","event":"agent","payload":"oops"}`))
			_ = c.ws.WriteMessage(websocket.TextMessage, []byte(`{"type":"res","id":"unknown-id","ok":true}`))
			c.mu.Unlock()
			c.respond(f.ID, true, map[string]any{"fine": true}, nil)
		}
	})
	s := New(testConfig(g.url()))
	defer s.Disconnect()
	connectReady(t, s)

	if _, err := s.Request(context.Background(), "status", nil); err != nil {
		t.Fatalf("Request after malformed frames: %v", err)
	}
	if !s.Status().Authenticated {
		t.Error("session should survive malformed frames")
	}
}

func TestCallsWhileDisconnected(t *testing.T) {
	s := New(testConfig("ws://127.0.0.1:1"))
	if _, err := s.Request(context.Background(), "status", nil); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Request = %v, want ErrNotConnected", err)
	}
	if _, err := s.CallAgent(context.Background(), AgentParams{}); !errors.Is(err, ErrNotConnected) {
		t.Errorf("CallAgent = %v, want ErrNotConnected", err)
	}
}

func TestTrimReply(t *testing.T) {
	tests := []struct{ in, want string }{
		{" world", " world"},
		{"hello \n\n", "hello"},
		{"", ""},
		{"\t\n", ""},
	}
	for _, tt := range tests {
		if got := trimReply(tt.in); got != tt.want {
			t.Errorf("trimReply(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
