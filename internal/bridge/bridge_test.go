package bridge

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/laolin5564/openclaw-wechat/internal/gateway"
	"github.com/laolin5564/openclaw-wechat/internal/media"
	"github.com/laolin5564/openclaw-wechat/internal/wechat"
)

type fakeGateway struct {
	mu     sync.Mutex
	calls  []gateway.AgentParams
	reply  string
	err    error
	status gateway.Status
	events chan gateway.Event
}

func (g *fakeGateway) CallAgent(ctx context.Context, p gateway.AgentParams) (gateway.AgentResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls = append(g.calls, p)
	if g.err != nil {
		return gateway.AgentResult{}, g.err
	}
	return gateway.AgentResult{RunID: "run-1", Text: g.reply}, nil
}

func (g *fakeGateway) Status() gateway.Status       { return g.status }
func (g *fakeGateway) Events() <-chan gateway.Event { return g.events }

func (g *fakeGateway) callCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.calls)
}

func (g *fakeGateway) lastCall() gateway.AgentParams {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls[len(g.calls)-1]
}

type sent struct {
	kind    string
	to      string
	payload string
}

type fakeMessenger struct {
	mu       sync.Mutex
	sent     []sent
	sendErr  error
	messages chan wechat.Message
	events   chan wechat.Event
	status   wechat.Status

	imageData []byte
	imageErr  error
	fileData  []byte
	fileErr   error
	contact   wechat.Contact
}

func newFakeMessenger() *fakeMessenger {
	return &fakeMessenger{
		messages: make(chan wechat.Message, 8),
		events:   make(chan wechat.Event, 8),
	}
}

func (m *fakeMessenger) record(kind, to, payload string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sendErr != nil {
		return m.sendErr
	}
	m.sent = append(m.sent, sent{kind, to, payload})
	return nil
}

func (m *fakeMessenger) Messages() <-chan wechat.Message { return m.messages }
func (m *fakeMessenger) Events() <-chan wechat.Event     { return m.events }
func (m *fakeMessenger) Status() wechat.Status           { return m.status }

func (m *fakeMessenger) SendText(ctx context.Context, to, text string) error {
	return m.record("text", to, text)
}
func (m *fakeMessenger) SendImage(ctx context.Context, to, path string) error {
	return m.record("image", to, path)
}
func (m *fakeMessenger) SendFile(ctx context.Context, to, path string) error {
	return m.record("file", to, path)
}
func (m *fakeMessenger) SendVideo(ctx context.Context, to, path string) error {
	return m.record("video", to, path)
}

func (m *fakeMessenger) SendVoice(ctx context.Context, to, path string, seconds int) error {
	return m.record("voice", to, path)
}

func (m *fakeMessenger) Contact(ctx context.Context, id string) (wechat.Contact, error) {
	if m.contact.UserName == "" {
		return wechat.Contact{}, errors.New("not found")
	}
	return m.contact, nil
}

func (m *fakeMessenger) DownloadImage(ctx context.Context, msg wechat.Message, info wechat.ImageInfo) ([]byte, error) {
	return m.imageData, m.imageErr
}

func (m *fakeMessenger) DownloadFile(ctx context.Context, msg wechat.Message, app wechat.AppMsg) ([]byte, error) {
	return m.fileData, m.fileErr
}

func (m *fakeMessenger) sentSnapshot() []sent {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]sent(nil), m.sent...)
}

func (m *fakeMessenger) kinds() []string {
	var out []string
	for _, s := range m.sentSnapshot() {
		out = append(out, s.kind)
	}
	return out
}

type fakeAccess struct {
	mu      sync.Mutex
	allowed map[string]bool
	code    string
}

func (a *fakeAccess) IsAllowed(id string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.allowed[id]
}

func (a *fakeAccess) AddAllowed(id, via string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.allowed[id] = true
	return nil
}

func (a *fakeAccess) CurrentPairingCode() string { return a.code }

type harness struct {
	b    *Bridge
	gw   *fakeGateway
	wx   *fakeMessenger
	acc  *fakeAccess
	root string
}

func newHarness(t *testing.T, allowed ...string) *harness {
	t.Helper()
	root := t.TempDir()
	store, err := media.NewStore(media.Config{Dir: filepath.Join(root, "media")})
	if err != nil {
		t.Fatal(err)
	}
	h := &harness{
		gw:   &fakeGateway{reply: "ok", events: make(chan gateway.Event, 8)},
		wx:   newFakeMessenger(),
		acc:  &fakeAccess{allowed: map[string]bool{}, code: "K7P2QX"},
		root: root,
	}
	for _, id := range allowed {
		h.acc.allowed[id] = true
	}
	h.b = New(Config{AgentID: "main"}, h.gw, h.wx, h.acc, store, media.NewExtractor(root), nil)
	return h
}

func (h *harness) touch(t *testing.T, name string) string {
	t.Helper()
	p := filepath.Join(h.root, name)
	if err := os.WriteFile(p, []byte("data"), 0o600); err != nil {
		t.Fatal(err)
	}
	return p
}

func textMsg(from, content string) wechat.Message {
	return wechat.Message{SenderID: from, RecipientID: "wxid_self", Content: content, Type: wechat.ContentText, NewMsgID: 1}
}

func TestPairingFlow(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.b.HandleMessage(ctx, textMsg("wxid_new", "  k7p2qx "))

	if !h.acc.IsAllowed("wxid_new") {
		t.Fatal("sender not added after pairing code")
	}
	if h.gw.callCount() != 0 {
		t.Fatal("pairing message forwarded to agent")
	}
	if got := h.wx.sentSnapshot(); len(got) != 1 || got[0].payload != DefaultPairedMessage {
		t.Fatalf("sent = %+v, want one confirmation", got)
	}

	h.b.HandleMessage(ctx, textMsg("wxid_new", "你好"))
	if h.gw.callCount() != 1 {
		t.Fatal("message after pairing not forwarded")
	}
	if got := testutil.ToFloat64(h.b.Metrics().UsersPaired); got != 1 {
		t.Errorf("paired counter = %v", got)
	}
}

func TestUnknownSenderIgnored(t *testing.T) {
	h := newHarness(t)
	h.b.HandleMessage(context.Background(), textMsg("wxid_stranger", "hello"))

	if h.gw.callCount() != 0 || len(h.wx.sentSnapshot()) != 0 {
		t.Fatal("unknown sender got a reply or an agent call")
	}
	if h.acc.IsAllowed("wxid_stranger") {
		t.Fatal("unknown sender was added")
	}
	if got := testutil.ToFloat64(h.b.Metrics().MessagesRejected); got != 1 {
		t.Errorf("rejected counter = %v", got)
	}
}

func TestPairingCodeOnlyFromText(t *testing.T) {
	h := newHarness(t)
	msg := textMsg("wxid_new", "K7P2QX")
	msg.Type = wechat.ContentEmoji
	h.b.HandleMessage(context.Background(), msg)
	if h.acc.IsAllowed("wxid_new") {
		t.Fatal("non-text message paired the sender")
	}
}

func TestAgentParams(t *testing.T) {
	h := newHarness(t, "wxid_a")
	h.b.HandleMessage(context.Background(), textMsg("wxid_a", "天气如何"))

	call := h.gw.lastCall()
	if call.Message != "天气如何" || call.AgentID != "main" {
		t.Errorf("call = %+v", call)
	}
	if call.SessionKey != "agent:main:wechat:dm:wxid_a" {
		t.Errorf("session key = %q", call.SessionKey)
	}
	if got := h.wx.sentSnapshot(); len(got) != 1 || got[0].to != "wxid_a" || got[0].payload != "ok" {
		t.Errorf("sent = %+v", got)
	}
}

func TestPlaceholders(t *testing.T) {
	tests := []struct {
		typ  wechat.ContentType
		want string
	}{
		{wechat.ContentVoice, "[语音消息]"},
		{wechat.ContentEmoji, "[表情]"},
	}
	for _, tt := range tests {
		h := newHarness(t, "wxid_a")
		msg := textMsg("wxid_a", "<msg/>")
		msg.Type = tt.typ
		h.b.HandleMessage(context.Background(), msg)
		if got := h.gw.lastCall().Message; got != tt.want {
			t.Errorf("%s forwarded %q, want %q", tt.typ, got, tt.want)
		}
	}
}

func TestOtherContentNotForwarded(t *testing.T) {
	h := newHarness(t, "wxid_a")
	msg := textMsg("wxid_a", "system notice")
	msg.Type = wechat.ContentOther
	h.b.HandleMessage(context.Background(), msg)
	if h.gw.callCount() != 0 || len(h.wx.sentSnapshot()) != 0 {
		t.Fatal("unsupported message triggered a call or reply")
	}
}

const imageXML = `<msg><img aeskey="k" cdnmidimgurl="u" length="4" md5="m"/></msg>`

func TestImageDownload(t *testing.T) {
	png := []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n', 0, 0, 0, 0x0d, 'I', 'H', 'D', 'R'}

	t.Run("ok", func(t *testing.T) {
		h := newHarness(t, "wxid_a")
		h.wx.imageData = png
		msg := textMsg("wxid_a", imageXML)
		msg.Type = wechat.ContentImage
		h.b.HandleMessage(context.Background(), msg)

		call := h.gw.lastCall()
		if call.Message != "[图片]" || len(call.Attachments) != 1 {
			t.Fatalf("call = %+v", call)
		}
		att := call.Attachments[0]
		if att.Type != "image" || att.MimeType != "image/png" || !media.FileExists(att.Path) {
			t.Errorf("attachment = %+v", att)
		}
	})

	t.Run("download fails", func(t *testing.T) {
		h := newHarness(t, "wxid_a")
		h.wx.imageErr = errors.New("cdn down")
		msg := textMsg("wxid_a", imageXML)
		msg.Type = wechat.ContentImage
		h.b.HandleMessage(context.Background(), msg)

		call := h.gw.lastCall()
		if call.Message != "[图片下载失败]" || len(call.Attachments) != 0 {
			t.Errorf("call = %+v", call)
		}
	})

	t.Run("no provider id", func(t *testing.T) {
		h := newHarness(t, "wxid_a")
		h.wx.imageData = png
		msg := textMsg("wxid_a", imageXML)
		msg.Type = wechat.ContentImage
		msg.NewMsgID = 0
		h.b.HandleMessage(context.Background(), msg)
		if got := h.gw.lastCall().Message; got != "[图片下载失败]" {
			t.Errorf("forwarded %q", got)
		}
	})
}

const fileXML = `<msg><appmsg><title>季度报告</title><type>6</type><appattach>` +
	`<totallen>4</totallen><attachid>@cdn_1</attachid><fileext>pdf</fileext></appattach></appmsg></msg>`

func TestFileDownload(t *testing.T) {
	t.Run("ok", func(t *testing.T) {
		h := newHarness(t, "wxid_a")
		h.wx.fileData = []byte("%PDF")
		msg := textMsg("wxid_a", fileXML)
		msg.Type = wechat.ContentFile
		h.b.HandleMessage(context.Background(), msg)

		call := h.gw.lastCall()
		if call.Message != "[文件: 季度报告.pdf]" || len(call.Attachments) != 1 {
			t.Fatalf("call = %+v", call)
		}
		att := call.Attachments[0]
		if att.Type != "file" || att.FileName != "季度报告.pdf" || filepath.Ext(att.Path) != ".pdf" {
			t.Errorf("attachment = %+v", att)
		}
	})

	t.Run("fails", func(t *testing.T) {
		h := newHarness(t, "wxid_a")
		h.wx.fileErr = errors.New("gone")
		msg := textMsg("wxid_a", fileXML)
		msg.Type = wechat.ContentFile
		h.b.HandleMessage(context.Background(), msg)
		if got := h.gw.lastCall().Message; got != "[文件下载失败: 季度报告.pdf]" {
			t.Errorf("forwarded %q", got)
		}
	})
}

func TestReplyFilesTakePriority(t *testing.T) {
	h := newHarness(t, "wxid_a")
	pdf := h.touch(t, "report.pdf")
	clip := h.touch(t, "clip.mp4")
	note := h.touch(t, "note.silk")
	chart := h.touch(t, "chart.png")
	h.gw.reply = "done\n" + pdf + "\n" + clip + "\n" + note + "\n" + chart

	h.b.HandleMessage(context.Background(), textMsg("wxid_a", "make it"))

	got := h.wx.sentSnapshot()
	if kinds := h.wx.kinds(); !reflect.DeepEqual(kinds, []string{"text", "file", "video", "voice"}) {
		t.Fatalf("send kinds = %v", kinds)
	}
	if strings.Contains(got[0].payload, pdf) || strings.Contains(got[0].payload, clip) {
		t.Errorf("file paths left in text: %q", got[0].payload)
	}
	if got[1].payload != pdf || got[2].payload != clip || got[3].payload != note {
		t.Errorf("sent = %+v", got)
	}
}

func TestReplyImages(t *testing.T) {
	h := newHarness(t, "wxid_a")
	chart := h.touch(t, "chart.png")
	missing := filepath.Join(h.root, "missing.jpg")
	h.gw.reply = "图表 " + chart + " " + missing

	h.b.HandleMessage(context.Background(), textMsg("wxid_a", "画图"))

	got := h.wx.sentSnapshot()
	if kinds := h.wx.kinds(); !reflect.DeepEqual(kinds, []string{"text", "image"}) {
		t.Fatalf("send kinds = %v", kinds)
	}
	if got[0].payload != "图表 "+missing {
		t.Errorf("text = %q", got[0].payload)
	}
	if got[1].payload != chart {
		t.Errorf("image = %q", got[1].payload)
	}
}

func TestReplyOnlyImage(t *testing.T) {
	h := newHarness(t, "wxid_a")
	chart := h.touch(t, "chart.png")
	h.gw.reply = chart

	h.b.HandleMessage(context.Background(), textMsg("wxid_a", "画图"))
	if kinds := h.wx.kinds(); !reflect.DeepEqual(kinds, []string{"image"}) {
		t.Fatalf("send kinds = %v", kinds)
	}
}

func TestLongReplySplit(t *testing.T) {
	h := newHarness(t, "wxid_a")
	h.b.cfg.MaxTextRunes = 20
	h.gw.reply = strings.Repeat("字", 45)

	h.b.HandleMessage(context.Background(), textMsg("wxid_a", "长文"))

	got := h.wx.sentSnapshot()
	if len(got) != 3 {
		t.Fatalf("sent %d chunks, want 3", len(got))
	}
	var joined string
	for _, s := range got {
		joined += s.payload
	}
	if joined != h.gw.reply {
		t.Error("chunks do not reassemble the reply")
	}
}

func TestAgentErrorSendsApology(t *testing.T) {
	h := newHarness(t, "wxid_a")
	h.gw.err = &gateway.RemoteError{Code: "AGENT_ERROR", Message: "boom"}

	h.b.HandleMessage(context.Background(), textMsg("wxid_a", "hi"))

	got := h.wx.sentSnapshot()
	if len(got) != 1 || got[0].payload != DefaultApology {
		t.Fatalf("sent = %+v, want apology", got)
	}
	if v := testutil.ToFloat64(h.b.Metrics().AgentErrors); v != 1 {
		t.Errorf("agent errors = %v", v)
	}
}

func TestApologyFailureNotEscalated(t *testing.T) {
	h := newHarness(t, "wxid_a")
	h.gw.err = gateway.ErrRequestTimeout
	h.wx.sendErr = errors.New("service down")

	h.b.HandleMessage(context.Background(), textMsg("wxid_a", "hi"))
}

func TestApologyAfterCancel(t *testing.T) {
	h := newHarness(t, "wxid_a")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	h.gw.err = context.Canceled

	h.b.HandleMessage(ctx, textMsg("wxid_a", "hi"))
	if got := h.wx.sentSnapshot(); len(got) != 1 || got[0].payload != DefaultApology {
		t.Fatalf("sent = %+v", got)
	}
}

func TestSplitText(t *testing.T) {
	tests := []struct {
		name string
		text string
		max  int
		want []string
	}{
		{"short", "hello", 10, []string{"hello"}},
		{"exact", "abcde", 5, []string{"abcde"}},
		{"hard cut", "abcdefghij", 4, []string{"abcd", "efgh", "ij"}},
		{"newline", "aaaa\nbbbbbb", 7, []string{"aaaa\n", "bbbbbb"}},
		{"early newline ignored", "a\nbbbbbbbb", 6, []string{"a\nbbbb", "bbbb"}},
		{"runes", "你好世界再见", 4, []string{"你好世界", "再见"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := splitText(tt.text, tt.max); !reflect.DeepEqual(got, tt.want) {
				t.Errorf("splitText = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestStatusAndHealth(t *testing.T) {
	h := newHarness(t)
	h.b.cfg.Version = "1.2.3"

	if r := h.b.Status(); r.Status != "degraded" || r.Version != "1.2.3" {
		t.Errorf("status = %+v", r)
	}
	if problems := h.b.CheckHealth(); len(problems) != 3 {
		t.Errorf("problems = %v", problems)
	}

	h.gw.status = gateway.Status{State: gateway.StateAuthenticated, Connected: true, Authenticated: true}
	h.wx.status = wechat.Status{LoginState: wechat.LoginLoggedIn, WSConnected: true}

	r := h.b.Status()
	if r.Status != "ok" || !r.Gateway.Authenticated || r.WeChat.LoginState != "loggedIn" {
		t.Errorf("status = %+v", r)
	}
	if problems := h.b.CheckHealth(); len(problems) != 0 {
		t.Errorf("problems = %v", problems)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met")
}

func TestStartConsumesMessagesAndEvents(t *testing.T) {
	h := newHarness(t, "wxid_a")
	if err := h.b.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer h.b.Stop()

	h.wx.events <- wechat.EventPushConnected{}
	h.gw.events <- gateway.EventStateChanged{From: gateway.StateConnected, To: gateway.StateAuthenticated}
	h.wx.messages <- textMsg("wxid_a", "one")
	h.wx.messages <- textMsg("wxid_a", "two")

	waitFor(t, func() bool { return len(h.wx.sentSnapshot()) == 2 })

	m := h.b.Metrics()
	waitFor(t, func() bool {
		return testutil.ToFloat64(m.LinkUp.WithLabelValues("wechat")) == 1 &&
			testutil.ToFloat64(m.LinkUp.WithLabelValues("gateway")) == 1
	})

	h.gw.events <- gateway.EventStateChanged{From: gateway.StateAuthenticated, To: gateway.StateDisconnected}
	waitFor(t, func() bool {
		return testutil.ToFloat64(m.Reconnects.WithLabelValues("gateway")) == 1 &&
			testutil.ToFloat64(m.LinkUp.WithLabelValues("gateway")) == 0
	})
}

func TestRequestedDisconnectNotCounted(t *testing.T) {
	h := newHarness(t)
	m := h.b.Metrics()
	h.b.onGatewayEvent(gateway.EventStateChanged{From: gateway.StateConnected, To: gateway.StateAuthenticated})
	h.b.onGatewayEvent(gateway.EventStateChanged{From: gateway.StateAuthenticated, To: gateway.StateDisconnected, Requested: true})

	if n := testutil.ToFloat64(m.Reconnects.WithLabelValues("gateway")); n != 0 {
		t.Errorf("reconnects = %v, want 0", n)
	}
	if up := testutil.ToFloat64(m.LinkUp.WithLabelValues("gateway")); up != 0 {
		t.Errorf("link up = %v after disconnect", up)
	}
}

func TestStopIdempotent(t *testing.T) {
	h := newHarness(t)
	if err := h.b.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	h.b.Stop()
	h.b.Stop()
}
