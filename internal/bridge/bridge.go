// Package bridge relays WeChat messages to the OpenClaw agent and sends the
// replies back.
package bridge

import (
	"context"
	"fmt"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/laolin5564/openclaw-wechat/internal/access"
	"github.com/laolin5564/openclaw-wechat/internal/gateway"
	. "github.com/laolin5564/openclaw-wechat/internal/logging"
	"github.com/laolin5564/openclaw-wechat/internal/media"
	"github.com/laolin5564/openclaw-wechat/internal/metrics"
	"github.com/laolin5564/openclaw-wechat/internal/wechat"
)

// Defaults for zero Config fields.
const (
	DefaultAgentID        = "main"
	DefaultMaxTextRunes   = 2000
	DefaultHealthInterval = 60 * time.Second
	DefaultApology        = "抱歉，处理消息时出错了，请稍后再试。"
	DefaultPairedMessage  = "配对成功，现在可以开始对话了。"
)

// Placeholders forwarded instead of raw provider content.
const (
	placeholderImage       = "[图片]"
	placeholderImageFailed = "[图片下载失败]"
	placeholderVoice       = "[语音消息]"
	placeholderEmoji       = "[表情]"
	placeholderFile        = "[文件: %s]"
	placeholderFileFailed  = "[文件下载失败: %s]"
)

// Gateway is the part of the gateway session the bridge uses.
type Gateway interface {
	CallAgent(ctx context.Context, params gateway.AgentParams) (gateway.AgentResult, error)
	Status() gateway.Status
	Events() <-chan gateway.Event
}

// Messenger is the part of the WeChat session the bridge uses.
type Messenger interface {
	Messages() <-chan wechat.Message
	Events() <-chan wechat.Event
	Status() wechat.Status
	SendText(ctx context.Context, to, text string) error
	SendImage(ctx context.Context, to, path string) error
	SendFile(ctx context.Context, to, path string) error
	SendVideo(ctx context.Context, to, path string) error
	SendVoice(ctx context.Context, to, path string, seconds int) error
	Contact(ctx context.Context, id string) (wechat.Contact, error)
	DownloadImage(ctx context.Context, msg wechat.Message, info wechat.ImageInfo) ([]byte, error)
	DownloadFile(ctx context.Context, msg wechat.Message, app wechat.AppMsg) ([]byte, error)
}

// MediaStore persists downloaded attachments.
type MediaStore interface {
	Save(data []byte, name string) (string, error)
}

// Config configures the orchestrator.
type Config struct {
	AgentID        string
	MaxTextRunes   int
	HealthInterval time.Duration
	Apology        string
	PairedMessage  string
	Version        string
}

func (c *Config) applyDefaults() {
	if c.AgentID == "" {
		c.AgentID = DefaultAgentID
	}
	if c.MaxTextRunes <= 0 {
		c.MaxTextRunes = DefaultMaxTextRunes
	}
	if c.HealthInterval <= 0 {
		c.HealthInterval = DefaultHealthInterval
	}
	if c.Apology == "" {
		c.Apology = DefaultApology
	}
	if c.PairedMessage == "" {
		c.PairedMessage = DefaultPairedMessage
	}
}

// Bridge owns the routing policy between the two sessions.
type Bridge struct {
	cfg       Config
	gw        Gateway
	wx        Messenger
	access    access.Checker
	store     MediaStore
	extractor *media.Extractor
	metrics   *metrics.Metrics

	mu      sync.Mutex
	cron    *cronlib.Cron
	cancel  context.CancelFunc
	running bool
	wg      sync.WaitGroup
}

// New creates a bridge. A nil metrics set gets a private one.
func New(cfg Config, gw Gateway, wx Messenger, acc access.Checker, store MediaStore, extractor *media.Extractor, m *metrics.Metrics) *Bridge {
	cfg.applyDefaults()
	if m == nil {
		m = metrics.New()
	}
	if extractor == nil {
		extractor = media.NewExtractor()
	}
	return &Bridge{
		cfg:       cfg,
		gw:        gw,
		wx:        wx,
		access:    acc,
		store:     store,
		extractor: extractor,
		metrics:   m,
	}
}

// Metrics returns the collectors the bridge updates.
func (b *Bridge) Metrics() *metrics.Metrics {
	return b.metrics
}

// Start begins consuming messages and session events and schedules the
// health check. It returns immediately.
func (b *Bridge) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.running {
		return nil
	}

	c := cronlib.New()
	schedule := "@every " + b.cfg.HealthInterval.String()
	if _, err := c.AddFunc(schedule, func() { b.CheckHealth() }); err != nil {
		return fmt.Errorf("bridge: schedule health check: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	b.cancel = cancel
	b.cron = c
	b.running = true

	b.wg.Add(2)
	go b.messageLoop(ctx)
	go b.eventLoop(ctx)
	c.Start()

	L_info("bridge: started", "agent", b.cfg.AgentID, "healthInterval", b.cfg.HealthInterval.String())
	return nil
}

// Stop cancels in-flight handlers and waits for them to return.
func (b *Bridge) Stop() {
	b.mu.Lock()
	if !b.running {
		b.mu.Unlock()
		return
	}
	b.running = false
	b.cancel()
	stopped := b.cron.Stop()
	b.mu.Unlock()

	<-stopped.Done()
	b.wg.Wait()
	L_info("bridge: stopped")
}

func (b *Bridge) messageLoop(ctx context.Context) {
	defer b.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-b.wx.Messages():
			if !ok {
				return
			}
			b.wg.Add(1)
			go func() {
				defer b.wg.Done()
				b.HandleMessage(ctx, msg)
			}()
		}
	}
}

// SessionKey is the per-sender conversation key sent with agent calls.
func SessionKey(agentID, senderID string) string {
	return "agent:" + agentID + ":wechat:dm:" + senderID
}

// HandleMessage runs the full policy for one inbound message. Errors after
// authorization are answered with an apology and never returned.
func (b *Bridge) HandleMessage(ctx context.Context, msg wechat.Message) {
	b.metrics.MessagesReceived.WithLabelValues(string(msg.Type)).Inc()

	if !b.access.IsAllowed(msg.SenderID) {
		if msg.Type == wechat.ContentText && access.MatchesPairingCode(msg.Content, b.access.CurrentPairingCode()) {
			b.pair(ctx, msg.SenderID)
			return
		}
		b.metrics.MessagesRejected.Inc()
		L_info("bridge: message from unknown sender ignored", "sender", msg.SenderID, "type", msg.Type)
		return
	}

	L_debug("bridge: message received", "sender", msg.SenderID, "type", msg.Type, "msgId", msg.NewMsgID)
	if err := b.safeRelay(ctx, msg); err != nil {
		L_error("bridge: failed to handle message", "sender", msg.SenderID, "type", msg.Type, "error", err)
		b.metrics.AgentErrors.Inc()
		b.apologize(ctx, msg.SenderID)
	}
}

func (b *Bridge) pair(ctx context.Context, sender string) {
	if err := b.access.AddAllowed(sender, "pairing"); err != nil {
		L_error("bridge: failed to add paired sender", "sender", sender, "error", err)
		return
	}
	b.metrics.UsersPaired.Inc()
	L_info("bridge: sender paired", "sender", sender, "name", b.displayName(ctx, sender))
	if err := b.wx.SendText(ctx, sender, b.cfg.PairedMessage); err != nil {
		L_warn("bridge: failed to send pairing confirmation", "sender", sender, "error", err)
	}
}

// displayName is best effort; the id stands in when the lookup fails.
func (b *Bridge) displayName(ctx context.Context, id string) string {
	lookupCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	c, err := b.wx.Contact(lookupCtx, id)
	if err != nil {
		L_debug("bridge: contact lookup failed", "id", id, "error", err)
		return id
	}
	if c.Remark != "" {
		return c.Remark
	}
	if c.NickName != "" {
		return c.NickName
	}
	return id
}

func (b *Bridge) apologize(ctx context.Context, to string) {
	// Still answer when the handler failed because ctx ended.
	sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 15*time.Second)
	defer cancel()
	if err := b.wx.SendText(sendCtx, to, b.cfg.Apology); err != nil {
		L_error("bridge: failed to send apology", "to", to, "error", err)
	}
}

// safeRelay converts a panic in relay into an error.
func (b *Bridge) safeRelay(ctx context.Context, msg wechat.Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			L_error("bridge: panic while handling message", "panic", r, "stack", string(debug.Stack()))
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return b.relay(ctx, msg)
}

func (b *Bridge) relay(ctx context.Context, msg wechat.Message) error {
	text, attachments := b.prepare(ctx, msg)
	if strings.TrimSpace(text) == "" && len(attachments) == 0 {
		L_debug("bridge: nothing to forward", "sender", msg.SenderID, "type", msg.Type)
		return nil
	}

	start := time.Now()
	res, err := b.gw.CallAgent(ctx, gateway.AgentParams{
		Message:     text,
		AgentID:     b.cfg.AgentID,
		SessionKey:  SessionKey(b.cfg.AgentID, msg.SenderID),
		Attachments: attachments,
	})
	b.metrics.AgentDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		return fmt.Errorf("agent call: %w", err)
	}
	b.metrics.MessagesRelayed.Inc()
	L_debug("bridge: agent replied", "sender", msg.SenderID, "runId", res.RunID, "chars", len(res.Text),
		"elapsed", time.Since(start).Round(time.Millisecond).String())

	if err := b.deliver(ctx, msg.SenderID, res.Text); err != nil {
		return fmt.Errorf("deliver reply: %w", err)
	}
	return nil
}

// prepare turns a message into agent text plus attachments. Download
// failures become placeholders.
func (b *Bridge) prepare(ctx context.Context, msg wechat.Message) (string, []gateway.Attachment) {
	switch msg.Type {
	case wechat.ContentText:
		return msg.Content, nil
	case wechat.ContentFile, wechat.ContentApp:
		return b.prepareApp(ctx, msg)
	case wechat.ContentImage:
		return b.prepareImage(ctx, msg)
	case wechat.ContentVoice:
		return placeholderVoice, nil
	case wechat.ContentEmoji:
		return placeholderEmoji, nil
	default:
		return "", nil
	}
}

func (b *Bridge) prepareApp(ctx context.Context, msg wechat.Message) (string, []gateway.Attachment) {
	app, err := wechat.ParseAppMsg(msg.Content)
	if err != nil {
		L_warn("bridge: unreadable app message", "sender", msg.SenderID, "error", err)
		return fmt.Sprintf(placeholderFileFailed, "?"), nil
	}
	if !app.IsFile() && app.AttachID == "" {
		// Links, mini programs and the like: forward the title.
		return app.Title, nil
	}

	name := fileName(app)
	data, err := b.wx.DownloadFile(ctx, msg, app)
	if err == nil {
		var path string
		if path, err = b.store.Save(data, name); err == nil {
			b.metrics.MediaDownloads.WithLabelValues(string(media.KindFile), "ok").Inc()
			mt, _ := media.DetectMimeType(path)
			L_info("bridge: file downloaded", "sender", msg.SenderID, "name", name, "size", len(data))
			return fmt.Sprintf(placeholderFile, name), []gateway.Attachment{{
				Type:     string(media.KindFile),
				Path:     path,
				MimeType: mt,
				FileName: name,
			}}
		}
	}
	b.metrics.MediaDownloads.WithLabelValues(string(media.KindFile), "error").Inc()
	L_warn("bridge: file download failed", "sender", msg.SenderID, "name", name, "error", err)
	return fmt.Sprintf(placeholderFileFailed, name), nil
}

func fileName(app wechat.AppMsg) string {
	name := strings.TrimSpace(app.Title)
	if name == "" {
		name = "file"
	}
	if app.FileExt != "" && !strings.HasSuffix(strings.ToLower(name), "."+strings.ToLower(app.FileExt)) {
		name += "." + app.FileExt
	}
	return name
}

func (b *Bridge) prepareImage(ctx context.Context, msg wechat.Message) (string, []gateway.Attachment) {
	fail := func(err error) (string, []gateway.Attachment) {
		b.metrics.MediaDownloads.WithLabelValues(string(media.KindImage), "error").Inc()
		L_warn("bridge: image download failed", "sender", msg.SenderID, "error", err)
		return placeholderImageFailed, nil
	}
	if msg.ProviderID() == 0 {
		return fail(wechat.ErrNoProviderID)
	}
	info, err := wechat.ParseImageInfo(msg.Content)
	if err != nil {
		return fail(err)
	}
	data, err := b.wx.DownloadImage(ctx, msg, info)
	if err != nil {
		return fail(err)
	}
	path, err := b.store.Save(data, "")
	if err != nil {
		return fail(err)
	}
	b.metrics.MediaDownloads.WithLabelValues(string(media.KindImage), "ok").Inc()
	L_info("bridge: image downloaded", "sender", msg.SenderID, "size", len(data))
	return placeholderImage, []gateway.Attachment{{
		Type:     string(media.KindImage),
		Path:     path,
		MimeType: media.DetectMIME(data),
	}}
}
