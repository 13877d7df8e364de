package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"runtime/debug"
	"syscall"

	"github.com/laolin5564/openclaw-wechat/internal/access"
	"github.com/laolin5564/openclaw-wechat/internal/backoff"
	"github.com/laolin5564/openclaw-wechat/internal/bridge"
	"github.com/laolin5564/openclaw-wechat/internal/config"
	"github.com/laolin5564/openclaw-wechat/internal/gateway"
	httpserver "github.com/laolin5564/openclaw-wechat/internal/http"
	. "github.com/laolin5564/openclaw-wechat/internal/logging"
	"github.com/laolin5564/openclaw-wechat/internal/media"
	"github.com/laolin5564/openclaw-wechat/internal/metrics"
	"github.com/laolin5564/openclaw-wechat/internal/paths"
	"github.com/laolin5564/openclaw-wechat/internal/wechat"
)

// RunCmd runs the bridge until SIGINT or SIGTERM.
type RunCmd struct{}

func (c *RunCmd) Run(g *Globals) (err error) {
	cfg, cfgPath, err := config.Load(g.Config)
	if err != nil {
		return err
	}
	logFile, err := initLogging(cfg.Logging, g.Debug)
	if err != nil {
		return err
	}
	if logFile != nil {
		defer logFile.Close()
	}
	if cfgPath == "" {
		L_info("no config file found, using defaults")
	} else {
		L_info("config loaded", "path", cfgPath)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	defer func() {
		if r := recover(); r != nil {
			L_error("panic in bridge, shutting down", "panic", r, "stack", string(debug.Stack()))
			err = fmt.Errorf("panic: %v", r)
		}
	}()

	app, err := build(cfg)
	if err != nil {
		return err
	}
	defer app.shutdown()

	if err := app.start(ctx); err != nil {
		return err
	}

	<-ctx.Done()
	SetShuttingDown()
	L_info("shutdown requested")
	return nil
}

func initLogging(lc config.LoggingConfig, debugFlag bool) (*os.File, error) {
	cfg := &LogConfig{
		Level:      ParseLevel(lc.Level),
		TimeFormat: lc.TimeFormat,
		ShowCaller: lc.ShowCaller,
		JSON:       lc.JSON,
	}
	if debugFlag && cfg.Level < LevelDebug {
		cfg.Level = LevelDebug
	}

	var f *os.File
	if lc.File != "" {
		path, err := paths.ExpandTilde(lc.File)
		if err != nil {
			return nil, err
		}
		if err := paths.EnsureParentDir(path); err != nil {
			return nil, err
		}
		f, err = os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
		if err != nil {
			return nil, fmt.Errorf("open log file: %w", err)
		}
		cfg.Output = io.MultiWriter(os.Stderr, f)
	}
	Init(cfg)
	return f, nil
}

// app holds every long-lived component of a running bridge.
type app struct {
	cfg     *config.Config
	access  *access.Store
	watcher *access.Watcher
	media   *media.Store
	gateway *gateway.Session
	wechat  *wechat.Session
	bridge  *bridge.Bridge
	http    *httpserver.Server
}

func build(cfg *config.Config) (*app, error) {
	base, err := paths.BaseDir()
	if err != nil {
		return nil, err
	}
	acc, err := access.Open(base)
	if err != nil {
		return nil, fmt.Errorf("open access store: %w", err)
	}

	creds, err := access.LoadCredentials(base)
	if err != nil {
		return nil, err
	}
	token := firstNonEmpty(cfg.Gateway.Token, creds.GatewayToken)
	authKey := firstNonEmpty(cfg.WeChat.AuthKey, creds.WeChatAuthKey)
	if authKey == "" {
		return nil, fmt.Errorf("no WeChat auth key: set %s or wechatAuthKey in %s",
			config.EnvWeChatKey, filepath.Join(base, paths.CredentialsFile))
	}
	RegisterSecret(token, authKey)
	if token == "" {
		L_warn("no gateway token configured, connecting without one")
	}

	mediaDir := cfg.Media.Dir
	if mediaDir == "" {
		mediaDir = filepath.Join(base, paths.MediaDir)
	}
	if mediaDir, err = paths.ExpandTilde(mediaDir); err != nil {
		return nil, err
	}
	store, err := media.NewStore(media.Config{
		Dir:     mediaDir,
		TTL:     config.Duration(cfg.Media.TTL, media.DefaultTTL),
		MaxSize: cfg.Media.MaxSize,
	})
	if err != nil {
		return nil, err
	}

	roots := cfg.Bridge.PathRoots
	if len(roots) == 0 {
		roots = paths.ReplyRoots(base)
	}
	extractor := media.NewExtractor(roots...)
	L_debug("bridge: reply path roots", "roots", extractor.Roots())

	gw := gateway.New(gateway.Config{
		URL:              cfg.Gateway.URL,
		Token:            token,
		ClientID:         cfg.Gateway.ClientID,
		ClientVersion:    version,
		ClientMode:       cfg.Gateway.ClientMode,
		Role:             cfg.Gateway.Role,
		Scopes:           cfg.Gateway.Scopes,
		Locale:           cfg.Gateway.Locale,
		HandshakeTimeout: config.Duration(cfg.Gateway.HandshakeTimeout, 0),
		RequestTimeout:   config.Duration(cfg.Gateway.RequestTimeout, 0),
		AgentTimeout:     config.Duration(cfg.Gateway.AgentTimeout, 0),
		Backoff: backoff.Policy{
			Base:        config.Duration(cfg.Gateway.ReconnectBase, 0),
			Max:         config.Duration(cfg.Gateway.ReconnectMax, 0),
			MaxAttempts: cfg.Gateway.MaxReconnectAttempts,
		},
	})

	wx := wechat.New(wechat.Config{
		BaseURL:           cfg.WeChat.BaseURL,
		AuthKey:           authKey,
		HTTPTimeout:       config.Duration(cfg.WeChat.HTTPTimeout, 0),
		LoginPollInterval: config.Duration(cfg.WeChat.LoginPollInterval, 0),
		LoginTimeout:      config.Duration(cfg.WeChat.LoginTimeout, 0),
		ChunkSize:         int64(cfg.WeChat.ChunkSize),
		Backoff: backoff.Policy{
			Base:        config.Duration(cfg.WeChat.ReconnectBase, 0),
			Max:         config.Duration(cfg.WeChat.ReconnectMax, 0),
			MaxAttempts: cfg.WeChat.MaxReconnectAttempts,
		},
	})

	m := metrics.New()
	b := bridge.New(bridge.Config{
		AgentID:        cfg.Gateway.AgentID,
		MaxTextRunes:   cfg.Bridge.MaxTextRunes,
		HealthInterval: config.Duration(cfg.Bridge.HealthInterval, bridge.DefaultHealthInterval),
		Apology:        cfg.Bridge.Apology,
		PairedMessage:  cfg.Bridge.PairedMessage,
		Version:        version,
	}, gw, wx, acc, store, extractor, m)

	a := &app{cfg: cfg, access: acc, media: store, gateway: gw, wechat: wx, bridge: b}
	if !cfg.HTTP.Disabled {
		a.http = httpserver.NewServer(httpserver.ServerConfig{
			Listen:  cfg.HTTP.Listen,
			Metrics: m.Handler(),
		}, b)
	}
	return a, nil
}

func (a *app) start(ctx context.Context) error {
	a.media.Start()

	w, err := a.access.Watch(ctx)
	if err != nil {
		L_warn("allow-list watcher unavailable, external edits need a restart", "error", err)
	} else {
		a.watcher = w
	}

	if a.http != nil {
		if err := a.http.Start(); err != nil {
			return fmt.Errorf("start status server: %w", err)
		}
	}

	// Reconnects in the background when the first dial fails.
	_ = a.gateway.Connect(ctx)

	if err := a.wechat.EnsureLogin(ctx); err != nil {
		return fmt.Errorf("wechat login: %w", err)
	}
	a.wechat.Start(ctx)

	if err := a.bridge.Start(ctx); err != nil {
		return err
	}
	L_info("openclaw-wechat running", "version", version, "wxid", a.wechat.SelfID(),
		"pairingCode", a.access.CurrentPairingCode())
	return nil
}

// shutdown stops components in reverse dependency order. Safe after a
// partial start.
func (a *app) shutdown() {
	a.bridge.Stop()
	a.wechat.Stop()
	a.gateway.Disconnect()
	if a.http != nil {
		_ = a.http.Stop()
	}
	if a.watcher != nil {
		a.watcher.Stop()
	}
	a.media.Close()
	L_info("openclaw-wechat stopped")
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
