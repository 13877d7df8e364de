// Package config loads the bridge configuration.
// The file may be JSON, TOML or YAML; missing fields take defaults.
package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"dario.cat/mergo"
	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	. "github.com/laolin5564/openclaw-wechat/internal/logging"
	"github.com/laolin5564/openclaw-wechat/internal/paths"
)

// Environment overrides for secrets.
const (
	EnvGatewayToken = "OPENCLAW_GATEWAY_TOKEN"
	EnvWeChatKey    = "WECHAT_AUTH_KEY"
)

// Config represents the merged bridge configuration
type Config struct {
	Gateway GatewayConfig `json:"gateway" toml:"gateway" yaml:"gateway"`
	WeChat  WeChatConfig  `json:"wechat" toml:"wechat" yaml:"wechat"`
	Bridge  BridgeConfig  `json:"bridge" toml:"bridge" yaml:"bridge"`
	Media   MediaConfig   `json:"media" toml:"media" yaml:"media"`
	HTTP    HTTPConfig    `json:"http" toml:"http" yaml:"http"`
	Logging LoggingConfig `json:"logging" toml:"logging" yaml:"logging"`
}

// GatewayConfig configures the OpenClaw gateway link
type GatewayConfig struct {
	URL                  string   `json:"url" toml:"url" yaml:"url"`       // e.g. ws://127.0.0.1:18789
	Token                string   `json:"token,omitempty" toml:"token" yaml:"token"` // Usually from credentials.json
	AgentID              string   `json:"agentId" toml:"agentId" yaml:"agentId"`
	ClientID             string   `json:"clientId" toml:"clientId" yaml:"clientId"`
	ClientMode           string   `json:"clientMode" toml:"clientMode" yaml:"clientMode"`
	Role                 string   `json:"role" toml:"role" yaml:"role"`
	Scopes               []string `json:"scopes" toml:"scopes" yaml:"scopes"`
	Locale               string   `json:"locale" toml:"locale" yaml:"locale"`
	HandshakeTimeout     string   `json:"handshakeTimeout" toml:"handshakeTimeout" yaml:"handshakeTimeout"`
	RequestTimeout       string   `json:"requestTimeout" toml:"requestTimeout" yaml:"requestTimeout"`
	AgentTimeout         string   `json:"agentTimeout" toml:"agentTimeout" yaml:"agentTimeout"`
	ReconnectBase        string   `json:"reconnectBase" toml:"reconnectBase" yaml:"reconnectBase"`
	ReconnectMax         string   `json:"reconnectMax" toml:"reconnectMax" yaml:"reconnectMax"`
	MaxReconnectAttempts int      `json:"maxReconnectAttempts" toml:"maxReconnectAttempts" yaml:"maxReconnectAttempts"`
}

// WeChatConfig configures the local iPad-protocol service
type WeChatConfig struct {
	BaseURL              string `json:"baseUrl" toml:"baseUrl" yaml:"baseUrl"` // e.g. http://127.0.0.1:1239
	AuthKey              string `json:"authKey,omitempty" toml:"authKey" yaml:"authKey"`
	HTTPTimeout          string `json:"httpTimeout" toml:"httpTimeout" yaml:"httpTimeout"`
	LoginPollInterval    string `json:"loginPollInterval" toml:"loginPollInterval" yaml:"loginPollInterval"`
	LoginTimeout         string `json:"loginTimeout" toml:"loginTimeout" yaml:"loginTimeout"`
	ChunkSize            int    `json:"chunkSize" toml:"chunkSize" yaml:"chunkSize"`
	ReconnectBase        string `json:"reconnectBase" toml:"reconnectBase" yaml:"reconnectBase"`
	ReconnectMax         string `json:"reconnectMax" toml:"reconnectMax" yaml:"reconnectMax"`
	MaxReconnectAttempts int    `json:"maxReconnectAttempts" toml:"maxReconnectAttempts" yaml:"maxReconnectAttempts"`
}

// BridgeConfig configures the orchestrator
type BridgeConfig struct {
	HealthInterval string   `json:"healthInterval" toml:"healthInterval" yaml:"healthInterval"`
	MaxTextRunes   int      `json:"maxTextRunes" toml:"maxTextRunes" yaml:"maxTextRunes"`
	PathRoots      []string `json:"pathRoots" toml:"pathRoots" yaml:"pathRoots"` // Roots a reply path must live under
	Apology        string   `json:"apology" toml:"apology" yaml:"apology"`
	PairedMessage  string   `json:"pairedMessage" toml:"pairedMessage" yaml:"pairedMessage"`
}

// MediaConfig configures the download store
type MediaConfig struct {
	Dir     string `json:"dir" toml:"dir" yaml:"dir"` // Default: ~/.openclaw-wechat/media
	TTL     string `json:"ttl" toml:"ttl" yaml:"ttl"`
	MaxSize int64  `json:"maxSize" toml:"maxSize" yaml:"maxSize"`
}

// HTTPConfig configures the status surface
type HTTPConfig struct {
	Listen   string `json:"listen" toml:"listen" yaml:"listen"`
	Disabled bool   `json:"disabled" toml:"disabled" yaml:"disabled"`
}

// LoggingConfig configures internal/logging
type LoggingConfig struct {
	Level      string `json:"level" toml:"level" yaml:"level"`
	TimeFormat string `json:"timeFormat" toml:"timeFormat" yaml:"timeFormat"`
	ShowCaller bool   `json:"showCaller" toml:"showCaller" yaml:"showCaller"`
	JSON       bool   `json:"json" toml:"json" yaml:"json"`
	File       string `json:"file" toml:"file" yaml:"file"`
}

// Default returns the configuration used for every field the file leaves out.
func Default() *Config {
	return &Config{
		Gateway: GatewayConfig{
			URL:                  "ws://127.0.0.1:18789",
			AgentID:              "main",
			ClientID:             "gateway-client",
			ClientMode:           "backend",
			Role:                 "operator",
			Scopes:               []string{"operator.read", "operator.write"},
			Locale:               "zh-CN",
			HandshakeTimeout:     "10s",
			RequestTimeout:       "30s",
			AgentTimeout:         "120s",
			ReconnectBase:        "2s",
			ReconnectMax:         "30s",
			MaxReconnectAttempts: 10,
		},
		WeChat: WeChatConfig{
			BaseURL:              "http://127.0.0.1:1239",
			HTTPTimeout:          "30s",
			LoginPollInterval:    "2s",
			LoginTimeout:         "240s",
			ChunkSize:            65536,
			ReconnectBase:        "2s",
			ReconnectMax:         "30s",
			MaxReconnectAttempts: 10,
		},
		Bridge: BridgeConfig{
			HealthInterval: "60s",
			MaxTextRunes:   2000,
			Apology:        "抱歉，处理消息时出错了，请稍后再试。",
			PairedMessage:  "配对成功，现在可以开始对话了。",
		},
		Media: MediaConfig{
			TTL:     "24h",
			MaxSize: 50 * 1024 * 1024,
		},
		HTTP: HTTPConfig{
			Listen: "127.0.0.1:18790",
		},
		Logging: LoggingConfig{
			Level:      "info",
			TimeFormat: "15:04:05",
		},
	}
}

// Load reads the config at path, or the discovered config when path is empty.
// A missing config file is not an error; defaults are returned.
// Returns the config and the path it was read from ("" when defaults only).
func Load(path string) (*Config, string, error) {
	if path == "" {
		found, err := paths.ConfigPath()
		if err != nil {
			return nil, "", err
		}
		path = found
	}

	cfg := &Config{}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, "", fmt.Errorf("failed to read config %s: %w", path, err)
		}
		if err := decode(path, data, cfg); err != nil {
			return nil, "", fmt.Errorf("failed to parse config %s: %w", path, err)
		}
		L_debug("config: loaded file", "path", path)
	}

	if err := mergo.Merge(cfg, Default()); err != nil {
		return nil, "", fmt.Errorf("failed to apply defaults: %w", err)
	}

	if v := os.Getenv(EnvGatewayToken); v != "" {
		cfg.Gateway.Token = v
	}
	if v := os.Getenv(EnvWeChatKey); v != "" {
		cfg.WeChat.AuthKey = v
	}

	if err := cfg.Validate(); err != nil {
		return nil, "", err
	}
	return cfg, path, nil
}

// decode picks a decoder from the file extension
func decode(path string, data []byte, cfg *Config) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		_, err := toml.NewDecoder(bytes.NewReader(data)).Decode(cfg)
		return err
	case ".yaml", ".yml":
		return yaml.Unmarshal(data, cfg)
	default:
		return json.Unmarshal(data, cfg)
	}
}

// Validate checks values that defaults cannot repair.
func (c *Config) Validate() error {
	if !strings.HasPrefix(c.Gateway.URL, "ws://") && !strings.HasPrefix(c.Gateway.URL, "wss://") {
		return fmt.Errorf("gateway.url must be a ws:// or wss:// URL, got %q", c.Gateway.URL)
	}
	if !strings.HasPrefix(c.WeChat.BaseURL, "http://") && !strings.HasPrefix(c.WeChat.BaseURL, "https://") {
		return fmt.Errorf("wechat.baseUrl must be an http:// or https:// URL, got %q", c.WeChat.BaseURL)
	}
	if c.WeChat.ChunkSize <= 0 {
		return fmt.Errorf("wechat.chunkSize must be positive")
	}
	for name, v := range map[string]string{
		"gateway.handshakeTimeout":  c.Gateway.HandshakeTimeout,
		"gateway.requestTimeout":    c.Gateway.RequestTimeout,
		"gateway.agentTimeout":      c.Gateway.AgentTimeout,
		"gateway.reconnectBase":     c.Gateway.ReconnectBase,
		"gateway.reconnectMax":      c.Gateway.ReconnectMax,
		"wechat.httpTimeout":        c.WeChat.HTTPTimeout,
		"wechat.loginPollInterval":  c.WeChat.LoginPollInterval,
		"wechat.loginTimeout":       c.WeChat.LoginTimeout,
		"wechat.reconnectBase":      c.WeChat.ReconnectBase,
		"wechat.reconnectMax":       c.WeChat.ReconnectMax,
		"bridge.healthInterval":     c.Bridge.HealthInterval,
		"media.ttl":                 c.Media.TTL,
	} {
		if _, err := time.ParseDuration(v); err != nil {
			return fmt.Errorf("%s: invalid duration %q", name, v)
		}
	}
	return nil
}

// Duration parses a validated duration string, falling back to def.
func Duration(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return def
	}
	return d
}
