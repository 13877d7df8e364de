// Package logging provides global logging functions for the bridge.
// Use dot import to access L_info, L_error, etc. directly.
//
// Messages accept three forms:
//
//	L_info("connected")                         // plain
//	L_info("retry in %s", delay)                // printf, when msg has a verb
//	L_info("connected", "url", u, "attempt", n) // structured key/values
//
// Registered secrets are masked in messages and string values before they
// reach the writer; the WeChat auth key travels in query strings and
// transport errors echo full URLs.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/charmbracelet/log"
)

// Log levels
const (
	LevelFatal = iota
	LevelError
	LevelWarn
	LevelInfo
	LevelDebug
	LevelTrace
)

const mask = "***"

var (
	mu      sync.RWMutex
	logger  *log.Logger
	secrets []string
	level   = LevelInfo

	shuttingDown atomic.Bool
)

// LogConfig holds logging configuration
type LogConfig struct {
	Level      int
	TimeFormat string
	ShowCaller bool
	JSON       bool      // Emit one JSON object per line
	Output     io.Writer // Defaults to stderr
}

// DefaultConfig returns the console defaults.
func DefaultConfig() *LogConfig {
	return &LogConfig{
		Level:      LevelInfo,
		TimeFormat: "15:04:05",
		ShowCaller: true,
	}
}

// ParseLevel maps a config string to a level constant.
// Unknown strings fall back to info.
func ParseLevel(s string) int {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "trace":
		return LevelTrace
	case "debug":
		return LevelDebug
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	case "fatal":
		return LevelFatal
	default:
		return LevelInfo
	}
}

// Init (re)initializes the global logger. Registered secrets survive.
func Init(cfg *LogConfig) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	l := newLogger(cfg)

	mu.Lock()
	logger = l
	level = cfg.Level
	mu.Unlock()
}

func newLogger(cfg *LogConfig) *log.Logger {
	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}
	l := log.NewWithOptions(out, log.Options{
		ReportTimestamp: true,
		TimeFormat:      cfg.TimeFormat,
		ReportCaller:    cfg.ShowCaller,
		CallerOffset:    2, // logMsg -> L_* -> caller
	})
	if cfg.JSON {
		l.SetFormatter(log.JSONFormatter)
	}
	l.SetLevel(toCharmLevel(cfg.Level))
	return l
}

// charmbracelet/log has no trace level; trace is filtered here and written
// as debug.
func toCharmLevel(lvl int) log.Level {
	switch lvl {
	case LevelTrace, LevelDebug:
		return log.DebugLevel
	case LevelWarn:
		return log.WarnLevel
	case LevelError, LevelFatal:
		return log.ErrorLevel
	default:
		return log.InfoLevel
	}
}

// RegisterSecret masks s in all later output. Empty and very short values
// are ignored.
func RegisterSecret(vals ...string) {
	mu.Lock()
	defer mu.Unlock()
	for _, s := range vals {
		if len(s) < 4 {
			continue
		}
		dup := false
		for _, have := range secrets {
			if have == s {
				dup = true
				break
			}
		}
		if !dup {
			secrets = append(secrets, s)
		}
	}
}

// Redact returns s with every registered secret masked.
func Redact(s string) string {
	mu.RLock()
	defer mu.RUnlock()
	return redactLocked(s)
}

func redactLocked(s string) string {
	for _, secret := range secrets {
		if strings.Contains(s, secret) {
			s = strings.ReplaceAll(s, secret, mask)
		}
	}
	return s
}

// hasFmtVerb checks if a string contains printf-style format verbs
func hasFmtVerb(s string) bool {
	for i := 0; i < len(s)-1; i++ {
		if s[i] == '%' {
			next := s[i+1]
			if next != '%' && strings.ContainsRune("vsdtfgeopqxXbcUT+#", rune(next)) {
				return true
			}
		}
	}
	return false
}

func logMsg(lvl int, msg string, args ...interface{}) {
	mu.RLock()
	l := logger
	minLevel := level
	mu.RUnlock()
	if lvl > minLevel && lvl != LevelFatal {
		return
	}
	if l == nil {
		l = newLogger(DefaultConfig())
		mu.Lock()
		if logger == nil {
			logger = l
		} else {
			l = logger
		}
		mu.Unlock()
	}

	var keyvals []interface{}
	if len(args) > 0 {
		if hasFmtVerb(msg) {
			msg = fmt.Sprintf(msg, args...)
		} else {
			keyvals = append([]interface{}(nil), args...)
		}
	}

	mu.RLock()
	if len(secrets) > 0 {
		msg = redactLocked(msg)
		for i := 1; i < len(keyvals); i += 2 {
			switch v := keyvals[i].(type) {
			case string:
				keyvals[i] = redactLocked(v)
			case error:
				keyvals[i] = redactLocked(v.Error())
			case fmt.Stringer:
				keyvals[i] = redactLocked(v.String())
			}
		}
	}
	mu.RUnlock()

	switch lvl {
	case LevelTrace, LevelDebug:
		l.Debug(msg, keyvals...)
	case LevelInfo:
		l.Info(msg, keyvals...)
	case LevelWarn:
		l.Warn(msg, keyvals...)
	case LevelError:
		l.Error(msg, keyvals...)
	case LevelFatal:
		l.Fatal(msg, keyvals...)
	}
}

// L_trace logs frame-level detail; shown only at trace level.
func L_trace(msg string, args ...interface{}) {
	logMsg(LevelTrace, msg, args...)
}

// L_debug logs at debug level
func L_debug(msg string, args ...interface{}) {
	logMsg(LevelDebug, msg, args...)
}

// L_info logs at info level
func L_info(msg string, args ...interface{}) {
	logMsg(LevelInfo, msg, args...)
}

// L_warn logs at warn level
func L_warn(msg string, args ...interface{}) {
	logMsg(LevelWarn, msg, args...)
}

// L_error logs at error level
func L_error(msg string, args ...interface{}) {
	logMsg(LevelError, msg, args...)
}

// L_fatal logs at fatal level and exits
func L_fatal(msg string, args ...interface{}) {
	logMsg(LevelFatal, msg, args...)
}

// SetShuttingDown marks the process as shutting down. Reconnect loops use
// IsShuttingDown to stay quiet about expected closes.
func SetShuttingDown() {
	shuttingDown.Store(true)
	L_info("application shutting down")
}

// IsShuttingDown reports whether SetShuttingDown was called.
func IsShuttingDown() bool {
	return shuttingDown.Load()
}
