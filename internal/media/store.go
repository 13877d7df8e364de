package media

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	. "github.com/laolin5564/openclaw-wechat/internal/logging"
)

const (
	// DefaultTTL is how long inbound media is kept.
	DefaultTTL = 24 * time.Hour

	// MaxMediaBytes is the default maximum file size (50MB).
	MaxMediaBytes = 50 * 1024 * 1024

	// CleanupIntervalDivisor sets the cleanup cadence relative to the TTL.
	CleanupIntervalDivisor = 4

	inboundDir = "inbound"
)

// ErrTooLarge is returned when data exceeds the configured size limit.
var ErrTooLarge = errors.New("media: file too large")

// Config configures the Store.
type Config struct {
	Dir     string
	TTL     time.Duration
	MaxSize int64
}

// Store keeps downloaded attachments on disk and removes them after a TTL.
// Files land in <dir>/inbound/<yyyymmdd>/<uuid8>_<name>.
type Store struct {
	baseDir string
	ttl     time.Duration
	maxSize int64
	stopCh  chan struct{}
	once    sync.Once
	wg      sync.WaitGroup
}

// NewStore creates the base directory and returns a store.
func NewStore(cfg Config) (*Store, error) {
	if cfg.Dir == "" {
		return nil, fmt.Errorf("media: directory not configured")
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	maxSize := cfg.MaxSize
	if maxSize <= 0 {
		maxSize = MaxMediaBytes
	}

	dir := filepath.Clean(cfg.Dir)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("media: create directory: %w", err)
	}

	L_info("media: store initialized", "dir", dir, "ttl", ttl.String(), "maxSize", maxSize)
	return &Store{
		baseDir: dir,
		ttl:     ttl,
		maxSize: maxSize,
		stopCh:  make(chan struct{}),
	}, nil
}

// BaseDir returns the base directory of the media store.
func (s *Store) BaseDir() string {
	return s.baseDir
}

// Start begins the background cleanup goroutine.
func (s *Store) Start() {
	interval := s.ttl / CleanupIntervalDivisor
	if interval < time.Minute {
		interval = time.Minute
	}
	L_debug("media: starting cleanup goroutine", "interval", interval.String())

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		if _, err := s.CleanOld(); err != nil {
			L_warn("media: initial cleanup error", "error", err)
		}
		for {
			select {
			case <-ticker.C:
				if _, err := s.CleanOld(); err != nil {
					L_warn("media: cleanup error", "error", err)
				}
			case <-s.stopCh:
				L_debug("media: cleanup goroutine stopped")
				return
			}
		}
	}()
}

// Close stops the cleanup goroutine and waits for it to finish.
func (s *Store) Close() {
	s.once.Do(func() { close(s.stopCh) })
	s.wg.Wait()
}

// Save writes data under today's inbound directory and returns the absolute
// path. name supplies the readable part and extension; it may be empty.
func (s *Store) Save(data []byte, name string) (string, error) {
	if int64(len(data)) > s.maxSize {
		return "", fmt.Errorf("%w: %d bytes exceeds %d", ErrTooLarge, len(data), s.maxSize)
	}

	dir := filepath.Join(s.baseDir, inboundDir, time.Now().Format("20060102"))
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("media: create subdirectory: %w", err)
	}

	e := ExtensionFor(data, name)
	stem := sanitizeFilename(strings.TrimSuffix(filepath.Base(name), filepath.Ext(name)))
	filename := uuid.New().String()[:8] + "_" + stem + e
	absPath := filepath.Join(dir, filename)

	if err := os.WriteFile(absPath, data, 0o600); err != nil {
		return "", fmt.Errorf("media: write file: %w", err)
	}
	L_debug("media: saved file", "path", absPath, "size", len(data))
	return absPath, nil
}

// sanitizeFilename keeps letters (any script), digits, '-' and '_'.
var unsafeFilenameChars = regexp.MustCompile(`[^\p{L}\p{N}_-]+`)

func sanitizeFilename(s string) string {
	safe := strings.Trim(unsafeFilenameChars.ReplaceAllString(s, "_"), "_")
	if safe == "" || safe == "." {
		return "media"
	}
	if r := []rune(safe); len(r) > 48 {
		safe = string(r[:48])
	}
	return safe
}

// CleanOld removes files older than the TTL and returns how many it removed.
func (s *Store) CleanOld() (int, error) {
	now := time.Now()
	cutoff := now.Add(-s.ttl)
	removed := 0

	err := filepath.Walk(filepath.Join(s.baseDir, inboundDir), func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return nil // Skip missing or unreadable entries
		}
		if info.IsDir() {
			return nil
		}
		if info.ModTime().Before(cutoff) {
			if err := os.Remove(path); err != nil {
				L_trace("media: failed to remove expired file", "path", path, "error", err)
			} else {
				removed++
				L_trace("media: removed expired file", "path", path, "age", now.Sub(info.ModTime()).String())
			}
		}
		return nil
	})

	if removed > 0 {
		L_debug("media: cleanup completed", "removed", removed)
	}
	return removed, err
}
