// Package access holds the bridge's persisted authorization state:
// the allow-list of WeChat senders, the pairing code new senders must echo,
// and the credentials used to reach the gateway and the WeChat service.
package access

import (
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/laolin5564/openclaw-wechat/internal/config"
	. "github.com/laolin5564/openclaw-wechat/internal/logging"
	"github.com/laolin5564/openclaw-wechat/internal/paths"
)

const (
	pairingAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"
	pairingLength   = 6
)

// ErrEmptyID is returned when an allow-list operation receives a blank sender.
var ErrEmptyID = errors.New("access: empty sender id")

// Entry is the authorization metadata stored per allowed sender
type Entry struct {
	AddedAt time.Time `json:"addedAt"`
	Via     string    `json:"via"` // "pairing", "cli"
}

// Credentials are the secrets read from credentials.json
type Credentials struct {
	GatewayToken  string `json:"gatewayToken,omitempty"`
	WeChatAuthKey string `json:"wechatAuthKey,omitempty"`
}

// Checker is what the orchestrator needs from the store.
type Checker interface {
	IsAllowed(id string) bool
	AddAllowed(id, via string) error
	CurrentPairingCode() string
}

// Store is the file-backed implementation.
// Allow-list membership is monotonic: entries are only ever added.
type Store struct {
	dir string

	mu          sync.RWMutex
	allowed     map[string]Entry
	pairingCode string
}

// Open loads (or initializes) the state under dir.
// A missing allow-list is empty; a missing pairing code is generated and saved.
func Open(dir string) (*Store, error) {
	if err := paths.EnsureDir(dir); err != nil {
		return nil, err
	}
	s := &Store{dir: dir, allowed: make(map[string]Entry)}

	if err := s.reloadAllowList(); err != nil {
		return nil, err
	}
	if err := s.reloadPairingCode(); err != nil {
		return nil, err
	}
	if s.pairingCode == "" {
		if _, err := s.RotatePairingCode(); err != nil {
			return nil, err
		}
	}

	L_info("access: store opened", "dir", dir, "allowed", len(s.allowed))
	return s, nil
}

// Dir returns the directory the store persists to.
func (s *Store) Dir() string {
	return s.dir
}

func (s *Store) allowListPath() string { return filepath.Join(s.dir, paths.AllowListFile) }
func (s *Store) pairingPath() string   { return filepath.Join(s.dir, paths.PairingCodeFile) }

// IsAllowed reports whether id may talk to the agent.
func (s *Store) IsAllowed(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.allowed[id]
	return ok
}

// AddAllowed adds id to the allow-list and persists it. Adding an
// existing id is a no-op.
func (s *Store) AddAllowed(id, via string) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return ErrEmptyID
	}

	s.mu.Lock()
	if _, ok := s.allowed[id]; ok {
		s.mu.Unlock()
		return nil
	}
	s.allowed[id] = Entry{AddedAt: time.Now().UTC(), Via: via}
	snapshot := make(map[string]Entry, len(s.allowed))
	for k, v := range s.allowed {
		snapshot[k] = v
	}
	s.mu.Unlock()

	if err := config.AtomicWriteJSON(s.allowListPath(), snapshot, 0600); err != nil {
		return fmt.Errorf("access: save allow-list: %w", err)
	}
	L_info("access: sender allowed", "id", id, "via", via)
	return nil
}

// Allowed returns the allowed ids, sorted.
func (s *Store) Allowed() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.allowed))
	for id := range s.allowed {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// CurrentPairingCode returns the active pairing code.
func (s *Store) CurrentPairingCode() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.pairingCode
}

// RotatePairingCode replaces the pairing code with a fresh random one.
func (s *Store) RotatePairingCode() (string, error) {
	code, err := generateCode()
	if err != nil {
		return "", err
	}
	if err := config.AtomicWrite(s.pairingPath(), []byte(code+"\n"), 0600); err != nil {
		return "", fmt.Errorf("access: save pairing code: %w", err)
	}
	s.mu.Lock()
	s.pairingCode = code
	s.mu.Unlock()
	L_info("access: pairing code rotated")
	return code, nil
}

// reloadAllowList merges the file into memory. Entries already held are
// kept even if the file no longer lists them.
func (s *Store) reloadAllowList() error {
	data, err := os.ReadFile(s.allowListPath())
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("access: read allow-list: %w", err)
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return nil
	}

	var fromFile map[string]Entry
	if err := json.Unmarshal(data, &fromFile); err != nil {
		return fmt.Errorf("access: parse allow-list: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for id, e := range fromFile {
		if _, ok := s.allowed[id]; !ok {
			s.allowed[id] = e
		}
	}
	return nil
}

func (s *Store) reloadPairingCode() error {
	data, err := os.ReadFile(s.pairingPath())
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("access: read pairing code: %w", err)
	}
	code := strings.TrimSpace(string(data))
	if code == "" {
		return nil
	}
	s.mu.Lock()
	s.pairingCode = code
	s.mu.Unlock()
	return nil
}

// MatchesPairingCode compares text against the code, ignoring case and
// surrounding whitespace.
func MatchesPairingCode(text, code string) bool {
	if code == "" {
		return false
	}
	return strings.EqualFold(strings.TrimSpace(text), strings.TrimSpace(code))
}

// LoadCredentials reads credentials.json from dir. A missing file yields
// empty credentials.
func LoadCredentials(dir string) (Credentials, error) {
	var creds Credentials
	data, err := os.ReadFile(filepath.Join(dir, paths.CredentialsFile))
	if os.IsNotExist(err) {
		return creds, nil
	}
	if err != nil {
		return creds, fmt.Errorf("access: read credentials: %w", err)
	}
	if err := json.Unmarshal(data, &creds); err != nil {
		return creds, fmt.Errorf("access: parse credentials: %w", err)
	}
	return creds, nil
}

// SaveCredentials writes credentials.json with owner-only permissions.
func SaveCredentials(dir string, creds Credentials) error {
	return config.AtomicWriteJSON(filepath.Join(dir, paths.CredentialsFile), creds, 0600)
}

func generateCode() (string, error) {
	var b strings.Builder
	max := big.NewInt(int64(len(pairingAlphabet)))
	for i := 0; i < pairingLength; i++ {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", fmt.Errorf("access: generate pairing code: %w", err)
		}
		b.WriteByte(pairingAlphabet[n.Int64()])
	}
	return b.String(), nil
}
