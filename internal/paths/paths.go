// Package paths resolves where the bridge keeps its state.
// This package has NO internal imports (only stdlib) to avoid import cycles.
package paths

import (
	"fmt"
	"os"
	"path/filepath"
)

// EnvHome overrides the base directory when set.
const EnvHome = "OPENCLAW_WECHAT_HOME"

// File names inside the base directory.
const (
	ConfigFile      = "config.json"
	CredentialsFile = "credentials.json"
	AllowListFile   = "allowlist.json"
	PairingCodeFile = "pairing-code.txt"
	MediaDir        = "media"
)

// configExts are tried in order when looking for a config file.
var configExts = []string{".json", ".toml", ".yaml", ".yml"}

// BaseDir returns the bridge base directory: $OPENCLAW_WECHAT_HOME or
// ~/.openclaw-wechat.
func BaseDir() (string, error) {
	if dir := os.Getenv(EnvHome); dir != "" {
		return ExpandTilde(dir)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("paths: home directory: %w", err)
	}
	return filepath.Join(home, ".openclaw-wechat"), nil
}

// DataPath joins subpath onto the base directory.
func DataPath(subpath string) (string, error) {
	base, err := BaseDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(base, subpath), nil
}

// ConfigPath finds the config file. ./openclaw-wechat.<ext> in the working
// directory wins over <base>/config.<ext>. ("", nil) means none exists.
func ConfigPath() (string, error) {
	for _, ext := range configExts {
		local := "openclaw-wechat" + ext
		if isFile(local) {
			abs, err := filepath.Abs(local)
			if err != nil {
				return "", fmt.Errorf("paths: resolve %s: %w", local, err)
			}
			return abs, nil
		}
	}
	for _, ext := range configExts {
		global, err := DataPath("config" + ext)
		if err != nil {
			return "", err
		}
		if isFile(global) {
			return global, nil
		}
	}
	return "", nil
}

// ReplyRoots are the directories an agent reply may point at for files
// the bridge should send: the system temp dir, the OpenClaw home and base.
func ReplyRoots(base string) []string {
	roots := []string{"/tmp/", "~/.openclaw/"}
	if tmp := os.TempDir(); tmp != "/tmp" && tmp != "" {
		roots = append(roots, tmp)
	}
	if base != "" {
		roots = append(roots, base)
	}
	return roots
}

// EnsureDir creates a directory (0750) if it doesn't exist.
func EnsureDir(path string) error {
	if err := os.MkdirAll(path, 0750); err != nil {
		return fmt.Errorf("paths: create %s: %w", path, err)
	}
	return nil
}

// EnsureParentDir creates the parent directory of a file path.
func EnsureParentDir(filePath string) error {
	return EnsureDir(filepath.Dir(filePath))
}

// ExpandTilde expands a leading "~" to the user's home directory.
func ExpandTilde(path string) (string, error) {
	if path == "" || path[0] != '~' {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("paths: home directory: %w", err)
	}
	if len(path) == 1 {
		return home, nil
	}
	return filepath.Join(home, path[1:]), nil
}

func isFile(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
