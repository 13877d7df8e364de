package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	. "github.com/laolin5564/openclaw-wechat/internal/logging"
)

// Config file formats.
const (
	FormatJSON = "json"
	FormatTOML = "toml"
	FormatYAML = "yaml"
)

// FormatFor picks the format from a file extension. Unknown extensions are
// JSON, matching Load.
func FormatFor(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		return FormatTOML
	case ".yaml", ".yml":
		return FormatYAML
	default:
		return FormatJSON
	}
}

// Encode renders cfg in the given format.
func Encode(cfg *Config, format string) ([]byte, error) {
	switch format {
	case FormatJSON, "":
		out, err := json.MarshalIndent(cfg, "", "  ")
		if err != nil {
			return nil, fmt.Errorf("config: encode json: %w", err)
		}
		return append(out, '\n'), nil
	case FormatTOML:
		var buf bytes.Buffer
		if err := toml.NewEncoder(&buf).Encode(cfg); err != nil {
			return nil, fmt.Errorf("config: encode toml: %w", err)
		}
		return buf.Bytes(), nil
	case FormatYAML:
		out, err := yaml.Marshal(cfg)
		if err != nil {
			return nil, fmt.Errorf("config: encode yaml: %w", err)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("config: unknown format %q", format)
	}
}

// Redacted returns a copy with the gateway token and WeChat auth key masked.
func (c *Config) Redacted() *Config {
	cp := *c
	cp.Gateway.Scopes = append([]string(nil), c.Gateway.Scopes...)
	cp.Bridge.PathRoots = append([]string(nil), c.Bridge.PathRoots...)
	if cp.Gateway.Token != "" {
		cp.Gateway.Token = "***"
	}
	if cp.WeChat.AuthKey != "" {
		cp.WeChat.AuthKey = "***"
	}
	return &cp
}

// AtomicWriteJSON writes v as indented JSON through AtomicWrite.
func AtomicWriteJSON(path string, v interface{}, perm os.FileMode) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", filepath.Base(path), err)
	}
	return AtomicWrite(path, data, perm)
}

// AtomicWrite replaces path with data. Readers see either the old or the
// new content, never a partial file.
func AtomicWrite(path string, data []byte, perm os.FileMode) (err error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return fmt.Errorf("create %s: %w", dir, err)
	}

	// Temp file in the target dir so the rename stays on one filesystem.
	tmp, err := os.CreateTemp(dir, ".openclaw-wechat-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp for %s: %w", filepath.Base(path), err)
	}
	defer func() {
		if err != nil {
			tmp.Close()
			os.Remove(tmp.Name())
		}
	}()

	if err = tmp.Chmod(perm); err != nil {
		return fmt.Errorf("chmod %s: %w", tmp.Name(), err)
	}
	if _, err = tmp.Write(data); err != nil {
		return fmt.Errorf("write %s: %w", tmp.Name(), err)
	}
	if err = tmp.Sync(); err != nil {
		return fmt.Errorf("sync %s: %w", tmp.Name(), err)
	}
	if err = tmp.Close(); err != nil {
		return fmt.Errorf("close %s: %w", tmp.Name(), err)
	}
	if err = os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("rename onto %s: %w", path, err)
	}
	return nil
}

// Save writes cfg in the format implied by the path's extension. An existing
// file is kept as <path>.bak.
func Save(path string, cfg *Config) error {
	data, err := Encode(cfg, FormatFor(path))
	if err != nil {
		return err
	}
	if prev, err := os.ReadFile(path); err == nil {
		if err := AtomicWrite(path+".bak", prev, 0600); err != nil {
			L_warn("config: backup failed, saving anyway", "path", path, "error", err)
		}
	}
	if err := AtomicWrite(path, data, 0600); err != nil {
		return err
	}
	L_debug("config: saved", "path", path, "format", FormatFor(path))
	return nil
}
