// openclaw-wechat relays WeChat messages to an OpenClaw agent.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/alecthomas/kong"

	"github.com/laolin5564/openclaw-wechat/internal/access"
	"github.com/laolin5564/openclaw-wechat/internal/config"
	httpserver "github.com/laolin5564/openclaw-wechat/internal/http"
	. "github.com/laolin5564/openclaw-wechat/internal/logging"
	"github.com/laolin5564/openclaw-wechat/internal/paths"
)

// Set with -ldflags "-X main.version=..."
var version = "dev"

// Globals are flags shared by every command.
type Globals struct {
	Config string `help:"Config file (json, toml or yaml)." short:"c" type:"path"`
	Debug  bool   `help:"Log at debug level."`
}

// CLI is the command tree.
type CLI struct {
	Globals

	Run     RunCmd     `cmd:"" help:"Run the bridge."`
	Status  StatusCmd  `cmd:"" help:"Print the status of a running bridge."`
	Pairing PairingCmd `cmd:"" help:"Show or rotate the pairing code."`
	Allow   AllowCmd   `cmd:"" help:"Manage allowed senders."`
	Config  ConfigCmd  `cmd:"" help:"Inspect the effective configuration."`
	Version VersionCmd `cmd:"" help:"Print the version."`
}

func main() {
	var cli CLI
	ctx := kong.Parse(&cli,
		kong.Name("openclaw-wechat"),
		kong.Description("Bridge between a WeChat iPad-protocol service and an OpenClaw gateway."),
		kong.UsageOnError(),
	)
	err := ctx.Run(&cli.Globals)
	ctx.FatalIfErrorf(err)
}

// quietLogging keeps one-shot commands from printing info lines.
func quietLogging(g *Globals) {
	cfg := DefaultConfig()
	cfg.Level = LevelWarn
	cfg.ShowCaller = false
	if g.Debug {
		cfg.Level = LevelDebug
	}
	Init(cfg)
}

func openAccess() (*access.Store, error) {
	dir, err := paths.BaseDir()
	if err != nil {
		return nil, err
	}
	return access.Open(dir)
}

// StatusCmd queries the status endpoint.
type StatusCmd struct {
	Addr string `help:"Status endpoint address (default from config)."`
}

func (c *StatusCmd) Run(g *Globals) error {
	quietLogging(g)
	addr := c.Addr
	if addr == "" {
		cfg, _, err := config.Load(g.Config)
		if err != nil {
			return err
		}
		addr = cfg.HTTP.Listen
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	report, err := httpserver.FetchStatus(ctx, addr)
	if err != nil {
		return fmt.Errorf("bridge not reachable at %s: %w", addr, err)
	}
	out, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

// PairingCmd groups the pairing code commands.
type PairingCmd struct {
	Show   PairingShowCmd   `cmd:"" default:"1" help:"Print the current pairing code."`
	Rotate PairingRotateCmd `cmd:"" help:"Generate a new pairing code."`
}

type PairingShowCmd struct{}

func (c *PairingShowCmd) Run(g *Globals) error {
	quietLogging(g)
	store, err := openAccess()
	if err != nil {
		return err
	}
	fmt.Println(store.CurrentPairingCode())
	return nil
}

type PairingRotateCmd struct{}

func (c *PairingRotateCmd) Run(g *Globals) error {
	quietLogging(g)
	store, err := openAccess()
	if err != nil {
		return err
	}
	code, err := store.RotatePairingCode()
	if err != nil {
		return err
	}
	fmt.Println(code)
	return nil
}

// AllowCmd groups the allow-list commands.
type AllowCmd struct {
	List AllowListCmd `cmd:"" default:"1" help:"List allowed senders."`
	Add  AllowAddCmd  `cmd:"" help:"Allow a sender without pairing."`
}

type AllowListCmd struct{}

func (c *AllowListCmd) Run(g *Globals) error {
	quietLogging(g)
	store, err := openAccess()
	if err != nil {
		return err
	}
	for _, id := range store.Allowed() {
		fmt.Println(id)
	}
	return nil
}

type AllowAddCmd struct {
	ID string `arg:"" help:"WeChat id (wxid_...)."`
}

func (c *AllowAddCmd) Run(g *Globals) error {
	quietLogging(g)
	store, err := openAccess()
	if err != nil {
		return err
	}
	if err := store.AddAllowed(c.ID, "cli"); err != nil {
		return err
	}
	fmt.Fprintf(os.Stdout, "allowed %s\n", c.ID)
	return nil
}

// ConfigCmd groups the configuration commands.
type ConfigCmd struct {
	Show ConfigShowCmd `cmd:"" default:"1" help:"Print the effective config with secrets masked."`
	Path ConfigPathCmd `cmd:"" help:"Print which config file would be loaded."`
}

type ConfigShowCmd struct {
	Format string `help:"Output format." enum:"json,toml,yaml" default:"json"`
}

func (c *ConfigShowCmd) Run(g *Globals) error {
	quietLogging(g)
	cfg, _, err := config.Load(g.Config)
	if err != nil {
		return err
	}
	out, err := config.Encode(cfg.Redacted(), c.Format)
	if err != nil {
		return err
	}
	os.Stdout.Write(out)
	return nil
}

type ConfigPathCmd struct{}

func (c *ConfigPathCmd) Run(g *Globals) error {
	path := g.Config
	if path == "" {
		found, err := paths.ConfigPath()
		if err != nil {
			return err
		}
		path = found
	}
	if path == "" {
		fmt.Println("(none, using defaults)")
		return nil
	}
	fmt.Println(path)
	return nil
}

type VersionCmd struct{}

func (c *VersionCmd) Run(g *Globals) error {
	fmt.Printf("openclaw-wechat %s\n", version)
	return nil
}
