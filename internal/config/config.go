// Package config loads the bridge's configuration from an optional TOML
// file plus environment variable overrides.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"github.com/BurntSushi/toml"
)

// Config is the top-level configuration for the bridge server.
type Config struct {
	Workspace WorkspaceConfig `toml:"workspace"`
	LSP       LSPConfig       `toml:"lsp"`
	Tools     ToolsConfig     `toml:"tools"`
}

// WorkspaceConfig describes the single workspace root the bridge serves.
type WorkspaceConfig struct {
	// Root is the absolute path all workspace-relative tool arguments are
	// resolved against. Empty means "current working directory".
	Root string `toml:"root"`
}

// LSPConfig describes how to launch and supervise the child language server.
type LSPConfig struct {
	// Command is the executable name or absolute path of the language server.
	Command string `toml:"command"`
	// Args are passed to Command verbatim.
	Args []string `toml:"args"`
	// MaxRestarts bounds how many times the supervisor will respawn a
	// crashed child before giving up.
	MaxRestarts int `toml:"max_restarts"`
	// RequestTimeout bounds how long sendRequest waits for a south-side
	// reply before failing with a timeout.
	RequestTimeout time.Duration `toml:"request_timeout"`
}

// ToolsConfig controls the command-tool safety policy.
type ToolsConfig struct {
	// EnableCommandTools gates any tool that shells out to a binary.
	EnableCommandTools bool `toml:"enable_command_tools"`
	// TrustedBinaries is an allow-list of absolute binary paths command
	// tools may invoke.
	TrustedBinaries []string `toml:"trusted_binaries"`
}

const (
	defaultMaxRestarts    = 5
	defaultRequestTimeout = 30 * time.Second
)

var validRoot = regexp.MustCompile(`^/`)

// Load reads path (if it exists), applies environment overrides, fills in
// defaults, and validates the result.
func Load(path string) (*Config, error) {
	cfg := &Config{
		LSP: LSPConfig{
			MaxRestarts:    defaultMaxRestarts,
			RequestTimeout: defaultRequestTimeout,
		},
	}

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if _, err := toml.DecodeFile(path, cfg); err != nil {
				return nil, fmt.Errorf("parsing %s: %w", path, err)
			}
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("stat %s: %w", path, err)
		}
	}

	if root := os.Getenv("LSPBRIDGE_WORKSPACE_ROOT"); root != "" {
		cfg.Workspace.Root = root
	}
	if cfg.Workspace.Root == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("resolving default workspace root: %w", err)
		}
		cfg.Workspace.Root = wd
	}
	abs, err := filepath.Abs(cfg.Workspace.Root)
	if err != nil {
		return nil, fmt.Errorf("resolving workspace root: %w", err)
	}
	cfg.Workspace.Root = filepath.Clean(abs)
	if !validRoot.MatchString(cfg.Workspace.Root) {
		return nil, fmt.Errorf("workspace root must be an absolute path, got %q", cfg.Workspace.Root)
	}

	if cmd := os.Getenv("LSPBRIDGE_LSP_COMMAND"); cmd != "" {
		cfg.LSP.Command = cmd
	}
	if cfg.LSP.Command == "" {
		return nil, fmt.Errorf("lsp.command must be set (via config file or LSPBRIDGE_LSP_COMMAND)")
	}
	if cfg.LSP.MaxRestarts <= 0 {
		cfg.LSP.MaxRestarts = defaultMaxRestarts
	}
	if cfg.LSP.RequestTimeout <= 0 {
		cfg.LSP.RequestTimeout = defaultRequestTimeout
	}

	if os.Getenv("LSPBRIDGE_ENABLE_COMMAND_TOOLS") == "1" {
		cfg.Tools.EnableCommandTools = true
	}

	return cfg, nil
}
