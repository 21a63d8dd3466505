// Command lspbridge terminates an AI-assistant JSON-RPC protocol on stdio
// and drives a child language-server process over Content-Length-framed
// pipes, exposing a curated catalog of code-intelligence and build tools.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/codewiresh/lspbridge/internal/config"
	"github.com/codewiresh/lspbridge/internal/doctracker"
	"github.com/codewiresh/lspbridge/internal/lspclient"
	"github.com/codewiresh/lspbridge/internal/northio"
	"github.com/codewiresh/lspbridge/internal/pathutil"
	"github.com/codewiresh/lspbridge/internal/policy"
	"github.com/codewiresh/lspbridge/internal/server"
	"github.com/codewiresh/lspbridge/internal/supervisor"
	"github.com/codewiresh/lspbridge/internal/toolregistry"
)

var (
	configFlag             string
	workspaceFlag          string
	lspCommandFlag         string
	enableCommandToolsFlag bool
	formatterFlag          string
	linterFlag             string
	builderFlag            string
	toolDescriptionsFlag   string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "lspbridge",
		Short: "Bridge an AI-assistant JSON-RPC protocol to a language server",
	}
	rootCmd.PersistentFlags().StringVar(&configFlag, "config", "", "path to a lspbridge.toml config file")
	rootCmd.PersistentFlags().StringVar(&workspaceFlag, "workspace", "", "workspace root (defaults to the current directory)")
	rootCmd.PersistentFlags().StringVar(&toolDescriptionsFlag, "tool-descriptions", "", "optional YAML file overriding built-in tool descriptions")

	serveCmd := &cobra.Command{
		Use:   "serve -- <lsp-command> [lsp-args...]",
		Short: "Start the bridge, spawning the language server given after --",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runServe,
	}
	serveCmd.Flags().BoolVar(&enableCommandToolsFlag, "enable-command-tools", false, "allow command tools (e.g. run_build) to execute")
	serveCmd.Flags().StringVar(&formatterFlag, "formatter-binary", "", "absolute path to a trusted formatter binary")
	serveCmd.Flags().StringVar(&linterFlag, "linter-binary", "", "absolute path to a trusted linter binary")
	serveCmd.Flags().StringVar(&builderFlag, "builder-binary", "", "absolute path to a trusted build binary")

	rootCmd.AddCommand(serveCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newLogger() *slog.Logger {
	// stdout is reserved for the north transport; all logs go to stderr.
	var handler slog.Handler
	if isatty.IsTerminal(os.Stderr.Fd()) {
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo})
	} else {
		handler = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo})
	}
	return slog.New(handler)
}

func runServe(cmd *cobra.Command, args []string) error {
	log := newLogger()

	// The command given after -- satisfies config.Load's requirement that a
	// language-server command be configured; it replaces any configured one.
	if err := os.Setenv("LSPBRIDGE_LSP_COMMAND", args[0]); err != nil {
		return fmt.Errorf("setting lsp command: %w", err)
	}
	cfg, err := config.Load(configFlag)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if workspaceFlag != "" {
		cfg.Workspace.Root = workspaceFlag
	}
	cfg.LSP.Command = args[0]
	cfg.LSP.Args = args[1:]
	if enableCommandToolsFlag {
		cfg.Tools.EnableCommandTools = true
	}

	trusted := cfg.Tools.TrustedBinaries
	binaries := toolregistry.Binaries{Formatter: formatterFlag, Linter: linterFlag, Builder: builderFlag}
	for _, b := range []string{formatterFlag, linterFlag, builderFlag} {
		if b != "" {
			trusted = append(trusted, b)
		}
	}

	workspaceURI := pathutil.PathToURI(cfg.Workspace.Root)
	policyGate := policy.New(cfg.Workspace.Root, cfg.Tools.EnableCommandTools, trusted)

	registry := toolregistry.New()
	toolregistry.RegisterBuiltins(registry)
	if err := toolregistry.LoadDescriptionOverrides(registry, toolDescriptionsFlag); err != nil {
		log.Warn("tool description overrides not applied", "err", err)
	}

	sup := supervisor.New(cfg.LSP.Command, cfg.LSP.Args, cfg.LSP.MaxRestarts, log)
	pipes, err := sup.Spawn()
	if err != nil {
		return fmt.Errorf("spawning language server: %w", err)
	}

	lsp := lspclient.New(log, cfg.LSP.RequestTimeout)
	lsp.Connect(pipes.Stdin, pipes.Stdout, pipes.Stderr)
	sup.DetachPipes()

	if _, err := lsp.Initialize(workspaceURI); err != nil {
		return fmt.Errorf("initializing language server: %w", err)
	}

	docs := doctracker.New("plaintext", log)
	north := northio.New(os.Stdin, os.Stdout)

	workspace := toolregistry.Workspace{Root: cfg.Workspace.Root, URI: workspaceURI}
	srv := server.New(north, registry, sup, lsp, docs, policyGate, binaries, workspace, log)

	log.Info("lspbridge ready", "workspace", cfg.Workspace.Root, "lsp_command", cfg.LSP.Command)
	if err := srv.Run(); err != nil {
		lsp.Disconnect()
		sup.Kill()
		return fmt.Errorf("server loop: %w", err)
	}

	lsp.Disconnect()
	sup.Kill()
	return nil
}
