// specflow: workflow state coordination for AI coding assistants.
//
// specflow keeps the active feature, its workflow phase and task progress
// in .spec/state, with snapshots, a change history and self-repair. The
// assistant reaches it through hook commands and an MCP server.
//
// Usage:
//
//	specflow serve              # Start MCP server (stdio transport)
//	specflow hook <event>       # Run a hook handler (reads JSON on stdin)
//	specflow session show       # Print the current session
//	specflow snapshot list      # List snapshots
package main

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/BrendanShields/spec-flow/internal/config"
	"github.com/BrendanShields/spec-flow/internal/logging"
	"github.com/BrendanShields/spec-flow/internal/memory"
	sfserver "github.com/BrendanShields/spec-flow/internal/server"
)

// globalFlags are shared by every subcommand.
type globalFlags struct {
	cwd       string
	logLevel  string
	logFormat string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	g := &globalFlags{}
	root := &cobra.Command{
		Use:           "specflow",
		Short:         "Workflow state coordination for AI coding assistants",
		Version:       sfserver.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&g.cwd, "cwd", "", "project root (default: current directory)")
	root.PersistentFlags().StringVar(&g.logLevel, "log-level", envOr("SPECFLOW_LOG_LEVEL", "info"), "debug, info, success, warn or error")
	root.PersistentFlags().StringVar(&g.logFormat, "log-format", envOr("SPECFLOW_LOG_FORMAT", "text"), "text or json")

	root.AddCommand(
		newServeCmd(g),
		newHookCmd(g),
		newSessionCmd(g),
		newSnapshotCmd(g),
		newRepairCmd(g),
		newHistoryCmd(g),
		newMetricsCmd(g),
		newCleanupCmd(g),
	)
	return root
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// env is what a command needs to talk to the state layer.
type env struct {
	cfg *config.Config
	mgr *memory.Manager
	log *slog.Logger

	closeLog func() error
}

func (e *env) Close() {
	if err := e.mgr.Close(); err != nil {
		e.log.Warn("closing memory manager", "error", err)
	}
	_ = e.closeLog()
}

// logOptions lets hook commands log to a file instead of stderr.
type logOptions struct {
	quiet  bool
	logDir bool
}

// openEnv loads config for the project at cwd (or g.cwd) and opens a
// memory manager with a restored session cache.
func openEnv(g *globalFlags, cwd string, lo logOptions) (*env, error) {
	if cwd == "" {
		cwd = g.cwd
	}
	if cwd == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("getting working directory: %w", err)
		}
		cwd = wd
	}

	cfg, err := config.Load(cwd)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}

	lc := logging.Config{
		Level:   g.logLevel,
		JSON:    g.logFormat == "json",
		Quiet:   lo.quiet,
		Service: "specflow",
	}
	if lo.logDir {
		lc.LogDir = filepath.Join(cwd, cfg.Paths.SpecRoot, "logs")
	}
	log, closeLog := logging.New(lc)

	mgr, err := memory.New(cfg, cwd, memory.WithLogger(log))
	if err != nil {
		_ = closeLog()
		return nil, fmt.Errorf("opening state: %w", err)
	}
	if err := mgr.Reload(); err != nil {
		log.Warn("session file unreadable", "error", err)
	}
	return &env{cfg: cfg, mgr: mgr, log: log, closeLog: closeLog}, nil
}
