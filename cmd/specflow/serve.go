package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	sfserver "github.com/BrendanShields/spec-flow/internal/server"
	"github.com/BrendanShields/spec-flow/internal/watch"
)

func newServeCmd(g *globalFlags) *cobra.Command {
	var noWatch bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the MCP server (stdio transport)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			e, err := openEnv(g, "", logOptions{})
			if err != nil {
				return err
			}
			defer e.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			s := sfserver.New(e.mgr)
			grp, gctx := errgroup.WithContext(ctx)

			if !noWatch {
				w := watch.New(e.mgr.Paths().SessionFile(), e.mgr, watch.WithLogger(e.log))
				grp.Go(func() error {
					if err := w.Run(gctx); err != nil {
						e.log.Warn("session watcher stopped", "error", err)
					}
					return nil
				})
			}
			grp.Go(func() error {
				err := server.NewStdioServer(s).Listen(gctx, os.Stdin, os.Stdout)
				if err != nil && gctx.Err() == nil {
					return fmt.Errorf("serving MCP: %w", err)
				}
				// stdin closed or signal: stop the watcher too.
				stop()
				return nil
			})

			e.log.Info("MCP server started", "cwd", e.mgr.Paths().Cwd(), "version", sfserver.Version)
			if err := grp.Wait(); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&noWatch, "no-watch", false, "do not reload the session when another process rewrites it")
	return cmd
}
