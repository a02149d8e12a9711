package main

import (
	"context"
	"errors"
	"os/signal"
	"syscall"

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"

	"github.com/rectangular-labs/workspacesync/internal/logging"
	"github.com/rectangular-labs/workspacesync/internal/mcptools"
)

func newMCPCmd(root *rootOptions) *cobra.Command {
	var opts mcptools.Options
	cmd := &cobra.Command{
		Use:   "mcp",
		Short: "Serve the tree tools to an agent over MCP stdio",
		Long: `mcp serves list_tree, read_file, write_file, delete_path and move_path
on stdin/stdout. Rooms are loaded from and checkpointed to the configured
blob store, so it can run next to a serve process sharing the same
backend only when they address different rooms.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := root.load()
			if err != nil {
				return err
			}
			// stdout carries the protocol.
			if err := initLogging(cfg, "stderr"); err != nil {
				return err
			}
			defer func() { _ = logging.Sync() }()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			a, err := buildApp(ctx, cfg)
			if err != nil {
				return err
			}
			go func() {
				if err := a.registry.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
					logging.Warn("checkpoint loop stopped", logging.Err(err))
				}
			}()
			go func() { _ = a.policies.Watch(ctx) }()

			serveErr := server.ServeStdio(mcptools.NewServer(a.service, version, opts))
			stop()
			return errors.Join(serveErr, a.Close(context.WithoutCancel(ctx)))
		},
	}
	cmd.Flags().StringVar(&opts.Tenant, "tenant", "", "only allow rooms of this tenant")
	cmd.Flags().StringVar(&opts.UserID, "user-id", "", "user id stamped on items the agent creates")
	return cmd
}
