package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/rectangular-labs/workspacesync/internal/config"
	"github.com/rectangular-labs/workspacesync/internal/httpapi"
	"github.com/rectangular-labs/workspacesync/internal/logging"
)

const shutdownTimeout = 30 * time.Second

func newServeCmd(root *rootOptions) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the sync relay and tree API over HTTP",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := root.load()
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.Addr = addr
			}
			if err := initLogging(cfg, ""); err != nil {
				return err
			}
			defer func() { _ = logging.Sync() }()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default from WORKSPACESYNC_ADDR or :8080)")
	return cmd
}

func serve(ctx context.Context, cfg config.Config) error {
	a, err := buildApp(ctx, cfg)
	if err != nil {
		return err
	}
	server, err := httpapi.NewServer(a.service, a.registry, a.relay, a.serverConfig())
	if err != nil {
		return errors.Join(err, a.Close(ctx))
	}
	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           server,
		ReadHeaderTimeout: 10 * time.Second,
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		if err := a.registry.Run(groupCtx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		return a.policies.Watch(groupCtx)
	})
	group.Go(func() error {
		logging.Info("workspacesync listening", logging.String("addr", cfg.Addr), logging.String("profile", cfg.Profile))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	runErr := group.Wait()
	closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := a.Close(closeCtx); err != nil {
		logging.Error("final checkpoint failed", logging.Err(err))
		runErr = errors.Join(runErr, err)
	}
	logging.Info("workspacesync stopped")
	return runErr
}
