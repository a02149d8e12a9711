package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/rectangular-labs/workspacesync/internal/config"
	"github.com/rectangular-labs/workspacesync/internal/logging"
	"github.com/rectangular-labs/workspacesync/internal/mountsync"
	"github.com/rectangular-labs/workspacesync/internal/room"
)

func newMountCmd(root *rootOptions) *cobra.Command {
	mc := config.LoadMount()
	var once bool
	cmd := &cobra.Command{
		Use:   "mount",
		Short: "Mirror a room's tree into a local directory and push local edits back",
		Long: `mount joins a room over the sync relay, writes every file under
--remote-path into --local-dir, and sends local edits back through the tree
API every --interval. The token needs the sync, fs:read and fs:write scopes.`,
		Example: `  workspacesync mount --room org_1/proj_1 --local-dir ./content --token "$(workspacesync token --tenant org_1 --scope sync --scope fs:read --scope fs:write)"`,
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := root.load()
			if err != nil {
				return err
			}
			if err := initLogging(cfg, ""); err != nil {
				return err
			}
			defer func() { _ = logging.Sync() }()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			if once && mc.Timeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, mc.Timeout)
				defer cancel()
			}
			syncer, err := newMountSyncer(mc, once)
			if err != nil {
				return err
			}
			logging.Info("mount starting", logging.Room(mc.Room), logging.String("local_dir", mc.LocalDir))
			err = syncer.Run(ctx)
			if once && errors.Is(ctx.Err(), context.DeadlineExceeded) && !syncer.CaughtUp() {
				return fmt.Errorf("mount did not catch up within %s", mc.Timeout)
			}
			return err
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&mc.BaseURL, "url", mc.BaseURL, "server base URL")
	flags.StringVar(&mc.Token, "token", mc.Token, "bearer token")
	flags.StringVar(&mc.Room, "room", mc.Room, "room to mount, tenant/workspace[/scope]")
	flags.StringVar(&mc.RemotePath, "remote-path", mc.RemotePath, "tree path mirrored into the local directory")
	flags.StringVar(&mc.LocalDir, "local-dir", mc.LocalDir, "local mirror directory")
	flags.StringVar(&mc.StateFile, "state-file", mc.StateFile, "state file path (default inside --local-dir)")
	flags.StringVar(&mc.ContentKey, "content-key", mc.ContentKey, "content key mirrored for each file")
	flags.DurationVar(&mc.Interval, "interval", mc.Interval, "local push interval")
	flags.Float64Var(&mc.IntervalJitter, "interval-jitter", mc.IntervalJitter, "reconnect delay jitter ratio (0.0-1.0)")
	flags.DurationVar(&mc.Timeout, "timeout", mc.Timeout, "per-request timeout, and the overall limit with --once")
	flags.BoolVar(&once, "once", false, "catch up, push local edits once and exit")
	return cmd
}

func newMountSyncer(mc config.MountConfig, once bool) (*mountsync.Syncer, error) {
	if strings.TrimSpace(mc.Token) == "" {
		return nil, errors.New("token is required (--token or WORKSPACESYNC_MOUNT_TOKEN)")
	}
	if strings.TrimSpace(mc.LocalDir) == "" {
		return nil, errors.New("local-dir is required (--local-dir or WORKSPACESYNC_MOUNT_LOCAL_DIR)")
	}
	key, err := room.ParseKey(mc.Room)
	if err != nil {
		return nil, fmt.Errorf("room: %w", err)
	}
	syncURL, err := syncEndpoint(mc.BaseURL)
	if err != nil {
		return nil, err
	}
	timeout := mc.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	client := mountsync.NewHTTPClient(mc.BaseURL, mc.Token, &http.Client{Timeout: timeout})
	return mountsync.NewSyncer(client, mountsync.SyncerOptions{
		SyncURL:        syncURL,
		Token:          mc.Token,
		Room:           key,
		RemoteRoot:     mc.RemotePath,
		LocalRoot:      mc.LocalDir,
		StateFile:      mc.StateFile,
		ContentKey:     mc.ContentKey,
		PushInterval:   mc.Interval,
		IntervalJitter: mc.IntervalJitter,
		Once:           once,
	})
}

// syncEndpoint maps an http(s) base URL to the relay's ws(s) endpoint.
func syncEndpoint(baseURL string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil {
		return "", fmt.Errorf("url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("url: unsupported scheme %q", u.Scheme)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/v1/sync"
	u.RawQuery = ""
	return u.String(), nil
}
