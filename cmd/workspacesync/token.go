package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/rectangular-labs/workspacesync/internal/httpapi"
)

func newTokenCmd(root *rootOptions) *cobra.Command {
	var (
		claims httpapi.Claims
		ttl    time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a bearer token signed with WORKSPACESYNC_JWT_SECRET",
		Example: `  workspacesync token --tenant org_1 --workspace proj_1 --scope fs:read --scope fs:write
  workspacesync token --agent ops --scope admin --ttl 1h`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := root.load()
			if err != nil {
				return err
			}
			if cfg.JWTSecret == "" {
				return errors.New("WORKSPACESYNC_JWT_SECRET is required to issue tokens")
			}
			if len(claims.Scopes) == 0 {
				return errors.New("at least one --scope is required")
			}
			token, err := httpapi.IssueToken(cfg.JWTSecret, claims, ttl)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), token)
			return err
		},
	}
	cmd.Flags().StringVar(&claims.Tenant, "tenant", "", "tenant the token is bound to")
	cmd.Flags().StringVar(&claims.Workspace, "workspace", "", "workspace the token is bound to; empty grants every workspace of the tenant")
	cmd.Flags().StringVar(&claims.AgentName, "agent", "cli", "agent name, used for rate limiting")
	cmd.Flags().StringArrayVar(&claims.Scopes, "scope", nil, "granted scope: fs:read, fs:write, sync or admin (repeatable)")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	return cmd
}
