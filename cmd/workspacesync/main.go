// Command workspacesync runs the content-planning workspace server: the
// sync relay and tree API over HTTP, or the tree tools over MCP stdio. It
// also mounts a room onto a local directory.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/rectangular-labs/workspacesync/internal/config"
	"github.com/rectangular-labs/workspacesync/internal/logging"
)

var version = "dev"

type rootOptions struct {
	logLevel   string
	policyFile string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:   "workspacesync",
		Short: "Multi-user content-planning workspace server",
		Long: `workspacesync keeps one replicated content tree per workspace room,
relays edits between connected editors, and runs the write pipeline that
schedules content and hands work to the workflow engine.

Configuration is read from WORKSPACESYNC_* environment variables; flags
override them.`,
		SilenceUsage: true,
		Version:      version,
	}
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "log level (debug, info, warn, error)")
	root.PersistentFlags().StringVar(&opts.policyFile, "policy-file", "", "YAML room policy file")

	root.AddCommand(newServeCmd(opts))
	root.AddCommand(newMCPCmd(opts))
	root.AddCommand(newTokenCmd(opts))
	root.AddCommand(newMountCmd(opts))
	return root
}

// load reads the environment and applies the persistent flags.
func (o *rootOptions) load() (config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return config.Config{}, err
	}
	if o.logLevel != "" {
		cfg.LogLevel = o.logLevel
	}
	if o.policyFile != "" {
		cfg.PolicyFile = o.policyFile
	}
	return cfg, nil
}

func initLogging(cfg config.Config, output string) error {
	return logging.Init(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat, OutputPath: output})
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
