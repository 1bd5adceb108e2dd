// pagesync is the client-side sync daemon and admin CLI for a collaborative
// document graph.
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/pagegraph/pagesync/internal/config"
	"github.com/pagegraph/pagesync/internal/logging"
	"github.com/pagegraph/pagesync/internal/service"
)

// shutdownTimeout bounds graceful unwinding on exit.
const shutdownTimeout = 10 * time.Second

var (
	flagConfig string
	flagToken  string
)

var rootCmd = &cobra.Command{
	Use:   "pagesync",
	Short: "Sync a local document graph with its remote collaborators",
	Long: `pagesync keeps a local document graph database in sync with a remote
collaborative graph: it pushes local edits, applies remote updates, transfers
binary assets, and tracks who else is online.

Configuration comes from ~/.pagesync/config.yaml and PAGESYNC_* environment
variables; --config points at an alternative file. The auth token is usually
supplied via PAGESYNC_TOKEN.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagConfig, "config", "", "config file (default ~/.pagesync/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&flagToken, "token", "", "auth token (overrides config and PAGESYNC_TOKEN)")

	rootCmd.AddGroup(
		&cobra.Group{ID: "sync", Title: "Sync:"},
		&cobra.Group{ID: "admin", Title: "Graph administration:"},
	)
}

// loadConfig resolves the effective configuration for this invocation.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(flagConfig)
	if err != nil {
		return nil, err
	}
	if flagToken != "" {
		cfg.Token = flagToken
	}
	return cfg, nil
}

// newService builds a service from the effective config.
func newService(prefix string) (*service.Service, *config.Config, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	logger := logging.New(prefix, logging.Options{File: cfg.LogFile})
	svc, err := service.New(cfg, logger)
	if err != nil {
		return nil, nil, err
	}
	return svc, cfg, nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
