// Package main provides the CLI entry point for pluginhost: a runtime
// that loads native and dynamically-linked plugin libraries and serves
// a single rendezvous point for resolving, instantiating, and
// forgetting them.
//
// # Basic Usage
//
// Load a library and report what it contributed:
//
//	pluginhost load ./plugins/geometry.so
//
// Every invocation starts a fresh Loader that first opens the libraries
// listed under plugins.load.paths in the configuration file; list the
// plugins they contributed:
//
//	pluginhost list
//
// Print every known plugin with its aliases and interfaces:
//
//	pluginhost info
//
// # Environment Variables
//
//   - PLUGINHOST_CONFIG: path to configuration file (default: pluginhost.yaml)
package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/haasonsaas/pluginhost/internal/config"
	"github.com/haasonsaas/pluginhost/internal/loader"
	"github.com/haasonsaas/pluginhost/internal/metrics"
	"github.com/haasonsaas/pluginhost/internal/observability"
	"github.com/haasonsaas/pluginhost/internal/registry"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if err := buildRootCmd().Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

// buildRootCmd creates the root command with all subcommands attached.
// Separated from main so tests can exercise it directly.
func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "pluginhost",
		Short: "pluginhost - a native/dynamic plugin loading runtime",
		Long: `pluginhost loads plugin libraries, native or dynamically linked,
through a single registration protocol and a process-wide registry.`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}
	rootCmd.AddCommand(
		buildLoadCmd(),
		buildListCmd(),
		buildLookupCmd(),
		buildInstantiateCmd(),
		buildForgetCmd(),
		buildInterfacesCmd(),
		buildAliasesCmd(),
		buildInfoCmd(),
	)
	return rootCmd
}

// sharedRuntime bundles the process-wide pieces every subcommand needs:
// one Loader sitting on top of the process-wide Archive, a logger, and
// a metrics set. Subcommands that only want to inspect state created by
// a prior invocation of this same process (i.e. long-running use, not
// the one-shot CLI) would reuse this; the one-shot CLI constructs a
// fresh Loader per invocation since there is no persistent daemon here,
// and that Loader opens every configured plugins.load.paths entry, in
// order, before the subcommand runs.
func sharedRuntime(configPath string) (*loader.Loader, *observability.Logger, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			cfg = &config.Config{Logging: config.LoggingConfig{Level: "info", Format: "json"}}
		} else {
			return nil, nil, fmt.Errorf("load config: %w", err)
		}
	}
	logger := observability.NewLogger(observability.LogConfig{
		Level:     cfg.Logging.Level,
		Format:    cfg.Logging.Format,
		AddSource: cfg.Logging.AddSource,
	})
	m := metrics.New()
	l := loader.New(registry.DefaultArchive, logger, m)
	for _, p := range cfg.Plugins.Load.Paths {
		l.LoadLibrary(context.Background(), p)
	}
	return l, logger, nil
}

func defaultConfigPath() string {
	if v := os.Getenv("PLUGINHOST_CONFIG"); v != "" {
		return v
	}
	return "pluginhost.yaml"
}
