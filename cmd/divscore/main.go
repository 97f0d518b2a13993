// Package main provides the divscore entrypoint: the HTTP server and
// commands that read and write the score session directly.
package main

import (
	"context"
	"os"

	"github.com/spf13/cobra"

	"github.com/okian/divscore/internal/config"
)

// rootFlags override configuration for a single invocation.
type rootFlags struct {
	configPath  string
	backend     string
	storagePath string
	origin      string
	logLevel    string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	flags := &rootFlags{}
	rootCmd := &cobra.Command{
		Use:           "divscore",
		Short:         "Diversification score session service",
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	pf := rootCmd.PersistentFlags()
	pf.StringVar(&flags.configPath, "config", "", "YAML config file (overrides DIVSCORE_CONFIG)")
	pf.StringVar(&flags.backend, "backend", "", "storage backend: memory, file or sqlite")
	pf.StringVar(&flags.storagePath, "storage-path", "", "storage file or database path")
	pf.StringVar(&flags.origin, "origin", "", "origin that namespaces the stored keys")
	pf.StringVar(&flags.logLevel, "log-level", "", "log level: debug, info, warn, error")

	rootCmd.AddCommand(newServeCmd(flags))
	rootCmd.AddCommand(newScoreCmd(flags))

	return rootCmd
}

// loadConfig layers command-line flags over config.Load.
func loadConfig(ctx context.Context, cmd *cobra.Command, flags *rootFlags) (*config.Config, error) {
	if flags.configPath != "" {
		if err := os.Setenv("DIVSCORE_CONFIG", flags.configPath); err != nil {
			return nil, err
		}
	}
	cfg, err := config.Load(ctx)
	if err != nil {
		return nil, err
	}
	applyStringFlag(cmd, "backend", &cfg.StorageBackend, flags.backend)
	applyStringFlag(cmd, "storage-path", &cfg.StoragePath, flags.storagePath)
	applyStringFlag(cmd, "origin", &cfg.Origin, flags.origin)
	applyStringFlag(cmd, "log-level", &cfg.LogLevel, flags.logLevel)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyStringFlag(cmd *cobra.Command, name string, target *string, value string) {
	if cmd.Flags().Changed(name) {
		*target = value
	}
}
