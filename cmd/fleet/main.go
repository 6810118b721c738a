// Command fleet runs one node of a gadget fleet.
//
// A fleet has one shop, which tracks which gadgets are alive, and any
// number of gadgets, which accept uploads and push them to attached
// hardware. The role is chosen by subcommand:
//
//	fleet shop   --config configs/config.yaml
//	fleet gadget --config configs/config.yaml
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

const (
	defaultConfigPath = "configs/config.yaml"
	configEnvVar      = "FLEET_CONFIG"

	roleShop   = "shop"
	roleGadget = "gadget"
)

func newRootCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:           "fleet",
		Short:         "Gadget fleet shop and gadget nodes",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", "",
		"path to config file (default $"+configEnvVar+" or "+defaultConfigPath+")")

	cmd.AddCommand(&cobra.Command{
		Use:   roleShop,
		Short: "Run the shop coordinator",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runShop(cmd.Context(), resolveConfigPath(configPath))
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   roleGadget,
		Short: "Run a gadget node",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runGadget(cmd.Context(), resolveConfigPath(configPath))
		},
	})
	cmd.AddCommand(newVersionCmd())
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "fleet %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}

// resolveConfigPath picks the --config flag, then FLEET_CONFIG, then the
// default path.
func resolveConfigPath(flag string) string {
	if flag != "" {
		return flag
	}
	if path := os.Getenv(configEnvVar); path != "" {
		return path
	}
	return defaultConfigPath
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		cancel()
		os.Exit(1)
	}
}
