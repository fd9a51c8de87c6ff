package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

var configPath string

// rootCmd is the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "stagehand",
	Short: "Deploy a TLS-terminated service group and gate on its health",
	Long: `stagehand stands up a group of containerized services behind a
TLS-terminating reverse proxy: it acquires Let's Encrypt certificates
via HTTP-01, starts the service group through the Docker Engine API and
polls every service's health signal until the group is ready.`,
	// We print our own structured failures; cobra should not add usage noise.
	SilenceUsage: true,
}

// SetVersion sets the version reported by the root command.
func SetVersion(v string) {
	rootCmd.Version = v
}

// Execute runs the CLI. Exit code 0 means every step fully succeeded.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to stagehand config file (YAML)")
	rootCmd.AddCommand(newDeployCmd())
	rootCmd.AddCommand(newRenewCmd())
}
