// Package cli implements the trap command.
package cli

import (
	"github.com/spf13/cobra"

	"github.com/telhawk-systems/telhawk-trap/common/config"
	"github.com/telhawk-systems/telhawk-trap/trap/internal/client"
)

var (
	cfgFile  string
	apiURL   string
	apiToken string
)

var rootCmd = &cobra.Command{
	Use:   "trap",
	Short: "TelHawk Trap honeypot event engine",
	Long: `trap classifies honeypot sensor events by risk and exports them to
JSON archives, SQL databases, OpenSearch and NATS JetStream.

Run "trap serve" to start the engine. The other commands talk to a running
engine over its HTTP API or inspect local configuration.`,
	Version:       "0.1.0",
	SilenceUsage:  true,
	SilenceErrors: false,
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: $TRAP_CONFIG_DIR/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&apiURL, "api", "http://localhost:8090", "engine API base URL")
	rootCmd.PersistentFlags().StringVar(&apiToken, "token", "", "bearer token for the engine API")

	rootCmd.AddCommand(serveCmd, seedCmd, exportCmd, profileCmd, tokenCmd)
}

func loadConfig() (*config.Config, error) {
	return config.Load(cfgFile)
}

func apiClient() *client.Client {
	return client.New(apiURL, apiToken)
}
