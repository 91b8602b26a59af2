// Package cli implements the smsgate command line interface.
package cli

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/smsgate/smsgate/internal/config"
)

var (
	buildVersion = "dev"
	buildCommit  = "none"
	buildDate    = "unknown"
)

// SetVersion is called from main to inject build-time version info.
func SetVersion(version, commit, date string) {
	buildVersion = version
	buildCommit = commit
	buildDate = date
}

var rootCmd = &cobra.Command{
	Use:   "smsgate",
	Short: "SMS gateway for Huawei HiLink USB modems",
	Long: `smsgate mediates between authenticated HTTP clients and a Huawei
E303/E3372-class USB modem. It accepts outbound SMS over a JSON API,
dispatches them to the modem under its hardware rate limit with retry
and failure classification, polls the modem inbox, and reconciles
delivery receipts.

Run the gateway:
  smsgate serve

Create an API key for a client:
  smsgate apikey create --name my-client`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().String("config", "", "Path to smsgate.toml (default: ./smsgate.toml)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(apikeyCmd)
	rootCmd.AddCommand(versionCmd)
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

// loadConfig resolves the --config flag and loads configuration.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	return config.Load(path)
}

// newLogger builds the process logger from the [logging] config.
func newLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "text" {
		return slog.New(slog.NewTextHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print smsgate version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("smsgate %s (commit: %s, built: %s)\n", buildVersion, buildCommit, buildDate)
	},
}
