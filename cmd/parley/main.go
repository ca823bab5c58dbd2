package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/barterline/parley/internal/config"
	"github.com/barterline/parley/internal/version"
)

var (
	configPath string
	verbose    bool
)

var rootCmd = &cobra.Command{
	Use:   "parley",
	Short: "parley — buyer/seller price negotiation client",
	Long: `parley is a client for real-time price negotiation channels.
It keeps working across flaky connections: messages queue while offline,
replay after reconnect, and the round state reconciles against the server.`,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config file (default: environment only)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")
	rootCmd.Version = version.String()
}

// loadConfig builds the client configuration from the config file if given,
// otherwise from environment variables.
func loadConfig() (*config.ClientConfig, error) {
	if configPath != "" {
		return config.LoadAndValidate(configPath)
	}
	return config.FromEnv()
}

func newLogger() *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)
	return logger
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
