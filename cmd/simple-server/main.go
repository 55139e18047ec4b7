// Command simple-server runs a SIP presence agent: an event state
// compositor for PUBLISH and a notifier for SUBSCRIBE, driven by an
// external SIP engine over HTTP.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/davehorton/drachtio-simple-server/internal/config"
	"github.com/davehorton/drachtio-simple-server/internal/store"
	"github.com/davehorton/drachtio-simple-server/internal/store/memory"
	"github.com/davehorton/drachtio-simple-server/internal/store/postgres"
)

var (
	configPath string
	httpURL    string
	authToken  string
	jsonOutput bool
)

func defaultHTTPURL() string {
	if s := os.Getenv("SIMPLE_HTTP_URL"); s != "" {
		return s
	}
	return "http://localhost:8080"
}

var rootCmd = &cobra.Command{
	Use:           "simple-server <command>",
	Short:         "SIP presence event state compositor and notifier",
	SilenceUsage:  true,
	SilenceErrors: false,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "TOML config file (default $SIMPLE_CONFIG)")
	rootCmd.PersistentFlags().StringVar(&httpURL, "http-url", defaultHTTPURL(), "admin API URL of a running server")
	rootCmd.PersistentFlags().StringVar(&authToken, "token", os.Getenv("SIMPLE_AUTH_TOKEN"), "bearer token for the admin API")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output as JSON")

	rootCmd.AddGroup(
		&cobra.Group{ID: "server", Title: "Server:"},
		&cobra.Group{ID: "ops", Title: "Operations:"},
	)

	cobra.EnableCommandSorting = false
	rootCmd.SetHelpFunc(colorizedHelpFunc())

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(statsCmd)
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(reapCmd)
	rootCmd.AddCommand(snapshotCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// newLogger builds the process logger at the configured level.
func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.ToUpper(level))); err != nil {
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

// openStore opens the configured store backend.
func openStore(cfg *config.Config) (store.Store, error) {
	switch cfg.Store {
	case config.StorePostgres:
		return postgres.New(cfg.DatabaseURL)
	case config.StoreMemory:
		return memory.New(), nil
	default:
		return nil, fmt.Errorf("unknown store %q", cfg.Store)
	}
}
