package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/davehorton/drachtio-simple-server/internal/client"
	"github.com/davehorton/drachtio-simple-server/internal/config"
	"github.com/davehorton/drachtio-simple-server/internal/reaper"
	"github.com/davehorton/drachtio-simple-server/internal/snapshot"
	"github.com/davehorton/drachtio-simple-server/internal/ui"
)

var configCmd = &cobra.Command{
	Use:     "config",
	Short:   "Print the effective configuration as TOML",
	GroupID: "ops",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		return cfg.WriteTOML(cmd.OutOrStdout())
	},
}

var statsCmd = &cobra.Command{
	Use:     "stats",
	Short:   "Show etag, subscription and dialog counts of a running server",
	GroupID: "ops",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
		defer cancel()

		stats, err := client.NewHTTPClient(httpURL, authToken).Stats(ctx)
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(stats)
		}

		ui.Setup(os.Stdout)
		fmt.Println(ui.RenderCount("etags", stats.ETags))
		fmt.Println(ui.RenderCount("subscriptions", stats.Subscriptions))
		fmt.Println(ui.RenderCount("dialogs", stats.Dialogs))
		fmt.Println(ui.RenderCount("timers", stats.Timers))
		return nil
	},
}

var reapCmd = &cobra.Command{
	Use:     "reap",
	Short:   "Remove expired etag index entries once",
	GroupID: "ops",
	Long: `Remove expired etag index entries once.

With --remote the running server at --http-url performs the reap.
Otherwise the configured store is opened directly, which is only
useful for the postgres backend.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		remote, _ := cmd.Flags().GetBool("remote")
		ctx := cmd.Context()

		var n int
		if remote {
			var err error
			if n, err = client.NewHTTPClient(httpURL, authToken).Reap(ctx); err != nil {
				return err
			}
		} else {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			st, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer st.Close()
			n = reaper.NewScheduler(st, cfg.ReapInterval, nil, newLogger(cfg.LogLevel)).Sweep(ctx)
		}

		if jsonOutput {
			return printJSON(map[string]int{"reaped": n})
		}
		fmt.Printf("reaped %d entries\n", n)
		return nil
	},
}

var snapshotCmd = &cobra.Command{
	Use:     "snapshot",
	Short:   "Write live event state from the configured store as JSONL",
	GroupID: "ops",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		st, err := openStore(cfg)
		if err != nil {
			return err
		}
		defer st.Close()
		return snapshot.ExportJSONL(cmd.Context(), st, cmd.OutOrStdout())
	},
}

func init() {
	reapCmd.Flags().Bool("remote", false, "ask the running server to reap")
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
