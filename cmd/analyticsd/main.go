// Command analyticsd runs the market-data analytics pipeline: the Binance
// trade feed, tick ingestion, candle resampling, the alert engine and the
// HTTP/WebSocket API.
package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"pairs-analytics/config"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds | log.Lshortfile)
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	stop()
	if err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string
	root := &cobra.Command{
		Use:          "analyticsd",
		Short:        "Real-time pairs analytics over Binance trade streams",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "YAML config file (defaults to $CONFIG_FILE)")

	root.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Run the ingestion pipeline, alert engine and API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg)
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "check-config",
		Short: "Load and validate the configuration, then print it",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			printConfig(cmd.OutOrStdout(), cfg)
			fmt.Fprintln(cmd.OutOrStdout(), "config ok")
			return nil
		},
	})
	return root
}

func printConfig(out io.Writer, cfg *config.Config) {
	tfs, _ := cfg.Timeframes()
	labels := make([]string, len(tfs))
	for i, tf := range tfs {
		labels[i] = tf.String()
	}
	redis := "disabled"
	if cfg.Redis.Enabled {
		redis = fmt.Sprintf("%s db=%d", cfg.Redis.Addr, cfg.Redis.DB)
	}

	table := tablewriter.NewWriter(out)
	table.SetHeader([]string{"Setting", "Value"})
	table.SetAutoWrapText(false)
	table.AppendBulk([][]string{
		{"symbols", strings.Join(cfg.Symbols, ", ")},
		{"feed", cfg.BinanceWSBaseURL},
		{"sqlite", cfg.SQLitePath},
		{"redis", redis},
		{"timeframes", strings.Join(labels, ", ")},
		{"flush interval", cfg.FlushInterval.String()},
		{"alerts", fmt.Sprintf("every %s on %s", cfg.AlertInterval, cfg.AlertTimeframe)},
		{"rolling window", strconv.Itoa(cfg.RollingWindow)},
		{"adf max lag", strconv.Itoa(cfg.ADFMaxLag)},
		{"http", cfg.HTTPAddr},
		{"metrics", cfg.MetricsAddr},
	})
	table.Render()
}
