// Command odoorpcctl is a small operational CLI for the client: a
// healthcheck, database enumeration, and cache inspection, built on a
// cobra+viper root command.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"odoorpc.dev/cache"
	"odoorpc.dev/client"
	"odoorpc.dev/model"
	"odoorpc.dev/rpcconfig"
	"odoorpc.dev/rpclog"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	configFile string
	log        = rpclog.New("odoorpcctl")
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		log.WithError(err).Error("command failed")
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "odoorpcctl",
		Short: "Operational CLI for the odoorpc client",
	}
	cmd.PersistentFlags().StringVar(&configFile, "config", "", "path to a config file (yaml/toml/json)")
	cmd.AddCommand(healthcheckCmd(), databasesCmd(), cacheStatsCmd())
	return cmd
}

func loadClient() (*client.Client, error) {
	viper.AutomaticEnv()
	cfg, err := rpcconfig.Load(configFile)
	if err != nil {
		return nil, err
	}
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("odoorpcctl: ODOORPC_ENDPOINT (or --config) must set an endpoint")
	}
	return client.New(cfg, model.NewRegistry()), nil
}

func healthcheckCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "healthcheck",
		Short: "call the server's version endpoint",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := loadClient()
			if err != nil {
				return err
			}
			defer c.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
			defer cancel()

			version, err := c.Healthcheck(ctx)
			if err != nil {
				return err
			}
			return printJSON(version)
		},
	}
}

func databasesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "databases",
		Short: "list databases available on the server",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := loadClient()
			if err != nil {
				return err
			}
			defer c.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
			defer cancel()

			dbs, err := c.ListDatabases(ctx)
			if err != nil {
				return err
			}
			return printJSON(dbs)
		},
	}
}

func cacheStatsCmd() *cobra.Command {
	var names []string
	var human bool
	cmd := &cobra.Command{
		Use:   "cache-stats",
		Short: "report Stats for the given cache backend names",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := loadClient()
			if err != nil {
				return err
			}
			defer c.Close()

			if len(names) == 0 {
				names = []string{"memory"}
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
			defer cancel()

			stats, err := c.CacheStats(ctx, names...)
			if err != nil {
				return err
			}
			if human {
				for _, name := range names {
					printHumanStats(name, stats[name])
				}
				return nil
			}
			return printJSON(stats)
		},
	}
	cmd.Flags().StringSliceVar(&names, "backend", nil, "cache backend name(s) to report, default: memory")
	cmd.Flags().BoolVar(&human, "human", false, "print a human-readable summary instead of JSON")
	return cmd
}

// printHumanStats renders one backend's Stats as an operator-friendly
// summary line using humanize.Comma/humanize.FtoaWithDigits for
// dashboard-facing counters.
func printHumanStats(name string, s cache.Stats) {
	total := s.Hits + s.Misses
	hitRate := 0.0
	if total > 0 {
		hitRate = float64(s.Hits) / float64(total) * 100
	}
	fmt.Printf("%s: %s entries, %s hits / %s misses (%s%% hit rate), %s evictions\n",
		name,
		humanize.Comma(int64(s.Size)),
		humanize.Comma(s.Hits),
		humanize.Comma(s.Misses),
		humanize.FtoaWithDigits(hitRate, 1),
		humanize.Comma(s.Evictions),
	)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
