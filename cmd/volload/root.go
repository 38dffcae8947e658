package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/gyeh/volumetria/internal/config"
)

var (
	cfg        config.Config
	configPath string
)

var rootCmd = &cobra.Command{
	Use:   "volload",
	Short: "Volumetria extract → Postgres staging, rules and reconciliation",
	Long: "Stages radiology volumetria extracts into Postgres, applies the rule catalog " +
		"in resumable lots and reconciles staging against final counts.",
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if configPath != "" {
			if err := cfg.LoadFromFile(configPath); err != nil {
				return fmt.Errorf("load config: %w", err)
			}
		}
		cfg.ApplyDefaults()
		return nil
	},
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&cfg.DSN, "dsn", os.Getenv("VOLUMETRIA_DB_URL"), "Postgres connection string (or set VOLUMETRIA_DB_URL)")
	pf.StringVar(&cfg.LogFormat, "log-format", "", "Log format: text or json")
	pf.StringVar(&configPath, "config", "", "YAML config file; flags given on the command line win")
	pf.StringVar(&cfg.CatalogPath, "catalog", "", "Rule catalog YAML (default: embedded catalog)")
	pf.IntVar(&cfg.LotSize, "lot-size", 0, fmt.Sprintf("Rows per lot (default %d)", config.DefaultLotSize))
	pf.DurationVar(&cfg.Budget, "budget", 0, "Wall-time budget per invocation (default 50s)")
	pf.DurationVar(&cfg.RowTimeout, "row-timeout", 0, "Rule evaluation timeout per row (default 2s)")
	pf.BoolVar(&cfg.FailOpen, "fail-open", false, "Keep rows with malformed dates instead of excluding them (audited)")
	pf.StringVar(&cfg.LockBackend, "lock", "", "Batch lock: postgres, redis or local (default postgres)")
	pf.StringVar(&cfg.RedisAddr, "redis-addr", "", "Redis address for --lock=redis")
}
