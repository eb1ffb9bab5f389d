package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	configPath string
	redisAddr  string
	pgDSN      string
	sqlitePath string
	logLevel   string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "partsearch",
		Short: "Partsearch - bulk part-number search",
		Long:  "Bulk multi-key part-number search over cached, prioritized search engines",
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Config file (JSON or YAML)")
	rootCmd.PersistentFlags().StringVar(&redisAddr, "redis", "", "Redis address (overrides config)")
	rootCmd.PersistentFlags().StringVar(&pgDSN, "pg-dsn", "", "Postgres DSN (overrides config)")
	rootCmd.PersistentFlags().StringVar(&sqlitePath, "sqlite", "", "SQLite database path (overrides config)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level (overrides config)")

	rootCmd.AddCommand(
		serveCmd(),
		searchCmd(),
		invalidateCmd(),
		loadCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
