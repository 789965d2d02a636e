package main

import (
	"fmt"
	"os"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/spf13/cobra"

	"github.com/vmarkovic/upflow/internal/config"
)

var rootCmd = &cobra.Command{Use: "upflow-migrate"}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Run database migrations",
	Run: func(cmd *cobra.Command, args []string) {
		connStr, _ := cmd.Flags().GetString("db")
		if connStr == "" {
			// same resolution chain as the worker: config defaults, .env,
			// UPFLOW_DB, DB_* variables
			cfg, err := config.Load("")
			if err != nil {
				fmt.Printf("Failed to load config: %v\n", err)
				os.Exit(1)
			}
			connStr = cfg.DB
		}
		if connStr == "" {
			fmt.Println("Error: --db flag, UPFLOW_DB, or complete DB_* env vars required")
			os.Exit(1)
		}

		m, err := migrate.New("file://migrations", connStr)
		if err != nil {
			fmt.Printf("Failed to initialize migrations: %v\n", err)
			os.Exit(1)
		}
		if err := m.Up(); err != nil && err != migrate.ErrNoChange {
			fmt.Printf("Failed to apply migrations: %v\n", err)
			os.Exit(1)
		}
		fmt.Println("Migrations applied successfully")
	},
}

func main() {
	rootCmd.AddCommand(migrateCmd)
	migrateCmd.Flags().String("db", "", "Database connection string (optional if env vars are set)")
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
