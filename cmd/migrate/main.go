// Package main provides a CLI tool for running database migrations.
package main

import (
	"flag"
	"fmt"
	"log"

	"github.com/phone-pay/internal/config"
	"github.com/phone-pay/internal/storage"
)

func main() {
	var (
		action = flag.String("action", "up", "Migration action: up, down, version")
		steps  = flag.Int("steps", 1, "Number of migrations to roll back with -action down")
	)
	flag.Parse()

	// Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	if err := runPostgresMigrations(&cfg.Database.Postgres, *action, *steps); err != nil {
		log.Fatalf("Postgres migration failed: %v", err)
	}
}

func runPostgresMigrations(cfg *config.PostgresConfig, action string, steps int) error {
	switch action {
	case "up":
		log.Printf("Running Postgres migrations from %s...", cfg.MigrationsPath)
		if err := storage.RunMigrations(cfg); err != nil {
			return err
		}
		log.Println("Postgres migrations completed successfully")

	case "down":
		if steps < 1 {
			return fmt.Errorf("steps must be at least 1, got %d", steps)
		}
		log.Printf("Rolling back %d Postgres migration(s)...", steps)
		if err := storage.RollbackMigrations(cfg, steps); err != nil {
			return err
		}
		log.Println("Postgres migration rolled back successfully")

	case "version":
		version, dirty, err := storage.MigrationVersion(cfg)
		if err != nil {
			return err
		}
		log.Printf("Current Postgres migration version: %d (dirty: %v)", version, dirty)

	default:
		return fmt.Errorf("unknown action: %s", action)
	}

	return nil
}
