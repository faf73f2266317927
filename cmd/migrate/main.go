// Package main provides a CLI tool for running database migrations.
package main

import (
	"flag"
	"fmt"
	"log"

	"github.com/registrar-challenger/internal/config"
	"github.com/registrar-challenger/internal/storage"
)

func main() {
	var (
		configPath = flag.String("config", "", "path to the config file")
		action     = flag.String("action", "up", "Migration action: up, down, version")
		path       = flag.String("path", "migrations/postgres", "Migrations directory")
	)
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	if err := run(cfg.DB.URI, *path, *action); err != nil {
		log.Fatalf("Migration failed: %v", err)
	}
}

func run(databaseURL, migrationsPath, action string) error {
	switch action {
	case "up":
		log.Println("Running migrations...")
		if err := storage.RunMigrations(databaseURL, migrationsPath); err != nil {
			return err
		}
		log.Println("Migrations completed successfully")

	case "down":
		log.Println("Rolling back one migration...")
		if err := storage.RollbackMigration(databaseURL, migrationsPath); err != nil {
			return err
		}
		log.Println("Migration rolled back successfully")

	case "version":
		version, dirty, err := storage.MigrationVersion(databaseURL, migrationsPath)
		if err != nil {
			return err
		}
		log.Printf("Current migration version: %d (dirty: %v)", version, dirty)

	default:
		return fmt.Errorf("unknown action: %s", action)
	}
	return nil
}
