// Package main applies the Postgres and ClickHouse schemas of the wallet
// analytics engine.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/wallet-insights/internal/config"
	"github.com/wallet-insights/internal/logging"
	"github.com/wallet-insights/internal/storage"
)

func main() {
	var (
		action = flag.String("action", "up", "Postgres action: up, down, version")
		target = flag.String("db", "all", "Store to migrate: postgres, clickhouse, all")
		steps  = flag.Int("steps", 1, "Postgres migrations to roll back with -action=down")
		dir    = flag.String("dir", "migrations", "Directory holding postgres/ and clickhouse/")
	)
	flag.Parse()

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	logging.InitGlobalLogger(logging.ParseLogLevel(cfg.Logging.Level), logging.ParseLogFormat(cfg.Logging.Format))
	logger := logging.GetGlobalLogger().WithField("component", "migrate")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	runPostgres := *target == "postgres" || *target == "all"
	runClickHouse := *target == "clickhouse" || *target == "all"
	if !runPostgres && !runClickHouse {
		logger.WithField("db", *target).Fatal("Unknown store")
	}
	if runClickHouse && *action != "up" {
		if *target == "clickhouse" {
			logger.WithField("action", *action).Fatal("ClickHouse only supports -action=up")
		}
		// the transaction table is append-only, so only Postgres rolls back
		runClickHouse = false
	}

	if runPostgres {
		if err := migratePostgres(logger, &cfg.Database.Postgres, filepath.Join(*dir, "postgres"), *action, *steps); err != nil {
			logger.WithError(err).Fatal("Postgres migration failed")
		}
	}
	if runClickHouse {
		if err := migrateClickHouse(ctx, logger, &cfg.Database.ClickHouse, filepath.Join(*dir, "clickhouse")); err != nil {
			logger.WithError(err).Fatal("ClickHouse migration failed")
		}
	}
}

func migratePostgres(logger *logging.Logger, cfg *config.PostgresConfig, path, action string, steps int) error {
	databaseURL := storage.PostgresURL(cfg)
	logger = logger.WithFields(map[string]interface{}{"db": "postgres", "action": action})

	switch action {
	case "up":
		if err := storage.RunMigrations(databaseURL, path); err != nil {
			return err
		}
	case "down":
		if err := storage.RollbackMigrations(databaseURL, path, steps); err != nil {
			return err
		}
		logger = logger.WithField("steps", steps)
	case "version":
	default:
		return fmt.Errorf("unknown action: %s", action)
	}

	version, dirty, err := storage.MigrationVersion(databaseURL, path)
	if err != nil {
		return err
	}
	logger.WithFields(map[string]interface{}{"version": version, "dirty": dirty}).Info("Postgres schema")
	return nil
}

func migrateClickHouse(ctx context.Context, logger *logging.Logger, cfg *config.ClickHouseConfig, path string) error {
	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("migrations directory not usable: %w", err)
	}

	db, err := storage.NewClickHouseDB(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	if err := storage.RunClickHouseMigrations(logging.WithLogger(ctx, logger), db, path); err != nil {
		return err
	}
	logger.WithField("db", "clickhouse").Info("ClickHouse schema up to date")
	return nil
}
