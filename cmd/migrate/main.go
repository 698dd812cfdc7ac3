// Package main runs schema migrations against the Location Server's
// PostGIS-backed geometry store.
package main

import (
	"database/sql"
	"flag"
	"fmt"
	"log"
	"os"

	_ "github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/wip-weather/wip-gateway/internal/infrastructure/geometry"
)

func main() {
	var (
		action = flag.String("action", "up", "Migration action: up, down")
		dbHost = flag.String("host", getEnv("DB_HOST", "localhost"), "Database host")
		dbPort = flag.String("port", getEnv("DB_PORT", "5432"), "Database port")
		dbUser = flag.String("user", getEnv("DB_USER", "wip"), "Database user")
		dbPass = flag.String("password", getEnv("DB_PASSWORD", ""), "Database password")
		dbName = flag.String("database", getEnv("DB_NAME", "wip_geometry"), "Database name")
		dbSSL  = flag.String("sslmode", getEnv("DB_SSLMODE", "disable"), "SSL mode")
	)

	flag.Parse()

	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer func() {
		if err := logger.Sync(); err != nil {
			log.Printf("Failed to sync logger: %v", err)
		}
	}()

	dsn := fmt.Sprintf(
		"host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		*dbHost, *dbPort, *dbUser, *dbPass, *dbName, *dbSSL,
	)

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		logger.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer func() {
		if err := db.Close(); err != nil {
			logger.Error("Failed to close database connection", zap.Error(err))
		}
	}()

	if err := db.Ping(); err != nil {
		logger.Fatal("Failed to ping database", zap.Error(err))
	}

	switch *action {
	case "up":
		if err := geometry.RunMigrations(db, logger); err != nil {
			logger.Fatal("Migration failed", zap.Error(err))
		}
		logger.Info("Migrations completed successfully")

	case "down":
		if err := geometry.MigrateDown(db, logger); err != nil {
			logger.Fatal("Rollback failed", zap.Error(err))
		}
		logger.Info("Rollback completed successfully")

	default:
		logger.Fatal("Invalid action", zap.String("action", *action))
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
