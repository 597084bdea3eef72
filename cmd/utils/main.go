package main

import (
	"context"
	"fmt"
	"log"
	"os"

	"github.com/appetiteclub/orderdesk/cmd/utils/internal/commands"
	"github.com/appetiteclub/orderdesk/internal/config"
	applog "github.com/appetiteclub/orderdesk/internal/logger"
	"go.uber.org/zap"
)

const (
	appNamespace = "UTILS"
	appName      = "orderdesk-utils"
	appVersion   = "0.1.0"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	cfg, err := config.Load(appNamespace, os.Args[2:], nil)
	if err != nil {
		log.Fatalf("%s(%s) cannot load config: %v", appName, appVersion, err)
	}

	logger := applog.New(applog.Config{
		Level:  cfg.StringOr("log.level", "info"),
		Format: "console",
		Output: "stderr",
	})
	defer func() { _ = logger.Sync() }()

	ctx := context.Background()
	command := os.Args[1]

	switch command {
	case "seed-demo":
		if err := commands.SeedDemo(ctx, cfg, logger); err != nil {
			log.Fatalf("demo seeding failed: %v", err)
		}
		logger.Info("demo seeding completed")

	case "clear-demo":
		if err := commands.ClearDemo(ctx, cfg, logger); err != nil {
			log.Fatalf("clear demo data failed: %v", err)
		}
		logger.Info("demo data cleared")

	case "reset-db":
		if err := commands.ResetDB(ctx, cfg, logger); err != nil {
			log.Fatalf("database reset failed: %v", err)
		}

	case "token":
		if err := commands.Token(cfg, os.Stdout); err != nil {
			logger.Error("cannot issue token", zap.Error(err))
			os.Exit(1)
		}

	case "version":
		fmt.Printf("%s version %s\n", appName, appVersion)

	case "help", "-h", "--help":
		printUsage()

	default:
		fmt.Printf("Unknown command: %s\n\n", command)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Printf(`%s - orderdesk utility commands

Usage:
  %s <command> [--config=<file>]

Commands:
  seed-demo    Create demo orders for UTILS_RESTAURANT_ID in every status
  clear-demo   Remove demo orders
  reset-db     Drop the orderdesk database (USE WITH CAUTION)
  token        Print a staff bearer token for UTILS_RESTAURANT_ID
  version      Print version information
  help         Show this help message

Environment Variables:
  UTILS_DB_MONGO_URL    MongoDB connection URL (default: mongodb://localhost:27017)
  UTILS_DB_MONGO_NAME   Database name (default: orderdesk)
  UTILS_RESTAURANT_ID   Restaurant to seed or to scope the token to
  UTILS_AUTH_SECRET     Signing secret shared with orderd
  UTILS_LOG_LEVEL       Log level: debug, info, warn, error (default: info)

Examples:
  UTILS_RESTAURANT_ID=r1 %s seed-demo
  UTILS_RESTAURANT_ID=r1 UTILS_AUTH_SECRET=dev %s token

`, appName, appName, appName, appName)
}
