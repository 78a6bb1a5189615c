package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/exgate/hftgate/internal/app"
	"github.com/exgate/hftgate/internal/config"
	"github.com/exgate/hftgate/pkg/logger"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("Warning: .env file not found, using environment variables")
	}

	logLevel := os.Getenv("LOG_LEVEL")
	if logLevel == "" {
		logLevel = "info"
	}
	zapLogger, err := logger.NewLogger(logLevel)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer zapLogger.Sync()

	var configPaths []string
	if path := os.Getenv("HFTGATE_CONFIG"); path != "" {
		configPaths = append(configPaths, path)
	}
	cfg, err := config.LoadConfig(configPaths...)
	if err != nil {
		zapLogger.Fatal("Failed to load configuration", zap.Error(err))
	}

	gateway, err := app.New(cfg, zapLogger)
	if err != nil {
		zapLogger.Fatal("Failed to build gateway", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := gateway.Run(ctx); err != nil {
		zapLogger.Fatal("Gateway failed", zap.Error(err))
	}
}
