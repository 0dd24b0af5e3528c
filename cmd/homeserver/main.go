package main

import (
	"context"
	"log"

	"sentinal-e2ee/config"
	"sentinal-e2ee/internal/server"
	"sentinal-e2ee/pkg/logger"

	"go.uber.org/zap"
)

func main() {
	cfg := config.LoadConfig()

	l := logger.ForAppMode(cfg.AppMode)
	logger.SetGlobalLogger(l)
	defer func() { _ = l.Logger.Sync() }()

	srv, cleanup, err := server.Build(context.Background(), cfg, l)
	if err != nil {
		log.Fatalf("Failed to build homeserver: %v", err)
	}
	defer cleanup()

	if err := srv.Start(); err != nil {
		l.Logger.Error("homeserver exited", zap.Error(err))
	}
}
