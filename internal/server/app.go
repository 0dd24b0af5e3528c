package server

import (
	"context"
	"fmt"
	"time"

	"sentinal-e2ee/config"
	"sentinal-e2ee/internal/handler"
	"sentinal-e2ee/internal/homeserver"
	"sentinal-e2ee/internal/metrics"
	"sentinal-e2ee/internal/redis"
	"sentinal-e2ee/internal/repository"
	"sentinal-e2ee/internal/services"
	"sentinal-e2ee/internal/transport/schema"
	"sentinal-e2ee/pkg/database"
	"sentinal-e2ee/pkg/logger"

	"go.uber.org/zap"
)

// Build wires a complete homeserver from config. When Redis is enabled the
// to-device inbox and the rate limiter live there, and when the database is
// enabled published one-time and fallback keys live in Postgres. Anything not
// enabled is kept in memory. The returned cleanup closes whatever Build opened.
func Build(ctx context.Context, cfg *config.Config, l *logger.Logger) (*Server, func(), error) {
	if l == nil {
		l = logger.NewNop()
	}
	m := metrics.New()
	validator, err := schema.New()
	if err != nil {
		return nil, nil, fmt.Errorf("load schemas: %w", err)
	}

	opts := homeserver.Options{Log: l, Metrics: m}
	deps := Deps{Metrics: m}
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	if cfg.RedisEnabled {
		client, err := redis.Connect(ctx, redis.Config{
			Host:     cfg.RedisHost,
			Port:     cfg.RedisPort,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("connect redis: %w", err)
		}
		opts.Inbox = redis.NewInbox(client)
		deps.Limiter = redis.NewRateLimiter(client, redis.DefaultRateLimitConfig())
		closers = append(closers, func() {
			if err := client.Close(); err != nil {
				l.Logger.Warn("closing redis", zap.Error(err))
			}
		})
		l.Logger.Info("redis inbox enabled", zap.String("host", cfg.RedisHost))
	}

	if cfg.DBEnabled {
		db, err := database.Connect(database.Config{
			Host:     cfg.DBHost,
			Port:     cfg.DBPort,
			User:     cfg.DBUser,
			Password: cfg.DBPassword,
			Name:     cfg.DBName,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("connect postgres: %w", err)
		}
		keys := repository.NewKeyStore(db)
		if err := keys.Migrate(ctx); err != nil {
			_ = database.Close(db)
			cleanup()
			return nil, nil, err
		}
		opts.Keys = keys
		closers = append(closers, func() {
			if err := database.Close(db); err != nil {
				l.Logger.Warn("closing postgres", zap.Error(err))
			}
		})
		l.Logger.Info("postgres key directory enabled", zap.String("host", cfg.DBHost), zap.String("database", cfg.DBName))
	}

	hs := homeserver.New(opts)
	auth := services.NewAuthService(cfg.ServerName, cfg.JWTSecret, time.Duration(cfg.JWTExpiryMin)*time.Minute)
	deps.AuthService = auth

	srv := New(cfg, l)
	srv.SetupRoutes(&Handlers{
		Auth: handler.NewAuthHandler(auth, hs),
		Keys: handler.NewKeysHandler(hs, validator),
		Sync: handler.NewSyncHandler(hs, validator),
	}, deps)
	return srv, cleanup, nil
}
