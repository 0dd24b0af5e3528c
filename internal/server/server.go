package server

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"sentinal-e2ee/config"
	"sentinal-e2ee/internal/handler"
	"sentinal-e2ee/internal/metrics"
	"sentinal-e2ee/internal/middleware"
	"sentinal-e2ee/internal/redis"
	"sentinal-e2ee/internal/services"
	"sentinal-e2ee/pkg/logger"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const clientAPI = "/_matrix/client/v3"

type Server struct {
	httpServer *http.Server
	engine     *gin.Engine
	config     *config.Config
	logger     *logger.Logger
}

var (
	ReleaseMode = "release"
	DebugMode   = "debug"
	TestMode    = "test"
)

type Handlers struct {
	Auth *handler.AuthHandler
	Keys *handler.KeysHandler
	Sync *handler.SyncHandler
}

// Deps are the collaborators routes are wired to. Limiter may be nil.
type Deps struct {
	AuthService *services.AuthService
	Metrics     *metrics.Metrics
	Limiter     *redis.RateLimiter
}

func New(cfg *config.Config, l *logger.Logger) *Server {
	switch cfg.AppMode {
	case ReleaseMode:
		gin.SetMode(gin.ReleaseMode)
	case TestMode:
		gin.SetMode(gin.TestMode)
	default:
		gin.SetMode(gin.DebugMode)
	}
	if l == nil {
		l = logger.NewNop()
	}

	engine := gin.New()
	engine.Use(gin.Recovery())

	return &Server{
		httpServer: &http.Server{
			Addr:              fmt.Sprintf(":%s", cfg.AppPort),
			Handler:           engine,
			ReadHeaderTimeout: 10 * time.Second,
		},
		engine: engine,
		config: cfg,
		logger: l,
	}
}

// Engine exposes the router, mainly for httptest.
func (s *Server) Engine() *gin.Engine { return s.engine }

func (s *Server) SetupRoutes(handlers *Handlers, deps Deps) {
	s.engine.Use(middleware.RequestIDMiddleware())
	s.engine.Use(middleware.LoggingMiddleware(s.logger))
	s.engine.Use(middleware.ErrorHandler(s.logger))

	s.engine.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "healthy"})
	})
	if deps.Metrics != nil {
		s.engine.GET("/metrics", gin.WrapH(deps.Metrics.Handler()))
	}

	auth := middleware.AuthMiddleware(deps.AuthService)
	api := s.engine.Group(clientAPI)

	login := []gin.HandlerFunc{handlers.Auth.Login}
	claim := []gin.HandlerFunc{auth, handlers.Keys.Claim}
	if deps.Limiter != nil {
		login = []gin.HandlerFunc{middleware.LoginRateLimit(deps.Limiter), handlers.Auth.Login}
		claim = []gin.HandlerFunc{auth, middleware.ClaimRateLimit(deps.Limiter), handlers.Keys.Claim}
	}
	api.POST("/login", login...)
	api.POST("/logout", auth, handlers.Auth.Logout)

	keys := api.Group("/keys")
	{
		keys.POST("/upload", auth, handlers.Keys.Upload)
		keys.POST("/query", auth, handlers.Keys.Query)
		keys.POST("/claim", claim...)
		keys.POST("/device_signing/upload", auth, handlers.Keys.UploadSigningKeys)
		keys.POST("/signatures/upload", auth, handlers.Keys.UploadSignatures)
	}

	api.PUT("/sendToDevice/:eventType/:txnId", auth, handlers.Sync.SendToDevice)
	api.GET("/sync", auth, handlers.Sync.Sync)
}

func (s *Server) Start() error {
	go func() {
		s.logger.Logger.Info("starting homeserver", zap.String("port", s.config.AppPort), zap.String("server_name", s.config.ServerName))
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Logger.Error("listen failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGTERM, syscall.SIGINT)
	<-quit

	s.logger.Logger.Info("shutdown signal received, draining for 5 seconds")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.logger.Logger.Error("graceful shutdown failed", zap.Error(err))
		return err
	}
	s.logger.Logger.Info("homeserver stopped")
	return nil
}
