// Package main запускает HTTP-сервер магазина.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mmeshcher/streamshop/internal/cache"
	"github.com/mmeshcher/streamshop/internal/catalog"
	"github.com/mmeshcher/streamshop/internal/config"
	"github.com/mmeshcher/streamshop/internal/events"
	"github.com/mmeshcher/streamshop/internal/gate"
	"github.com/mmeshcher/streamshop/internal/handler"
	"github.com/mmeshcher/streamshop/internal/metrics"
	"github.com/mmeshcher/streamshop/internal/middleware"
	"github.com/mmeshcher/streamshop/internal/repository"
	"github.com/mmeshcher/streamshop/internal/service"
)

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	sugar := logger.Sugar()

	cfg, err := config.Parse()
	if err != nil {
		sugar.Fatalw("configuration error", "error", err.Error())
	}

	var store repository.Store
	if cfg.DatabaseURI != "" {
		store, err = repository.NewPostgresRepository(cfg.DatabaseURI)
		if err != nil {
			sugar.Fatalw("database initialization error", "error", err.Error())
		}
	} else {
		sugar.Warn("DATABASE_URI is empty, using in-memory storage")
		store = repository.NewMemoryRepository()
	}

	var productCache cache.Cache = cache.Nop{}
	if cfg.RedisAddress != "" {
		initCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		rc, err := cache.NewRedisCache(initCtx, cfg.RedisAddress)
		cancel()
		if err != nil {
			sugar.Fatalw("redis initialization error", "error", err.Error())
		}
		defer rc.Close()
		productCache = rc
	}

	var publisher events.Publisher = events.Nop{}
	if cfg.AMQPURL != "" {
		p, err := events.NewAMQPPublisher(cfg.AMQPURL, 5, 2*time.Second)
		if err != nil {
			sugar.Fatalw("amqp initialization error", "error", err.Error())
		}
		defer p.Close()
		publisher = p
	}

	var blockGate gate.Gate
	if cfg.BlockServiceAddress != "" {
		blockGate = gate.NewClient(cfg.BlockServiceAddress)
	}

	svc := service.NewService(service.Deps{
		Store:   store,
		Catalog: catalog.New(store, productCache, cfg.ProductCacheTTL, nil, logger),
		Gate:    blockGate,
		Events:  publisher,
		Metrics: metrics.New(prometheus.DefaultRegisterer),
		Logger:  logger,
	})
	defer svc.Close()

	if cfg.JWTSecret == "" {
		sugar.Warn("JWT_SECRET is empty, tokens issued elsewhere will be rejected")
	}
	authMiddleware := middleware.NewAuthMiddleware(cfg.JWTSecret)
	limiter := middleware.NewRateLimiter(cfg.PurchaseRateLimit, int(cfg.PurchaseRateLimit), logger)
	h := handler.NewHandler(svc, logger, authMiddleware, limiter)

	r := h.SetupRouter()

	server := &http.Server{
		Addr:              cfg.RunAddress,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	// Запуск HTTP-сервера
	g.Go(func() error {
		sugar.Infow("starting streamshop server",
			"addr", cfg.RunAddress,
			"postgres", cfg.DatabaseURI != "",
			"redis", cfg.RedisAddress != "",
			"amqp", cfg.AMQPURL != "",
			"block_service", cfg.BlockServiceAddress != "",
		)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	// Graceful shutdown при отмене контекста (сигнал или ошибка в другой горутине)
	g.Go(func() error {
		<-ctx.Done()
		sugar.Info("shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown error: %w", err)
		}
		sugar.Info("server stopped gracefully")
		return nil
	})

	if err := g.Wait(); err != nil {
		sugar.Fatalw("application terminated with error", "error", err)
	}
}
