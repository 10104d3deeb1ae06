// Package main запускает HTTP-сервер сервиса синхронизации заказов.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mmeshcher/ordersync/internal/checkout"
	"github.com/mmeshcher/ordersync/internal/config"
	"github.com/mmeshcher/ordersync/internal/gateway"
	"github.com/mmeshcher/ordersync/internal/handler"
	"github.com/mmeshcher/ordersync/internal/middleware"
	"github.com/mmeshcher/ordersync/internal/notify"
	"github.com/mmeshcher/ordersync/internal/poller"
	"github.com/mmeshcher/ordersync/internal/realtime"
	"github.com/mmeshcher/ordersync/internal/repository"
	"github.com/mmeshcher/ordersync/internal/service"
)

type viewStore interface {
	service.Store
	Close() error
}

func newLogger(level string) (*zap.Logger, error) {
	if level == "debug" {
		return zap.NewDevelopment()
	}
	cfg := zap.NewProductionConfig()
	if err := cfg.Level.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("parse log level: %w", err)
	}
	return cfg.Build()
}

func main() {
	cfg, err := config.Parse()
	if err != nil {
		fallback, _ := zap.NewProduction()
		fallback.Sugar().Fatalw("configuration error", "error", err.Error())
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		logger, _ = zap.NewProduction()
		logger.Warn("invalid log level, using info", zap.String("level", cfg.LogLevel))
	}
	defer logger.Sync()

	sugar := logger.Sugar()

	var store viewStore
	if cfg.DatabaseURI != "" {
		repo, err := repository.NewPostgresRepository(cfg.DatabaseURI)
		if err != nil {
			sugar.Fatalw("database initialization error", "error", err.Error())
		}
		store = repo
	} else {
		sugar.Warn("DATABASE_URI is not set, order views are kept in memory")
		store = repository.NewMemoryRepository()
	}
	defer store.Close()

	api := gateway.NewClient(cfg.OrderAPIAddress, gateway.Options{
		Token:    cfg.OrderAPIToken,
		RetryMax: cfg.HTTPRetryMax,
		Logger:   logger.Named("gateway"),
	})

	widget := checkout.NewAdapter(checkout.NewScriptLoader(cfg.GatewayScriptURL), cfg.GatewayScriptURL, logger.Named("checkout"))

	pollOpts := poller.Options{Interval: cfg.PollInterval, Timeout: cfg.PollTimeout}
	pollers := poller.New(api, pollOpts, logger.Named("poller"))

	deps := service.Deps{
		API:     api,
		Widget:  widget,
		Pollers: pollers,
		Store:   store,
	}

	if cfg.PushSocketURL != "" {
		rtLogger := logger.Named("realtime")
		deps.Dial = func(ctx context.Context, orderID string) service.Subscription {
			return realtime.Dial(ctx, cfg.PushSocketURL, orderID, realtime.Options{Logger: rtLogger})
		}
	} else {
		sugar.Warn("PUSH_SOCKET_URL is not set, order updates rely on polling only")
	}

	var publisher *notify.KafkaPublisher
	if len(cfg.KafkaBrokers) > 0 {
		publisher, err = notify.NewKafkaPublisher(notify.KafkaOptions{
			Brokers:  cfg.KafkaBrokers,
			Topic:    cfg.KafkaTopic,
			Username: cfg.KafkaUsername,
			Password: cfg.KafkaPassword,
			Logger:   logger.Named("kafka"),
		})
		if err != nil {
			sugar.Fatalw("kafka initialization error", "error", err.Error())
		}
		deps.Publisher = publisher
	}

	svc := service.NewService(deps, service.Options{
		Poll:   pollOpts,
		Logger: logger.Named("service"),
	})

	if cfg.AuthSecret == "" {
		sugar.Warn("AUTH_SECRET is not set, customer cookies will not survive a restart")
	}
	authMiddleware := middleware.NewAuthMiddleware(cfg.AuthSecret)
	h := handler.NewHandler(svc, logger, authMiddleware)

	r := h.SetupRouter()

	server := &http.Server{
		Addr:    cfg.RunAddress,
		Handler: r,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	// Запуск HTTP-сервера
	g.Go(func() error {
		sugar.Infow("starting ordersync server", "addr", cfg.RunAddress)
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

		// Сессии размонтируются до остановки публикации: последние снимки ещё уходят в Kafka.
		if err := svc.Close(); err != nil {
			sugar.Warnw("service close error", "error", err)
		}
		if publisher != nil {
			if err := publisher.Close(shutdownCtx); err != nil {
				sugar.Warnw("kafka flush error", "error", err)
			}
		}
		sugar.Info("server stopped gracefully")
		return nil
	})

	if err := g.Wait(); err != nil {
		sugar.Fatalw("application terminated with error", "error", err)
	}
}
