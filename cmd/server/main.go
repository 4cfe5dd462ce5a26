package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/kiwari-pos/queue/internal/config"
	"github.com/kiwari-pos/queue/internal/database"
	"github.com/kiwari-pos/queue/internal/events"
	"github.com/kiwari-pos/queue/internal/logging"
	"github.com/kiwari-pos/queue/internal/notify"
	"github.com/kiwari-pos/queue/internal/router"
	"github.com/kiwari-pos/queue/internal/service"
	"github.com/kiwari-pos/queue/internal/ws"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.New(cfg.LogLevel, cfg.LogEncoding)
	if err != nil {
		fmt.Fprintf(os.Stderr, "create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync() //nolint:errcheck

	if err := run(cfg, logger); err != nil {
		logger.Fatal("server stopped", zap.Error(err))
	}
	logger.Info("server stopped")
}

func run(cfg *config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}
	defer pool.Close()
	if err := pool.Ping(ctx); err != nil {
		return fmt.Errorf("ping database: %w", err)
	}
	logger.Info("database connected")

	// The hub outlives the HTTP server so in-flight cascades can still publish
	// while connections drain.
	hubCtx, stopHub := context.WithCancel(context.Background())
	defer stopHub()
	hub := ws.NewHub(logger.Named("ws"))
	go hub.Run(hubCtx)

	var publisher events.Publisher = hub
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("parse redis url: %w", err)
		}
		rdb := redis.NewClient(opts)
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("ping redis: %w", err)
		}

		relay := events.NewRedisRelay(rdb, cfg.EventsChannel, hub, logger.Named("relay"))
		go func() {
			if err := relay.Run(hubCtx); err != nil {
				logger.Error("event relay stopped", zap.Error(err))
			}
		}()
		publisher = relay
		logger.Info("event relay enabled", zap.String("channel", cfg.EventsChannel))
	}

	var dispatcher notify.Dispatcher = notify.NewLogDispatcher(logger.Named("notify"))
	if cfg.AMQPURL != "" {
		conn, err := amqp.Dial(cfg.AMQPURL)
		if err != nil {
			return fmt.Errorf("connect to amqp: %w", err)
		}
		defer conn.Close()
		dispatcher = notify.NewAMQPDispatcher(conn, cfg.NotifyExchange)
		logger.Info("notifications enabled", zap.String("exchange", cfg.NotifyExchange))
	}

	newOrderStore := func(db database.DBTX) service.OrderStore {
		return database.New(db)
	}
	svc := service.NewOrderService(pool, newOrderStore, publisher, dispatcher, logger.Named("orders"),
		service.WithDispatchTimeout(cfg.DispatchTimeout))

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router.New(cfg, svc, hub, logger),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("starting server", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("received shutdown signal")
	case err := <-serverErr:
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown", zap.Error(err))
	}
	if err := svc.Wait(shutdownCtx); err != nil {
		logger.Warn("notification dispatches still in flight at shutdown", zap.Error(err))
	}
	return nil
}
