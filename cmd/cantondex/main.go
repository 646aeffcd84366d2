package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/cantondex/backend/internal/bookkeeper"
	"github.com/cantondex/backend/internal/config"
	"github.com/cantondex/backend/internal/database"
	"github.com/cantondex/backend/internal/marketdata"
	"github.com/cantondex/backend/internal/server"
	"github.com/cantondex/backend/internal/settlement"
	"github.com/cantondex/backend/internal/settlement/canton"
	"github.com/cantondex/backend/internal/trading"
	"github.com/cantondex/backend/internal/trading/orderbook"
	"github.com/cantondex/backend/pkg/logger"
)

func main() {
	// Optional; real deployments set environment variables directly.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync() //nolint:errcheck

	if err := run(cfg, log); err != nil {
		log.Fatal("service exited", zap.Error(err))
	}
}

func run(cfg *config.Config, log *zap.Logger) error {
	db, err := database.Open(cfg.Database.Driver, cfg.Database.DSN,
		cfg.Database.MaxOpenConns, cfg.Database.MaxIdleConns, cfg.Database.ConnMaxLifetime)
	if err != nil {
		return err
	}
	if err := database.Migrate(db); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}

	books := bookkeeper.NewService(log, db, cfg.Trading.Assets)
	repo := trading.NewRepository(db)
	index := orderbook.NewManager(cfg.Trading.Pairs)
	risk, err := trading.NewLimitRiskService(cfg.Trading.MaxOrderQuantity, cfg.Trading.MaxOrderNotional)
	if err != nil {
		return err
	}
	tradingSvc := trading.NewService(log, db, repo, books, index, risk, cfg.Trading.Pairs)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := tradingSvc.RebuildIndex(ctx); err != nil {
		return err
	}

	cache := marketdata.NewCache(log, cfg.Redis.Addr, cfg.Redis.DB)
	defer cache.Close() //nolint:errcheck
	markets := marketdata.NewAggregator(log, db, repo, index, cache, cfg.Trading.Pairs)

	var sink trading.TradeSink
	if cfg.Kafka.Enabled {
		publisher := marketdata.NewTradePublisher(log, cfg.Kafka.Brokers, cfg.Kafka.Topic)
		defer publisher.Close() //nolint:errcheck
		sink = publisher
	}

	executor := trading.NewExecutor(log, db, books)
	engine := trading.NewEngine(log, repo, executor, index, markets, sink, cfg.Trading.MatchInterval)
	engine.Start(ctx)
	defer engine.Stop()

	ledger := canton.NewClient(log, cfg.Canton.BaseURL, cfg.Canton.Timeout)
	if !ledger.Healthy(ctx) {
		log.Warn("canton ledger api unreachable at startup",
			zap.String("base_url", cfg.Canton.BaseURL))
	}
	coordinator := settlement.NewCoordinator(log, db, ledger,
		cfg.Canton.MaxRetries, cfg.Canton.RetryBaseBackoff,
		cfg.Canton.SecuritiesIssuer, cfg.Canton.CashProvider)
	coordinator.StartRetryWorker(ctx, cfg.Canton.RetryBaseBackoff)
	defer coordinator.StopRetryWorker()

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := server.New(log, addr, engine, books, tradingSvc, markets, coordinator, repo)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Info("shutting down", zap.String("signal", sig.String()))
	case err := <-errCh:
		return err
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}
