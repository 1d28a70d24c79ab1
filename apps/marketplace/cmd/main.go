package main

import (
	"context"
	"database/sql"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"go.uber.org/zap"
	"evrmarket/apps/marketplace/internal/api"
	"evrmarket/apps/marketplace/internal/chain"
	"evrmarket/apps/marketplace/internal/config"
	"evrmarket/apps/marketplace/internal/event_publisher"
	"evrmarket/apps/marketplace/internal/fulfill"
	"evrmarket/apps/marketplace/internal/holds"
	"evrmarket/apps/marketplace/internal/ingest"
	"evrmarket/apps/marketplace/internal/market"
	"evrmarket/apps/marketplace/internal/monitor"
	"evrmarket/apps/marketplace/internal/repository"
)

func main() {
	// Initialize zap logger
	logger, err := zap.NewProduction()
	if err != nil {
		panic("Failed to initialize logger: " + err.Error())
	}
	defer logger.Sync()

	// Load configuration from environment variables
	cfg := config.NewConfig()

	logger.Info("Starting application with configuration",
		zap.String("rpc_url", cfg.RPCURL),
		zap.String("zmq_addr", cfg.ZMQAddr),
		zap.String("db_url", cfg.DbURL),
		zap.String("kafka_broker", cfg.KafkaBroker),
		zap.String("kafka_topic", cfg.KafkaTopic),
		zap.Int64("finality_depth", cfg.FinalityDepth),
		zap.Float64("fee_percent", cfg.FeePercent),
		zap.Int("api_port", cfg.APIPort),
	)

	// Connect to database
	db, err := sql.Open("postgres", cfg.DbURL)
	if err != nil {
		logger.Fatal("Failed to connect to database", zap.Error(err))
	}

	// Initialize database tables
	if err := repository.InitMigration(db); err != nil {
		logger.Fatal("Failed to initialize database", zap.Error(err))
	}

	marketStore := repository.NewMarketStore(db, logger)

	// Connect to the node
	node, err := chain.Connect(cfg.RPCURL, cfg.RPCUser, cfg.RPCPass, logger)
	if err != nil {
		logger.Fatal("Failed to connect to node", zap.Error(err))
	}
	defer node.Shutdown()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Create event publisher
	eventPublisher, err := event_publisher.NewEventPublisher(
		cfg.KafkaBroker, cfg.KafkaTopic, cfg.OutboxPublishInterval, marketStore, logger)
	if err != nil {
		logger.Fatal("Failed to create event publisher", zap.Error(err))
	}
	defer eventPublisher.Close()
	go eventPublisher.StartPublishing()

	// Transaction monitor: subscribe to live notifications first, then
	// backfill to the tip, so blocks mined during the catch-up walk
	// arrive over the live feed instead of falling into a gap.
	processor := monitor.NewProcessor(node, marketStore, cfg.FinalityDepth, logger)
	backfill := ingest.NewBackfill(node, marketStore, processor, cfg.BackfillStartHeight, logger)
	subscriber := ingest.NewSubscriber(cfg.ZMQAddr, processor, logger)
	go func() {
		if err := subscriber.Run(ctx); err != nil && ctx.Err() == nil {
			logger.Fatal("Notification subscriber failed", zap.Error(err))
		}
	}()
	go func() {
		select {
		case <-subscriber.Ready():
		case <-ctx.Done():
			return
		}
		if err := backfill.Run(ctx); err != nil && ctx.Err() == nil {
			logger.Fatal("Backfill failed", zap.Error(err))
		}
	}()

	// Hold expiry and order fulfillment sweeps
	holdSweeper := holds.NewSweeper(marketStore, cfg.HoldSweepInterval, logger)
	go holdSweeper.Run(ctx)

	engine := fulfill.NewEngine(marketStore, node, cfg.FeeAddress,
		cfg.FulfillSweepInterval, cfg.FulfillWorkers, logger)
	go engine.Run(ctx)

	// Create and start API server
	service := market.NewService(marketStore, node, cfg.FeePercent, cfg.HoldTTL, logger)
	apiServer := api.NewServer(cfg.APIPort, service, logger)
	go func() {
		if err := apiServer.Start(); err != nil {
			logger.Fatal("API server failed", zap.Error(err))
		}
	}()

	// Set up signal handling for graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	<-sigChan
	logger.Info("Received shutdown signal, starting graceful shutdown...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := apiServer.Stop(shutdownCtx); err != nil {
		logger.Error("Error shutting down API server", zap.Error(err))
	}

	logger.Info("Application shutdown complete")
}
