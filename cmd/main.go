// Command tradebridge runs the trading backend-for-frontend: broker
// account linking, per-user session caching, market data, option buys and
// the vision-driven automation loop.
//
// Usage:
//
//	tradebridge --config config.yaml
//
// Required environment variables:
//
//	VISION_API_KEY  key for the vision model API
package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"tradebridge/config"
	"tradebridge/internal/broker"
	"tradebridge/internal/services/automator"
	"tradebridge/internal/services/buy"
	"tradebridge/internal/services/marketdata"
	"tradebridge/internal/services/orchestrator"
	"tradebridge/internal/services/session"
	"tradebridge/internal/services/stream"
	"tradebridge/internal/services/vision"
	"tradebridge/internal/storage/images"
	"tradebridge/internal/storage/journal"
	"tradebridge/internal/storage/users"
	"tradebridge/internal/web"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.Get()
	if err != nil {
		log.Fatal(err)
	}

	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatal(err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	userStore, err := users.NewStore(cfg.Database.DSN)
	if err != nil {
		logger.Fatal("open user store", zap.Error(err))
	}

	imageStore, err := images.NewStore(cfg.Images.Dir, cfg.Images.BaseURL)
	if err != nil {
		logger.Fatal("open image store", zap.Error(err))
	}

	journalStore, err := journal.NewWALStore(cfg.JournalDir)
	if err != nil {
		logger.Fatal("open automation journal", zap.Error(err))
	}
	defer journalStore.Close()

	gateway := broker.NewGateway(cfg.Broker.RegisterURL, cfg.Broker.LoginURL, cfg.Broker.Affiliate, logger)
	sessions := session.NewRegistry(userStore, broker.NewWSDialer(logger), cfg.Broker.WSURL, cfg.Broker.AppID, logger)

	market := marketdata.NewService(sessions, logger)
	streams := stream.NewService(sessions, logger)
	buyer := buy.NewExecutor(sessions, logger)
	visionClient := vision.NewClient(cfg.Vision.BaseURL, cfg.Vision.APIKey, cfg.Vision.Model, logger)
	auto := automator.New(visionClient, buyer, journalStore, logger)
	orch := orchestrator.New(imageStore, auto, logger)

	server := web.NewServer(cfg.ListenAddr, gateway, userStore, market, streams, buyer, orch,
		journalStore, imageStore.Dir(), logger)

	if err := server.Start(ctx); err != nil {
		logger.Fatal("http server failed", zap.Error(err))
	}
	logger.Info("shutdown complete")
}
