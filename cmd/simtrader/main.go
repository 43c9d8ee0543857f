package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"simtrader/config"
	"simtrader/logger"

	"go.uber.org/zap"
)

func main() {
	// viper config
	cfg := config.Load()

	// zap logger
	log, err := logger.New(cfg.Log)
	if err != nil {
		panic("failed to create logger: " + err.Error())
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := NewApp(cfg, log)
	if err != nil {
		log.Fatal("startup failed", zap.Error(err))
	}
	defer app.Close()

	log.Info("simtrader started",
		zap.String("symbol", cfg.Engine.Symbol),
		zap.String("order_store", cfg.OrderStore.Backend),
		zap.String("market", cfg.Market.Source))

	app.Run(ctx, os.Stdin, os.Stdout)

	log.Info("simtrader stopped")
}
