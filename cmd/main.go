package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"bybit-session-trader/internal/bot"
	"bybit-session-trader/internal/exchange"
	"bybit-session-trader/internal/notify"
	"bybit-session-trader/internal/service"
	"bybit-session-trader/internal/strategy"
)

func main() {
	cfg, err := service.LoadConfig("config")
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid config: %v", err)
	}

	service.InitLogger(cfg.Log)
	defer service.Logger.Sync()
	service.Logger.Info("Starting session trader",
		zap.String("environment", cfg.Exchange.Environment),
		zap.String("tpsl_policy", cfg.Trading.TPSLPolicy),
		zap.String("interval", cfg.Trading.Interval))

	policy, err := strategy.NewPolicy(&cfg.Trading)
	if err != nil {
		service.Logger.Fatal("Failed to build TP/SL policy", zap.Error(err))
	}
	scorer := strategy.NewScorer(&cfg.Strategy)

	client := exchange.NewClient(&cfg.Exchange, service.Logger)
	stream := exchange.NewPriceStream(cfg.Exchange.WSURL, client, nil, service.Logger)
	notifier := notify.NewTelegramNotifier(&cfg.Telegram, service.Logger)

	trader := bot.New(cfg, client, client, notifier, scorer, policy, stream, service.Logger)

	// SIGINT/SIGTERM 触发优雅停机
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		sig := <-sigCh
		service.Logger.Info("Shutdown signal received", zap.String("signal", sig.String()))
		cancel()
	}()

	go stream.Start(ctx)

	commands := notify.NewCommandHandler(&cfg.Telegram, trader, notifier, service.Logger)
	commands.Start(ctx)
	defer commands.Stop()

	if err := trader.Run(ctx); err != nil && ctx.Err() == nil {
		service.Logger.Fatal("Trader exited with error", zap.Error(err))
	}
	service.Logger.Info("Trader stopped")
}
