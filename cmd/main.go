// Command upcycle runs the trading cycle engine: a scheduler that drives
// staged dip-buying cycles per market and liquidates them at the configured
// profit or loss bounds.
//
// Usage:
//
//	upcycle --config config.yaml
//	upcycle (launches the setup wizard when no config exists)
//
// Required environment variables:
//
//	For Binance: BINANCE_API_KEY, BINANCE_API_SECRET
//	For Bybit: BYBIT_API_KEY, BYBIT_API_SECRET
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"upcycle/config"
	"upcycle/internal/clients"
	"upcycle/internal/domain"
	"upcycle/internal/notifier"
	"upcycle/internal/services/gateway"
	"upcycle/internal/services/orchestrator"
	"upcycle/internal/services/pricer"
	"upcycle/internal/setup"
	"upcycle/internal/storage/cycles"
	"upcycle/internal/web"
)

func main() {
	cfg, found, err := config.Get()
	if err != nil {
		log.Fatal(err)
	}
	if !found {
		if err := setup.RunTUI(); err != nil {
			log.Fatal(err)
		}
		cfg, err = config.GetPath("config.gen.yaml")
		if err != nil {
			log.Fatal(err)
		}
	}

	logger, _ := zap.NewProduction()
	defer logger.Sync()

	if err := run(cfg, logger); err != nil && !errors.Is(err, context.Canceled) {
		logger.Fatal("engine stopped", zap.Error(err))
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, closeStore, err := buildStore(cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	p, gw, err := buildPlatform(cfg, logger)
	if err != nil {
		return err
	}

	sinks := notifier.Fanout{notifier.NewZapNotifier(logger)}
	if cfg.DiscordWebhookURL != "" {
		sinks = append(sinks, notifier.NewDiscordNotifier(cfg.DiscordWebhookURL))
	}

	orch := orchestrator.New(store, p, gw, sinks, logger,
		orchestrator.WithTickInterval(cfg.TickInterval))

	autostart(ctx, orch, cfg, logger)

	server := web.NewServer(cfg.ListenAddr, orch, logger)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return orch.Run(ctx)
	})
	g.Go(func() error {
		logger.Info("command API listening", zap.String("addr", cfg.ListenAddr))
		return server.Start(ctx)
	})

	return g.Wait()
}

func buildStore(cfg *config.Config, logger *zap.Logger) (cycles.Store, func(), error) {
	switch cfg.Storage {
	case config.StorageSQLite:
		s, err := cycles.NewSQLiteStore(cfg.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		cached := cycles.NewCachedStore(s, cycles.NewMemoryCache(), logger)
		return cached, func() { s.Close() }, nil
	default:
		s, err := cycles.NewWALStore(cfg.WALDir, logger)
		if err != nil {
			return nil, nil, err
		}
		cached := cycles.NewCachedStore(s, cycles.NewMemoryCache(), logger)
		return cached, func() { s.Close() }, nil
	}
}

func buildPlatform(cfg *config.Config, logger *zap.Logger) (pricer.Pricer, gateway.Gateway, error) {
	switch cfg.Platform {
	case "binance":
		apiKey := os.Getenv("BINANCE_API_KEY")
		apiSecret := os.Getenv("BINANCE_API_SECRET")
		if apiKey == "" || apiSecret == "" {
			return nil, nil, errors.New("BINANCE_API_KEY and BINANCE_API_SECRET environment variables must be set")
		}
		client := clients.NewBinanceClient(apiKey, apiSecret)
		return pricer.NewBinancePricer(client), gateway.NewBinanceGateway(client), nil
	case "bybit":
		apiKey := os.Getenv("BYBIT_API_KEY")
		apiSecret := os.Getenv("BYBIT_API_SECRET")
		if apiKey == "" || apiSecret == "" {
			return nil, nil, errors.New("BYBIT_API_KEY and BYBIT_API_SECRET environment variables must be set")
		}
		client := clients.NewBybitClient(apiKey, apiSecret)
		return pricer.NewBybitPricer(client), gateway.NewBybitGateway(client), nil
	case "simulate":
		// real prices, paper orders. API keys are optional for public endpoints.
		client := clients.NewBinanceClient(os.Getenv("BINANCE_API_KEY"), os.Getenv("BINANCE_API_SECRET"))
		p := pricer.NewSimulatePricer(client)
		return p, gateway.NewSimulateGateway(p, logger), nil
	default:
		return nil, nil, errors.Errorf("unsupported platform: %s", cfg.Platform)
	}
}

// autostart opens cycles for configured markets on boot. A market that
// already holds a running cycle is left alone.
func autostart(ctx context.Context, orch *orchestrator.Orchestrator, cfg *config.Config, logger *zap.Logger) {
	for _, m := range cfg.Markets {
		if !m.Autostart {
			continue
		}
		if _, err := orch.StartCycle(ctx, m.Market, m.Strategy); err != nil {
			if errors.Is(err, domain.ErrAlreadyActive) {
				logger.Info("cycle already running, autostart skipped", zap.String("market", m.Market))
				continue
			}
			logger.Error("autostart failed", zap.Error(err), zap.String("market", m.Market))
			continue
		}
		logger.Info("cycle autostarted", zap.String("market", m.Market))
	}
}
