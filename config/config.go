package config

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"upcycle/internal/domain"
)

const (
	StorageWAL    = "wal"
	StorageSQLite = "sqlite"
)

type Config struct {
	Platform          string
	ListenAddr        string
	TickInterval      time.Duration
	Storage           string
	WALDir            string
	SQLitePath        string
	DiscordWebhookURL string
	Markets           []MarketConfig
}

// MarketConfig binds a market to its strategy. Autostart markets get a cycle
// started on boot if the market slot is free.
type MarketConfig struct {
	Market    string
	Autostart bool
	Strategy  domain.StrategyConfig
}

type ConfigTmp struct {
	Platform          string        `yaml:"platform"`
	ListenAddr        string        `yaml:"listen_addr,omitempty"`
	TickInterval      time.Duration `yaml:"tick_interval,omitempty"`
	Storage           string        `yaml:"storage,omitempty"`
	WALDir            string        `yaml:"wal_dir,omitempty"`
	SQLitePath        string        `yaml:"sqlite_path,omitempty"`
	DiscordWebhookURL string        `yaml:"discord_webhook_url,omitempty"`
	Markets           []MarketTmp   `yaml:"markets"`
}

type MarketTmp struct {
	Market               string        `yaml:"market"`
	Autostart            bool          `yaml:"autostart,omitempty"`
	InitialInvestment    string        `yaml:"initial_investment"`
	DropThresholdRate    string        `yaml:"drop_threshold_rate"`
	TargetProfitRate     string        `yaml:"target_profit_rate"`
	MaxRounds            int           `yaml:"max_rounds"`
	StopLossRate         string        `yaml:"stop_loss_rate,omitempty"`
	BuyMultiplier        string        `yaml:"buy_multiplier,omitempty"`
	MinBuyInterval       time.Duration `yaml:"min_buy_interval,omitempty"`
	OnMaxRoundsExhausted string        `yaml:"on_max_rounds_exhausted,omitempty"`
}

// Get loads the config from the path given by the -config flag. An empty
// flag means no config file exists yet; the caller decides what to do then.
func Get() (*Config, bool, error) {
	path := flag.String("config", "config.yaml", "path to yaml config")
	flag.Parse()

	if _, err := os.Stat(*path); os.IsNotExist(err) {
		return nil, false, nil
	}
	cfg, err := getYaml(*path)
	if err != nil {
		return nil, true, err
	}
	return cfg, true, nil
}

// GetPath loads the config from an explicit path, bypassing the flag. The
// setup wizard uses it after generating a starter config.
func GetPath(path string) (*Config, error) {
	return getYaml(path)
}

func getYaml(path string) (*Config, error) {
	f, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var tmp ConfigTmp
	if err := yaml.Unmarshal(f, &tmp); err != nil {
		return nil, err
	}

	cfg := &Config{
		Platform:          tmp.Platform,
		ListenAddr:        tmp.ListenAddr,
		TickInterval:      tmp.TickInterval,
		Storage:           tmp.Storage,
		WALDir:            tmp.WALDir,
		SQLitePath:        tmp.SQLitePath,
		DiscordWebhookURL: tmp.DiscordWebhookURL,
	}

	switch cfg.Platform {
	case "binance", "bybit", "simulate":
	case "":
		return nil, fmt.Errorf("missing 'platform' param in yaml config")
	default:
		return nil, fmt.Errorf("unknown 'platform' param in yaml config: %s", cfg.Platform)
	}

	if cfg.ListenAddr == "" {
		cfg.ListenAddr = ":8080"
	}
	if cfg.TickInterval == 0 {
		cfg.TickInterval = 30 * time.Second
	}
	switch cfg.Storage {
	case "":
		cfg.Storage = StorageWAL
	case StorageWAL, StorageSQLite:
	default:
		return nil, fmt.Errorf("unknown 'storage' param in yaml config: %s (expected wal or sqlite)", cfg.Storage)
	}
	if cfg.WALDir == "" {
		cfg.WALDir = "cycles_wal"
	}
	if cfg.SQLitePath == "" {
		cfg.SQLitePath = "cycles.db"
	}

	for _, m := range tmp.Markets {
		mc, err := parseMarket(m)
		if err != nil {
			return nil, err
		}
		cfg.Markets = append(cfg.Markets, mc)
	}

	return cfg, nil
}

func parseMarket(m MarketTmp) (MarketConfig, error) {
	if m.Market == "" {
		return MarketConfig{}, fmt.Errorf("missing 'market' param in yaml config")
	}

	var strat domain.StrategyConfig
	var err error

	strat.InitialInvestment, err = decimal.NewFromString(m.InitialInvestment)
	if err != nil {
		return MarketConfig{}, fmt.Errorf("incorrect 'initial_investment' param for %s (must be a decimal): %w", m.Market, err)
	}
	strat.DropThresholdRate, err = decimal.NewFromString(m.DropThresholdRate)
	if err != nil {
		return MarketConfig{}, fmt.Errorf("incorrect 'drop_threshold_rate' param for %s (must be a decimal): %w", m.Market, err)
	}
	strat.TargetProfitRate, err = decimal.NewFromString(m.TargetProfitRate)
	if err != nil {
		return MarketConfig{}, fmt.Errorf("incorrect 'target_profit_rate' param for %s (must be a decimal): %w", m.Market, err)
	}
	strat.MaxRounds = m.MaxRounds

	if m.StopLossRate != "" {
		strat.StopLossRate, err = decimal.NewFromString(m.StopLossRate)
		if err != nil {
			return MarketConfig{}, fmt.Errorf("incorrect 'stop_loss_rate' param for %s (must be a decimal): %w", m.Market, err)
		}
	}
	if m.BuyMultiplier != "" {
		strat.BuyMultiplier, err = decimal.NewFromString(m.BuyMultiplier)
		if err != nil {
			return MarketConfig{}, fmt.Errorf("incorrect 'buy_multiplier' param for %s (must be a decimal): %w", m.Market, err)
		}
	}
	strat.MinBuyInterval = m.MinBuyInterval
	strat.OnMaxRoundsExhausted = domain.MaxRoundsPolicy(m.OnMaxRoundsExhausted)

	if err := strat.Validate(); err != nil {
		return MarketConfig{}, fmt.Errorf("invalid strategy for %s: %w", m.Market, err)
	}

	return MarketConfig{
		Market:    m.Market,
		Autostart: m.Autostart,
		Strategy:  strat.Normalized(),
	}, nil
}
