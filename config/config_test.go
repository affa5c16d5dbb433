package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"upcycle/internal/domain"
)

const sampleYaml = `
platform: binance
listen_addr: ":9090"
tick_interval: 15s
storage: sqlite
sqlite_path: /tmp/cycles.db
discord_webhook_url: https://discord.com/api/webhooks/x/y
markets:
  - market: BTCUSDT
    autostart: true
    initial_investment: "1000"
    drop_threshold_rate: "0.02"
    target_profit_rate: "0.03"
    max_rounds: 10
    stop_loss_rate: "0.1"
    buy_multiplier: "1.5"
    min_buy_interval: 10m
  - market: ETHUSDT
    initial_investment: "500"
    drop_threshold_rate: "0.05"
    target_profit_rate: "0.04"
    max_rounds: 5
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestGetPathParsesFullConfig(t *testing.T) {
	cfg, err := GetPath(writeConfig(t, sampleYaml))
	require.NoError(t, err)

	require.Equal(t, "binance", cfg.Platform)
	require.Equal(t, ":9090", cfg.ListenAddr)
	require.Equal(t, 15*time.Second, cfg.TickInterval)
	require.Equal(t, StorageSQLite, cfg.Storage)
	require.Len(t, cfg.Markets, 2)

	btc := cfg.Markets[0]
	require.Equal(t, "BTCUSDT", btc.Market)
	require.True(t, btc.Autostart)
	require.True(t, btc.Strategy.InitialInvestment.Equal(decimal.NewFromInt(1000)))
	require.True(t, btc.Strategy.BuyMultiplier.Equal(decimal.RequireFromString("1.5")))
	require.Equal(t, 10*time.Minute, btc.Strategy.MinBuyInterval)

	eth := cfg.Markets[1]
	require.False(t, eth.Autostart)
	require.True(t, eth.Strategy.BuyMultiplier.Equal(decimal.NewFromInt(1)), "multiplier defaults to 1")
	require.Equal(t, domain.MaxRoundsHold, eth.Strategy.OnMaxRoundsExhausted)
}

func TestGetPathDefaults(t *testing.T) {
	cfg, err := GetPath(writeConfig(t, "platform: simulate\n"))
	require.NoError(t, err)

	require.Equal(t, ":8080", cfg.ListenAddr)
	require.Equal(t, 30*time.Second, cfg.TickInterval)
	require.Equal(t, StorageWAL, cfg.Storage)
	require.Empty(t, cfg.Markets)
}

func TestGetPathRejectsBadConfig(t *testing.T) {
	cases := []struct {
		name string
		yaml string
	}{
		{"missing platform", "listen_addr: ':8080'\n"},
		{"unknown platform", "platform: kraken\n"},
		{"unknown storage", "platform: binance\nstorage: etcd\n"},
		{"bad decimal", `
platform: binance
markets:
  - market: BTCUSDT
    initial_investment: "lots"
    drop_threshold_rate: "0.02"
    target_profit_rate: "0.03"
    max_rounds: 10
`},
		{"invalid strategy", `
platform: binance
markets:
  - market: BTCUSDT
    initial_investment: "1000"
    drop_threshold_rate: "0.02"
    target_profit_rate: "0.03"
    max_rounds: 0
`},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := GetPath(writeConfig(t, tc.yaml))
			require.Error(t, err)
		})
	}
}
