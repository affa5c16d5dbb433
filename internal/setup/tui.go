package setup

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/charmbracelet/huh"
	"github.com/charmbracelet/lipgloss"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"upcycle/config"
)

var (
	subtle    = lipgloss.AdaptiveColor{Light: "#D9DCCF", Dark: "#383838"}
	highlight = lipgloss.AdaptiveColor{Light: "#874BFD", Dark: "#7D56F4"}
	special   = lipgloss.AdaptiveColor{Light: "#43BF6D", Dark: "#73F59F"}

	headerStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("205")).
			Background(highlight).
			Padding(1, 2).
			Bold(true).
			MarginBottom(1)

	stepStyle = lipgloss.NewStyle().
			Foreground(special).
			Bold(true).
			MarginTop(1).
			MarginBottom(0)
)

// RunTUI launches the terminal configuration wizard and writes a starter
// config for one market.
func RunTUI() error {
	var (
		platform        string
		market          string
		storage         string
		tickIntervalStr string
		investmentStr   string
		dropStr         string
		targetStr       string
		maxRoundsStr    string
		stopLossStr     string
		multiplierStr   string
		webhookURL      string
		autostart       bool
		confirm         bool
	)

	// defaults
	tickIntervalStr = "30s"
	investmentStr = "100"
	dropStr = "0.02"
	targetStr = "0.03"
	maxRoundsStr = "10"
	stopLossStr = "0.1"
	multiplierStr = "1"

	fmt.Print("\033[H\033[2J")
	fmt.Println(headerStyle.Render("UPCYCLE CONFIG WIZARD"))
	fmt.Println(lipgloss.NewStyle().Foreground(subtle).Render("Set up your first trading cycle.\n"))

	fmt.Println(stepStyle.Render("STEP 1: PLATFORM"))
	err := huh.NewForm(
		huh.NewGroup(
			huh.NewSelect[string]().
				Title("Select Exchange Platform").
				Options(
					huh.NewOption("Binance", "binance"),
					huh.NewOption("Bybit", "bybit"),
					huh.NewOption("Simulation", "simulate"),
				).
				Value(&platform),
		),
	).Run()
	if err != nil {
		return err
	}

	fmt.Print("\033[H\033[2J")
	fmt.Println(headerStyle.Render("UPCYCLE CONFIG WIZARD"))
	fmt.Println(stepStyle.Render("STEP 2: MARKET"))
	err = huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Market").
				Description("Exchange symbol (e.g. BTCUSDT)").
				Value(&market).
				Validate(func(s string) error {
					if s == "" {
						return fmt.Errorf("market cannot be empty")
					}
					return nil
				}),
			huh.NewConfirm().
				Title("Start the cycle automatically on boot?").
				Value(&autostart),
		),
	).Run()
	if err != nil {
		return err
	}

	fmt.Print("\033[H\033[2J")
	fmt.Println(headerStyle.Render("UPCYCLE CONFIG WIZARD"))
	fmt.Println(stepStyle.Render("STEP 3: STRATEGY"))
	err = huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Initial Investment").
				Description("Quote amount for the first buy (e.g. 100)").
				Value(&investmentStr).
				Validate(validatePositiveDecimal),
			huh.NewInput().
				Title("Drop Threshold").
				Description("Fractional dip that triggers a buy (e.g. 0.02 = 2%)").
				Value(&dropStr).
				Validate(validateRate),
			huh.NewInput().
				Title("Target Profit").
				Description("Fractional gain that liquidates (e.g. 0.03 = 3%)").
				Value(&targetStr).
				Validate(validatePositiveDecimal),
			huh.NewInput().
				Title("Max Rounds").
				Description("Maximum number of buy rounds (e.g. 10)").
				Value(&maxRoundsStr).
				Validate(func(s string) error {
					n, err := strconv.Atoi(s)
					if err != nil || n < 1 {
						return fmt.Errorf("must be a positive integer")
					}
					return nil
				}),
			huh.NewInput().
				Title("Stop Loss").
				Description("Fractional loss that liquidates, 0 disables (e.g. 0.1)").
				Value(&stopLossStr),
			huh.NewInput().
				Title("Buy Multiplier").
				Description("Scale of each buy vs the previous one (1 = flat)").
				Value(&multiplierStr),
		),
	).Run()
	if err != nil {
		return err
	}

	fmt.Print("\033[H\033[2J")
	fmt.Println(headerStyle.Render("UPCYCLE CONFIG WIZARD"))
	fmt.Println(stepStyle.Render("STEP 4: ENGINE"))
	err = huh.NewForm(
		huh.NewGroup(
			huh.NewSelect[string]().
				Title("Cycle Storage").
				Options(
					huh.NewOption("Write-ahead log (wal)", config.StorageWAL),
					huh.NewOption("SQLite", config.StorageSQLite),
				).
				Value(&storage),
			huh.NewInput().
				Title("Tick Interval").
				Description("Duration string (e.g. 30s, 1m)").
				Value(&tickIntervalStr).
				Validate(func(s string) error {
					_, err := time.ParseDuration(s)
					return err
				}),
			huh.NewInput().
				Title("Discord Webhook URL").
				Description("Optional, leave empty to disable notifications").
				Value(&webhookURL),
		),
	).Run()
	if err != nil {
		return err
	}

	fmt.Print("\033[H\033[2J")
	fmt.Println(headerStyle.Render("UPCYCLE CONFIG WIZARD"))
	fmt.Println(stepStyle.Render("FINAL CONFIRMATION"))

	summary := fmt.Sprintf(
		"Platform: %s\nMarket: %s\nInvestment: %s\nDrop: %s  Target: %s\nRounds: %s  Stop loss: %s\nStorage: %s  Tick: %s\n",
		platform, market, investmentStr, dropStr, targetStr, maxRoundsStr, stopLossStr, storage, tickIntervalStr,
	)
	fmt.Println(lipgloss.NewStyle().Border(lipgloss.NormalBorder()).Padding(1).Render(summary))

	err = huh.NewForm(
		huh.NewGroup(
			huh.NewConfirm().
				Title("Save Configuration?").
				Affirmative("Yes, save and start").
				Negative("No, exit").
				Value(&confirm),
		),
	).Run()
	if err != nil {
		return err
	}
	if !confirm {
		return fmt.Errorf("setup cancelled by user")
	}

	tickInterval, _ := time.ParseDuration(tickIntervalStr)
	maxRounds, _ := strconv.Atoi(maxRoundsStr)

	cfgTmp := config.ConfigTmp{
		Platform:          platform,
		TickInterval:      tickInterval,
		Storage:           storage,
		DiscordWebhookURL: webhookURL,
		Markets: []config.MarketTmp{{
			Market:            market,
			Autostart:         autostart,
			InitialInvestment: investmentStr,
			DropThresholdRate: dropStr,
			TargetProfitRate:  targetStr,
			MaxRounds:         maxRounds,
			StopLossRate:      stopLossStr,
			BuyMultiplier:     multiplierStr,
		}},
	}

	data, err := yaml.Marshal(cfgTmp)
	if err != nil {
		return fmt.Errorf("failed to generate yaml: %w", err)
	}

	filename := "config.gen.yaml"
	if err := os.WriteFile(filename, data, 0644); err != nil {
		return fmt.Errorf("failed to save config file: %w", err)
	}

	fmt.Println(lipgloss.NewStyle().Foreground(special).Render(fmt.Sprintf("\n✓ Configuration saved to %s\nStarting engine...", filename)))
	time.Sleep(1500 * time.Millisecond)
	return nil
}

func validatePositiveDecimal(s string) error {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return fmt.Errorf("must be a valid number")
	}
	if d.LessThanOrEqual(decimal.Zero) {
		return fmt.Errorf("must be positive")
	}
	return nil
}

func validateRate(s string) error {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return fmt.Errorf("must be a valid number")
	}
	if d.LessThanOrEqual(decimal.Zero) || d.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return fmt.Errorf("must be between 0 and 1")
	}
	return nil
}
