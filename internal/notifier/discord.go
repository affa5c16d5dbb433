package notifier

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/pkg/errors"

	"upcycle/internal/domain"
)

const (
	discordTimeout = 10 * time.Second

	colorGreen  = 0x2ECC71
	colorRed    = 0xE74C3C
	colorOrange = 0xE67E22
	colorGray   = 0x95A5A6
)

// DiscordNotifier posts cycle events to a Discord webhook as embeds.
// An empty webhook URL disables it.
type DiscordNotifier struct {
	webhookURL string
	httpClient *http.Client
}

type discordMessage struct {
	Embeds []discordEmbed `json:"embeds,omitempty"`
}

type discordEmbed struct {
	Title       string `json:"title,omitempty"`
	Description string `json:"description,omitempty"`
	Timestamp   string `json:"timestamp,omitempty"`
	Color       int    `json:"color,omitempty"`
}

func NewDiscordNotifier(webhookURL string) *DiscordNotifier {
	return &DiscordNotifier{
		webhookURL: webhookURL,
		httpClient: &http.Client{Timeout: discordTimeout},
	}
}

func (n *DiscordNotifier) Publish(ctx context.Context, event domain.Event) error {
	if n.webhookURL == "" {
		return nil
	}

	msg := discordMessage{Embeds: []discordEmbed{{
		Title:       string(event.Kind) + " " + event.Market,
		Description: event.Summary,
		Timestamp:   event.At.UTC().Format(time.RFC3339),
		Color:       embedColor(event.Kind),
	}}}

	body, err := json.Marshal(msg)
	if err != nil {
		return errors.Wrap(err, "failed to marshal discord message")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.webhookURL, bytes.NewReader(body))
	if err != nil {
		return errors.Wrap(err, "failed to build discord request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.httpClient.Do(req)
	if err != nil {
		return errors.Wrap(err, "discord webhook request failed")
	}
	defer func() {
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return errors.Errorf("discord webhook returned status %d", resp.StatusCode)
	}
	return nil
}

func embedColor(kind domain.EventKind) int {
	switch kind {
	case domain.EventBuyExecuted:
		return colorGreen
	case domain.EventSellExecuted:
		return colorGreen
	case domain.EventCycleStopped:
		return colorGray
	case domain.EventTickFailed:
		return colorRed
	default:
		return colorOrange
	}
}
