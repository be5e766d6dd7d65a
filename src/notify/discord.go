package notify

import (
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	logger "github.com/sirupsen/logrus"
)

// Embed colors for the operator channel.
const (
	ColorInfo  = 0x2ECC71
	ColorWarn  = 0xF1C40F
	ColorError = 0xE74C3C
)

// DiscordNotifier sends alerts to a Discord webhook. Delivery is
// best-effort: failures are logged, never fatal to the trading loop.
type DiscordNotifier struct {
	http       *resty.Client
	webhookURL string
	enabled    bool
}

func NewDiscordNotifier(cfg Config) *DiscordNotifier {
	client := resty.New().
		SetTimeout(cfg.Timeout).
		SetRetryCount(2).
		SetRetryWaitTime(500 * time.Millisecond)

	return &DiscordNotifier{
		http:       client,
		webhookURL: cfg.WebhookURL,
		enabled:    cfg.WebhookURL != "",
	}
}

// SendAlert posts one embed to the operator channel. Disabled notifiers
// return nil immediately.
func (d *DiscordNotifier) SendAlert(title, message string, color int) error {
	if !d.enabled {
		return nil
	}

	payload := map[string]interface{}{
		"embeds": []map[string]interface{}{
			{
				"title":       title,
				"description": message,
				"color":       color,
				"timestamp":   time.Now().Format(time.RFC3339),
			},
		},
	}

	resp, err := d.http.R().
		SetHeader("Content-Type", "application/json").
		SetBody(payload).
		Post(d.webhookURL)
	if err != nil {
		logger.WithFields(map[string]interface{}{
			"component": "DiscordNotifier",
			"title":     title,
		}).WithError(err).Error("Failed to deliver alert")
		return err
	}
	if resp.StatusCode() >= 400 {
		err := fmt.Errorf("discord returned status %d", resp.StatusCode())
		logger.WithFields(map[string]interface{}{
			"component": "DiscordNotifier",
			"title":     title,
			"status":    resp.StatusCode(),
		}).Error("Alert rejected by webhook")
		return err
	}

	return nil
}
