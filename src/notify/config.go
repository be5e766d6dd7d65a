package notify

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	// Empty URL disables the notifier entirely.
	WebhookURL string        `envconfig:"DISCORD_WEBHOOK_URL"`
	Timeout    time.Duration `envconfig:"DISCORD_TIMEOUT" default:"5s"`
}

func GetConfig() Config {
	var config Config
	if err := envconfig.Process("", &config); err != nil {
		panic(fmt.Errorf("error processing env config: %w", err))
	}
	return config
}
