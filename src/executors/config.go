package executors

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	TargetSymbol  string        `envconfig:"TARGET_SYMBOL" default:"005930"`
	OrderQuantity int64         `envconfig:"ORDER_QUANTITY" default:"1"`
	LoopPeriod    time.Duration `envconfig:"LOOP_PERIOD" default:"30s"`
	PanicCooldown time.Duration `envconfig:"PANIC_COOLDOWN" default:"30s"`
	SweepPeriod   time.Duration `envconfig:"PENDING_SWEEP_PERIOD" default:"10m"`
	RingCapacity  int           `envconfig:"BAR_RING_CAPACITY" default:"200"`

	FeedStalenessThreshold time.Duration `envconfig:"FEED_STALENESS_THRESHOLD" default:"90s"`
	FeedStartupGrace       time.Duration `envconfig:"FEED_STARTUP_GRACE" default:"120s"`
	FeedRecoveryPolicy     string        `envconfig:"FEED_RECOVERY_POLICY" default:"auto"`
	FeedRecoveryStableFor  time.Duration `envconfig:"FEED_RECOVERY_STABLE_FOR" default:"180s"`
	FeedRecoveryMinBars    int64         `envconfig:"FEED_RECOVERY_MIN_BARS" default:"3"`

	// Percent daily loss against the entry that flips the risk stop. Zero
	// disables.
	RiskStopLossPct float64 `envconfig:"RISK_STOP_LOSS_PCT" default:"0"`
}

func GetConfig() Config {
	var config Config
	if err := envconfig.Process("", &config); err != nil {
		panic(fmt.Errorf("error processing env config: %w", err))
	}
	return config
}
