package connectors

import (
	"fmt"

	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	AppKey    string `envconfig:"KIS_APP_KEY"`
	AppSecret string `envconfig:"KIS_APP_SECRET"`
	AccountNo string `envconfig:"KIS_ACCOUNT_NO"`
	// Product code suffix of the account (2 digits).
	AccountProductCode string `envconfig:"KIS_ACCOUNT_PRODUCT_CODE" default:"01"`
	BaseURL            string `envconfig:"KIS_BASE_URL" default:"https://openapivts.koreainvestment.com:29443"`
	WSBaseURL          string `envconfig:"KIS_WS_URL" default:"ws://ops.koreainvestment.com:31000"`
	// Encrypted on-disk token cache; empty path disables caching.
	TokenCachePath string `envconfig:"KIS_TOKEN_CACHE_PATH" default:""`
	TokenCacheKey  string `envconfig:"KIS_TOKEN_CACHE_KEY" default:""`
}

func GetConfig() Config {
	var config Config
	if err := envconfig.Process("", &config); err != nil {
		panic(fmt.Errorf("error processing env config: %w", err))
	}
	return config
}
