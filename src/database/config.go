package database

import (
	"fmt"

	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	// sqlite (default) keeps single-host deployments dependency-free;
	// postgres is used when the trader shares a database with reporting.
	Driver string `envconfig:"DB_DRIVER" default:"sqlite"`
	DSN    string `envconfig:"DB_DSN" default:"file:trader.db?_journal_mode=WAL"`
}

func GetConfig() Config {
	var config Config
	if err := envconfig.Process("", &config); err != nil {
		panic(fmt.Errorf("error processing env config: %w", err))
	}
	return config
}
