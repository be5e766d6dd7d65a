package trader

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/masonbcshin/KIS-API-Trend-ATR-sub002/src/database"
	"github.com/masonbcshin/KIS-API-Trend-ATR-sub002/src/executors"
	"github.com/masonbcshin/KIS-API-Trend-ATR-sub002/src/server"
)

type Trader struct{}

// Start runs the trading loop alongside the status server until SIGINT or
// SIGTERM.
func (t *Trader) Start() error {
	config := executors.GetConfig()
	ctx, stop := signal.NotifyContext(
		context.Background(),
		os.Interrupt,
		syscall.SIGTERM,
	)
	defer stop()

	if err := database.InitMainDB(); err != nil {
		logrus.WithError(err).Error("Failed to connect to main database")
		return err
	}

	logrus.WithFields(map[string]interface{}{
		"symbol": config.TargetSymbol,
	}).Info("Starting trader")

	runner := executors.NewTrader(config)

	errCh := make(chan error, 1)
	go func() {
		errCh <- runner.Run(ctx)
	}()

	server.StartServer(server.GetConfig().Port, runner.StatusSnapshot)
	stop()

	if err := <-errCh; err != nil {
		logrus.WithError(err).Error("Trading loop exited with error")
		return err
	}
	return nil
}
