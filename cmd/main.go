package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/urfave/cli"

	"github.com/masonbcshin/KIS-API-Trend-ATR-sub002/cmd/trader"
	"github.com/masonbcshin/KIS-API-Trend-ATR-sub002/src/connectors"
	"github.com/masonbcshin/KIS-API-Trend-ATR-sub002/src/database"
	"github.com/masonbcshin/KIS-API-Trend-ATR-sub002/src/execution"
	"github.com/masonbcshin/KIS-API-Trend-ATR-sub002/src/executors"
	"github.com/masonbcshin/KIS-API-Trend-ATR-sub002/src/model"
	"github.com/masonbcshin/KIS-API-Trend-ATR-sub002/src/repository"
)

var Version string

func main() {
	app := cli.NewApp()
	app.Name = "KIS Trader CMD"
	app.Usage = "The KIS trend/ATR trader command line interface"
	app.Before = setupLogger

	app.Commands = []cli.Command{
		tradeCMD,
		resyncCMD,
		sweepCMD,
	}

	if err := app.Run(os.Args); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func setupLogger(_ *cli.Context) error {
	level, err := logrus.ParseLevel(strings.ToLower(os.Getenv("LOG_LEVEL")))
	if err != nil {
		level = logrus.InfoLevel
	}

	logrus.SetLevel(level)
	logrus.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})
	return nil
}

var (
	tradeCMD = cli.Command{
		Name:        "trade",
		Usage:       "run the trading loop",
		Action:      tradeAction,
		ArgsUsage:   "",
		Flags:       []cli.Flag{},
		Description: `Reconcile positions against the broker, then run the strategy loop with the status server`,
	}
	resyncCMD = cli.Command{
		Name:        "resync",
		Usage:       "reconcile positions once",
		Action:      resyncAction,
		ArgsUsage:   "",
		Flags:       []cli.Flag{},
		Description: `Run startup reconciliation against broker holdings and print the summary`,
	}
	sweepCMD = cli.Command{
		Name:        "sweep",
		Usage:       "cancel stale pending orders",
		Action:      sweepAction,
		ArgsUsage:   "",
		Flags:       []cli.Flag{},
		Description: `Flip PENDING order rows older than the threshold to CANCELLED`,
	}
)

func tradeAction(_ *cli.Context) error {
	logrus.Info("Starting trade CMD")

	t := &trader.Trader{}
	if err := t.Start(); err != nil {
		logrus.WithError(err).Error("Starting cmd")
		return err
	}
	return nil
}

func resyncAction(_ *cli.Context) error {
	logrus.Info("Starting resync CMD")

	if err := database.InitMainDB(); err != nil {
		logrus.WithError(err).Error("Failed to connect to database")
		return err
	}

	mode := model.TradingModeFromEnv()
	broker := connectors.NewKISClient(connectors.GetConfig(), mode)
	resync := execution.NewResynchronizer(mode, broker, repository.NewPositionRepository())

	report, err := resync.SynchronizeOnStartup(context.Background(), executors.GetConfig().TargetSymbol)
	if err != nil {
		logrus.WithError(err).Error("Reconciliation failed")
		return err
	}

	fmt.Printf("success=%v action=%s zombies_closed=%d allow_new_entries=%v\n",
		report.Success, report.Action, report.ZombiesClosed, report.AllowNewEntries)
	for _, warning := range report.Warnings {
		fmt.Println("warning:", warning)
	}
	return nil
}

func sweepAction(_ *cli.Context) error {
	logrus.Info("Starting sweep CMD")

	if err := database.InitMainDB(); err != nil {
		logrus.WithError(err).Error("Failed to connect to database")
		return err
	}

	mode := model.TradingModeFromEnv()
	count, err := repository.NewOrderStateRepository().
		CancelStalePending(context.Background(), mode, 10*time.Minute)
	if err != nil {
		logrus.WithError(err).Error("Sweep failed")
		return err
	}

	fmt.Printf("cancelled=%d mode=%s\n", count, mode)
	return nil
}
