package main

import (
	"context"
	"flag"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"

	"peerdir/internal/app"
)

func main() {
	cfgPath := flag.String("config", "", "optional path to config file")
	level := flag.String("loglevel", "info", "log level (debug, info, warn, error)")
	api := flag.Bool("api", false, "serve the peers API")
	updater := flag.Bool("updater", false, "run the fetch/refresh update loop")
	flag.Parse()

	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	lvl, err := logrus.ParseLevel(*level)
	if err != nil {
		logger.WithError(err).Fatal("invalid log level")
	}
	logger.SetLevel(lvl)
	logrus.SetFormatter(logger.Formatter)
	logrus.SetLevel(lvl)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg := app.Config{
		ConfigPath: *cfgPath,
		Roles:      app.Roles{API: *api, Updater: *updater},
	}
	if !cfg.Roles.Any() {
		cfg.Roles = app.Roles{API: true, Updater: true}
	}

	if err := app.Run(ctx, cfg, logger); err != nil {
		logger.WithError(err).Fatal("peerdir exited")
	}
}
