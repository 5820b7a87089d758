// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/adiadia/readmodel-runtime/internal/app"
	"github.com/adiadia/readmodel-runtime/internal/config"
	"github.com/adiadia/readmodel-runtime/internal/logging"
	"github.com/adiadia/readmodel-runtime/internal/metrics"
	natstrigger "github.com/adiadia/readmodel-runtime/internal/messaging/nats"
	"github.com/adiadia/readmodel-runtime/internal/worker"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logging.NewLoggerTo(os.Stderr, "").Error("load config failed", logging.Error(err))
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger := logging.NewLoggerTo(os.Stderr, cfg.Env)
	metrics.Init()

	stack, err := app.Open(ctx, cfg, logger)
	if err != nil {
		logger.Error("startup failed", logging.Error(err))
		os.Exit(1)
	}
	defer stack.Close()

	engine, err := stack.Engine()
	if err != nil {
		logger.Error("catch-up engine setup failed", logging.Error(err))
		os.Exit(1)
	}

	deps := worker.Deps{
		Runner:   engine,
		Interval: cfg.Catchup.Interval,
		Logger:   logger,
	}

	if cfg.NATSURL != "" {
		natsCfg := natstrigger.DefaultConfig()
		natsCfg.URL = cfg.NATSURL
		natsCfg.Name = "readmodel-worker"
		natsCfg.Subject = cfg.Catchup.TriggerSubject

		trigger, err := natstrigger.Subscribe(natsCfg, logger)
		if err != nil {
			logger.Error("nats subscribe failed", logging.Error(err))
			os.Exit(1)
		}
		defer func() {
			if err := trigger.Close(); err != nil {
				logger.Warn("nats unsubscribe failed", logging.Error(err))
			}
		}()
		deps.Trigger = trigger.C()
	}

	w := worker.New(deps)

	// Closing the engine lets an in-flight page finish and commit before exit.
	go func() {
		<-ctx.Done()
		engine.Close()
	}()

	if err := w.Start(ctx); err != nil {
		logger.Error("worker stopped with error", logging.Error(err))
		os.Exit(1)
	}
}
