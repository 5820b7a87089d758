// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/adiadia/readmodel-runtime/internal/app"
	"github.com/adiadia/readmodel-runtime/internal/config"
	"github.com/adiadia/readmodel-runtime/internal/logging"
	natstrigger "github.com/adiadia/readmodel-runtime/internal/messaging/nats"
	httptransport "github.com/adiadia/readmodel-runtime/internal/transport/http"
)

var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logging.NewLogger("").Error("load config failed", logging.Error(err))
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(
		context.Background(),
		os.Interrupt,
		syscall.SIGTERM,
	)
	defer stop()

	logger := logging.NewLogger(cfg.Env)

	stack, err := app.Open(ctx, cfg, logger)
	if err != nil {
		logger.Error("startup failed", logging.Error(err))
		os.Exit(1)
	}
	defer stack.Close()

	deps := httptransport.Deps{
		Progress:   stack.Progress,
		Health:     stack.Health,
		Logger:     logger,
		AdminToken: cfg.AdminToken,
		Version:    Version,
		Commit:     Commit,
		BuildDate:  BuildDate,
	}

	if cfg.NATSURL != "" {
		natsCfg := natstrigger.DefaultConfig()
		natsCfg.URL = cfg.NATSURL
		natsCfg.Name = "readmodel-api"
		natsCfg.Subject = cfg.Catchup.TriggerSubject

		publisher, err := natstrigger.NewPublisher(natsCfg, logger)
		if err != nil {
			logger.Error("nats connect failed", logging.Error(err))
			os.Exit(1)
		}
		defer publisher.Close()
		deps.Notifier = publisher
	} else {
		engine, err := stack.Engine()
		if err != nil {
			logger.Error("catch-up engine setup failed", logging.Error(err))
			os.Exit(1)
		}
		defer engine.Close()
		deps.Runner = engine
	}

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           httptransport.NewRouter(deps),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("api listening",
			"addr", cfg.HTTPAddr,
			"version", Version,
			"commit", Commit,
			"build_date", BuildDate,
		)

		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server failed", logging.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", logging.Error(err))
	}
}
