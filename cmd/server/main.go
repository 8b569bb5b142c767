package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"

	gfshutdown "github.com/gelmium/graceful-shutdown"
	"github.com/joho/godotenv"

	"github.com/lunaluxe/payment-orchestrator/internal/config"
	"github.com/lunaluxe/payment-orchestrator/internal/logging"
	"github.com/lunaluxe/payment-orchestrator/internal/telemetry"
)

func main() {
	// A missing .env file is fine; the environment may be set directly.
	_ = godotenv.Load()

	cfg, err := config.Load(os.Getenv)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	logger := logging.New(os.Stderr, cfg.LogLevel, cfg.LogPretty)

	stopTracing, err := telemetry.Setup(os.Stdout, serviceName, cfg.Tracing)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to set up tracing")
	}

	a, err := newApp(cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize service")
	}

	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: setupRouter(a)}
	go func() {
		logger.Info().Str("addr", cfg.HTTPAddr).Str("gateways", cfg.Gateways).Msg("starting server")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("failed to run server")
		}
	}()

	// Operations run concurrently, so the ordering lives in one of them:
	// handlers finish before the stores close, spans flush last.
	wait := gfshutdown.GracefulShutdown(context.Background(), cfg.ShutdownTimeout, map[string]gfshutdown.Operation{
		"service": inSequence(srv.Shutdown, a.Close, stopTracing),
	})

	exitCode := <-wait
	logger.Info().Int("exit_code", exitCode).Msg("server stopped")
	os.Exit(exitCode)
}

// inSequence runs steps one after another, each to completion, and joins
// their errors.
func inSequence(steps ...gfshutdown.Operation) gfshutdown.Operation {
	return func(ctx context.Context) error {
		errs := make([]error, 0, len(steps))
		for _, step := range steps {
			errs = append(errs, step(ctx))
		}
		return errors.Join(errs...)
	}
}
