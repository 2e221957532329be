// Command uploadserver serves the chunked upload HTTP API.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bitrise-io/go-chunkupload/api"
	"github.com/bitrise-io/go-chunkupload/config"
	"github.com/bitrise-io/go-chunkupload/service"
	"github.com/bitrise-io/go-utils/v2/env"
	"github.com/bitrise-io/go-utils/v2/log"
	_ "github.com/joho/godotenv/autoload"
)

func main() {
	logger := log.NewLogger()
	if err := run(logger); err != nil {
		logger.Errorf("%s", err)
		os.Exit(1)
	}
}

func run(logger log.Logger) error {
	envRepo := env.NewRepository()
	cfg, err := config.LoadServer(envRepo)
	if err != nil {
		return err
	}
	logger.EnableDebugLog(cfg.Debug)
	config.Print(cfg, logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	b, err := openBackends(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer b.close()

	var tracker service.Tracker = service.NopTracker{}
	if cfg.Analytics {
		tracker = service.NewAnalyticsTracker(envRepo, logger)
	}
	defer tracker.Wait()

	svc := service.New(service.Params{
		Blobs:    b.blobs,
		Records:  b.records,
		Locker:   b.locker,
		Notifier: b.notifier,
		Tracker:  tracker,
		Limits:   cfg.Limits(),
		Logger:   logger,
	})
	handler := api.NewHandler(api.Params{
		Service:      svc,
		Logger:       logger,
		MaxChunkSize: cfg.MaxChunkSize,
	})

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           handler.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Infof("Listening on %s", cfg.ListenAddr)
		serveErr <- srv.ListenAndServe()
	}()

	select {
	case err := <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
		logger.Infof("Shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	logger.Donef("Server stopped")
	return nil
}
