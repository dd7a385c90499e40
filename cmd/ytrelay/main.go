package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/famomatic/ytrelay/internal/api"
	"github.com/famomatic/ytrelay/internal/config"
	"github.com/famomatic/ytrelay/internal/cookies"
	"github.com/famomatic/ytrelay/internal/coordinator"
	"github.com/famomatic/ytrelay/internal/extract"
	"github.com/famomatic/ytrelay/internal/fetch"
	"github.com/famomatic/ytrelay/internal/log"
	"github.com/famomatic/ytrelay/internal/record"
	"github.com/famomatic/ytrelay/internal/relay"
	"github.com/famomatic/ytrelay/internal/store"
)

func main() {
	configPath := flag.String("config", "", "Path to YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "ytrelay: %v\n", err)
		os.Exit(1)
	}

	log.Configure(log.Config{Level: cfg.LogLevel, Service: "ytrelay"})
	logger := log.Base()

	if err := run(cfg, logger); err != nil {
		logger.Error().Err(err).Msg("ytrelay exited")
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger zerolog.Logger) error {
	records, err := record.Open(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open record store: %w", err)
	}
	defer records.Close()

	httpClient := &http.Client{Timeout: 30 * time.Second}
	if cfg.CookieFile != "" {
		jar, err := cookies.NewJar(cfg.CookieFile)
		if err != nil {
			return fmt.Errorf("load cookies: %w", err)
		}
		httpClient.Jar = jar
	}

	// Transfers of media payloads get no client-level deadline; the relay
	// bounds them per request instead.
	transferClient := &http.Client{}

	pipeline := extract.NewPipeline(httpClient, extract.Config{
		MirrorInstances: cfg.MirrorInstances,
		AttemptTimeout:  cfg.AttemptTimeout,
	}, log.WithComponent("extract"))

	fetcher := fetch.New(transferClient, fetch.Config{
		WorkDir: cfg.WorkDir,
	}, log.WithComponent("fetch"))

	blobs := store.NewTelegram(transferClient, store.Config{
		Token:          cfg.BotToken,
		AudioChannelID: cfg.AudioChannelID,
		VideoChannelID: cfg.VideoChannelID,
	}, log.WithComponent("store"))

	coord := coordinator.New(records, pipeline, fetcher, blobs, coordinator.Config{
		DownloadTimeout: cfg.DownloadTimeout,
	}, log.WithComponent("coordinator"))

	deliverer := relay.New(records, coord, blobs, nil, transferClient, relay.Config{
		StreamTimeout: cfg.StreamTimeout,
	}, log.WithComponent("relay"))

	server := api.NewServer(deliverer, records, api.Config{
		OwnerIDs:           cfg.OwnerIDs,
		RateLimitPerMinute: cfg.RateLimitPerMinute,
	}, log.WithComponent("api"))

	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", cfg.ListenAddr).Msg("listening")
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	case <-ctx.Done():
		logger.Info().Msg("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
	}
	return nil
}
