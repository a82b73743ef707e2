// browsergate server — an OpenAI-compatible chat/completions surface
// backed by a pool of headless-browser workers driving third-party AI web
// products. This binary wires the orchestration core; site adapters and
// the browser layer register themselves through pkg/server.Options.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/browsergate/browsergate/internal/config"
	"github.com/browsergate/browsergate/pkg/server"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// exitConfig is EX_CONFIG from sysexits.h: a config-required failure that
// the supervisor must not auto-restart.
const exitConfig = 78

func main() {
	configPath := flag.String("config", "config.yaml", "path to the YAML config file")
	loginMode := flag.Bool("login", false, "initialize a single worker for interactive login, then wait")
	flag.Parse()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	log.Info().Str("config", *configPath).Msg("browsergate starting")

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Error().Err(err).Msg("invalid configuration")
		os.Exit(exitConfig)
	}

	ctx := context.Background()
	srv, err := server.New(ctx, cfg, server.Options{LoginMode: *loginMode})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize server")
	}
	defer srv.Shutdown(ctx)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	if *loginMode {
		log.Info().Msg("login mode: drive the browser window, then close it and interrupt this process")
		<-sigChan
		return
	}

	httpServer := &http.Server{
		Addr:        fmt.Sprintf(":%d", srv.Port),
		Handler:     srv.Handler,
		ReadTimeout: 30 * time.Second,
		IdleTimeout: 120 * time.Second,
	}

	go func() {
		<-sigChan
		log.Info().Msg("shutting down gracefully")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		httpServer.Shutdown(shutdownCtx)
	}()

	log.Info().Int("port", srv.Port).Msg("browsergate listening")

	if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
		log.Fatal().Err(err).Msg("server failed")
	}
}
