package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"slices"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/webkaz/superset/internal/agent"
	"github.com/webkaz/superset/internal/agent/backends"
	"github.com/webkaz/superset/internal/api/ws"
	"github.com/webkaz/superset/internal/bridge"
	"github.com/webkaz/superset/internal/config"
	"github.com/webkaz/superset/internal/event"
	"github.com/webkaz/superset/internal/gitsync"
	"github.com/webkaz/superset/internal/sandbox"
	"github.com/webkaz/superset/internal/server"
	redisstore "github.com/webkaz/superset/internal/store/redis"
)

func main() {
	if err := run(); err != nil {
		log.Fatal().Err(err).Msg("startup failed")
	}
}

func run() error {
	// Initialize structured logging from environment.
	logLevel := os.Getenv("SANDBOX_LOG_LEVEL")
	level, parseErr := zerolog.ParseLevel(logLevel)
	if parseErr != nil || logLevel == "" {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	logFormat := os.Getenv("SANDBOX_LOG_FORMAT")
	if logFormat == "text" {
		log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	} else {
		log.Logger = zerolog.New(os.Stdout).With().Timestamp().Logger()
	}

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	log.Logger = log.With().Str("session_id", cfg.SessionID).Logger()

	// Graceful shutdown on SIGINT / SIGTERM.
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// Outbound events: control plane first, optional Redis mirror second.
	sinks := event.Multi{event.NewHTTPSink(event.HTTPSinkOptions{
		BaseURL:   cfg.ControlPlane.URL,
		Path:      cfg.ControlPlane.EventPath,
		SessionID: cfg.SessionID,
		Token:     cfg.ControlPlane.AuthToken,
		Timeout:   cfg.ControlPlane.EventTimeout,
	})}

	var sub ws.Subscriber
	if cfg.Redis.Addr != "" {
		pubsub, redisErr := redisstore.New(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, cfg.SessionID)
		if redisErr != nil {
			return redisErr
		}
		defer pubsub.Close()
		sinks = append(sinks, pubsub)
		sub = pubsub
		log.Info().Str("channel", pubsub.Channel()).Msg("mirroring events to redis")
	}
	emitter := event.NewEmitter(sinks)

	manager := gitsync.NewManager(gitsync.OptionsFromConfig(cfg), emitter, gitsync.ExecRunner{})

	registry := agent.NewRegistry()
	registry.Register("opencode", backends.NewOpenCodeClient)
	if !slices.Contains(registry.Available(), cfg.Agent.Type) {
		return fmt.Errorf("SANDBOX_AGENT_TYPE %q is not supported (available: %s)",
			cfg.Agent.Type, strings.Join(registry.Available(), ", "))
	}

	controller := agent.NewController(
		registry.Connector(cfg.Agent.Type, agent.ClientOptions{
			URL:       cfg.Agent.URL,
			Provider:  cfg.Agent.Provider,
			Model:     cfg.Agent.Model,
			Directory: manager.Workspace(),
		}),
		manager,
		emitter,
		cfg.Agent.Model,
	)

	sb := sandbox.New(cfg, manager, controller, emitter)
	if err := sb.Start(ctx); err != nil {
		emitter.Error(ctx, err.Error(), "")
		return err
	}

	var wg sync.WaitGroup
	wg.Go(func() {
		sb.RunHeartbeat(ctx, cfg.ControlPlane.HeartbeatInterval)
	})

	srv := server.New(ctx, cfg, sb, sub)
	go func() {
		log.Info().Str("addr", cfg.Server.Addr).Msg("starting server")
		if startErr := srv.Start(ctx); startErr != nil {
			log.Error().Err(startErr).Msg("server error")
			cancel()
		}
	}()

	if cfg.ControlPlane.BridgeURL != "" {
		br := bridge.New(bridge.Options{
			URL:       cfg.ControlPlane.BridgeURL,
			Token:     cfg.ControlPlane.AuthToken,
			SessionID: cfg.SessionID,
		}, sb)
		wg.Go(func() {
			if bridgeErr := br.Run(ctx); bridgeErr != nil {
				log.Error().Err(bridgeErr).Msg("command bridge stopped")
			}
		})
	}

	// Block until shutdown signal.
	<-ctx.Done()
	log.Info().Msg("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	var errs []error
	if shutdownErr := srv.Shutdown(shutdownCtx); shutdownErr != nil {
		errs = append(errs, shutdownErr)
	}
	if closeErr := sb.Close(shutdownCtx); closeErr != nil {
		errs = append(errs, closeErr)
	}
	wg.Wait()

	log.Info().Msg("stopped")
	return errors.Join(errs...)
}
