// Command beatsyncd runs the multiplayer session server.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	_ "go.uber.org/automaxprocs"

	"github.com/beatsync/server/internal/config"
	"github.com/beatsync/server/internal/events"
	"github.com/beatsync/server/internal/lookup"
	"github.com/beatsync/server/internal/monitoring"
	"github.com/beatsync/server/internal/server"
)

func main() {
	bootstrap := monitoring.NewLogger(monitoring.LoggerConfig{Level: "info", Format: "json"})

	cfg, err := config.Load(&bootstrap)
	if err != nil {
		bootstrap.Fatal().Err(err).Msg("Failed to load configuration")
	}

	logger := monitoring.NewLogger(monitoring.LoggerConfig{
		Level:  cfg.LogLevel,
		Format: cfg.LogFormat,
	})
	cfg.LogConfig(logger)

	metrics := monitoring.NewMetrics()

	var sink events.Sink = events.NopSink{}
	if cfg.NATSURL != "" {
		natsSink, err := events.NewNATSSink(events.NATSSinkConfig{
			URL:    cfg.NATSURL,
			Logger: logger,
		}, metrics.EventsDropped.Inc)
		if err != nil {
			logger.Fatal().Err(err).Msg("Failed to connect event sink")
		}
		sink = natsSink
	}

	api := lookup.NewHTTPClient(cfg.APIBase, logger)
	srv, err := server.New(cfg, server.Collaborators{
		Auth:     api,
		Charts:   api,
		Records:  api,
		Bans:     lookup.NewMemoryBanSet(),
		RoomBans: lookup.NewMemoryRoomBanSet(),
		Sink:     sink,
	}, metrics, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to build server")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := srv.Run(ctx); err != nil {
		logger.Fatal().Err(err).Msg("Server failed")
	}
	os.Exit(0)
}
