package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// Sink receives lifecycle events. Publish must not block the caller;
// implementations queue internally and drop under sustained overload.
type Sink interface {
	Publish(ev Event)
	Close()
}

// NopSink discards every event. Used when no NATS URL is configured.
type NopSink struct{}

func (NopSink) Publish(Event) {}
func (NopSink) Close()        {}

// NATSSinkConfig holds sink settings. Zero values fall back to
// defaults.
type NATSSinkConfig struct {
	URL           string
	SubjectPrefix string
	Workers       int
	QueueSize     int
	Logger        zerolog.Logger
}

// NATSSink publishes events to NATS as JSON through a worker pool, so
// broker hiccups surface as dropped events instead of stalled
// sessions.
type NATSSink struct {
	conn    *nats.Conn
	prefix  string
	pool    *WorkerPool
	cancel  context.CancelFunc
	logger  zerolog.Logger
	dropped func()
}

// NewNATSSink connects to NATS and starts the publish workers.
// onDrop, if non-nil, is called once per event dropped.
func NewNATSSink(config NATSSinkConfig, onDrop func()) (*NATSSink, error) {
	if config.SubjectPrefix == "" {
		config.SubjectPrefix = "beatsync"
	}
	if config.Workers == 0 {
		config.Workers = 2
	}
	if config.QueueSize == 0 {
		config.QueueSize = 4096
	}
	logger := config.Logger.With().Str("component", "nats_sink").Logger()

	conn, err := nats.Connect(config.URL,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	sink := &NATSSink{
		conn:    conn,
		prefix:  config.SubjectPrefix,
		pool:    NewWorkerPool(config.Workers, config.QueueSize, logger),
		cancel:  cancel,
		logger:  logger,
		dropped: onDrop,
	}
	sink.pool.Start(ctx)

	logger.Info().Str("url", conn.ConnectedUrl()).Str("prefix", config.SubjectPrefix).Msg("Event sink connected")
	return sink, nil
}

// Publish queues one event for delivery.
func (s *NATSSink) Publish(ev Event) {
	ok := s.pool.Submit(func() {
		data, err := json.Marshal(ev.Payload)
		if err != nil {
			s.logger.Error().Err(err).Str("subject", ev.Subject).Msg("Failed to marshal event")
			return
		}
		subject := s.prefix + "." + ev.Subject
		if err := s.conn.Publish(subject, data); err != nil {
			s.logger.Warn().Err(err).Str("subject", subject).Msg("Failed to publish event")
		}
	})
	if !ok && s.dropped != nil {
		s.dropped()
	}
}

// QueueDepth reports the number of queued, unpublished events.
func (s *NATSSink) QueueDepth() int {
	return s.pool.QueueDepth()
}

// Close flushes the connection and stops the workers.
func (s *NATSSink) Close() {
	s.cancel()
	s.pool.Stop()
	if err := s.conn.Drain(); err != nil {
		s.logger.Warn().Err(err).Msg("NATS drain failed")
	}
}
