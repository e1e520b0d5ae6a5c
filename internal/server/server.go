package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/beatsync/server/internal/config"
	"github.com/beatsync/server/internal/events"
	"github.com/beatsync/server/internal/limits"
	"github.com/beatsync/server/internal/lookup"
	"github.com/beatsync/server/internal/monitoring"
)

const handshakeTimeout = 10 * time.Second

// Collaborators bundles the external lookups injected into the server.
type Collaborators struct {
	Auth     lookup.Authenticator
	Charts   lookup.ChartLookup
	Records  lookup.RecordLookup
	Bans     lookup.BanSet
	RoomBans lookup.RoomBanSet
	Filter   lookup.CommandFilter
	Sink     events.Sink
}

// Server accepts TCP connections, performs the one-byte version
// handshake, and hands each connection to a Session. It also exposes
// the Prometheus scrape endpoint on a second listener.
type Server struct {
	cfg       *config.Config
	registry  *Registry
	processor *Processor
	limiter   *limits.AcceptLimiter
	metrics   *monitoring.Metrics
	sampler   *monitoring.Sampler
	sink      events.Sink
	logger    zerolog.Logger
	timing    Timing

	listener   net.Listener
	metricsSrv *http.Server
	ready      chan struct{}
	wg         sync.WaitGroup
}

// New assembles a server from configuration and collaborators.
func New(cfg *config.Config, collab Collaborators, metrics *monitoring.Metrics, logger zerolog.Logger) (*Server, error) {
	sink := collab.Sink
	if sink == nil {
		sink = events.NopSink{}
	}

	registry := NewRegistry(cfg.DangleTimeout, metrics, sink, logger)
	processor := NewProcessor(ProcessorConfig{
		Registry:            registry,
		Auth:                collab.Auth,
		Charts:              collab.Charts,
		Records:             collab.Records,
		Bans:                collab.Bans,
		RoomBans:            collab.RoomBans,
		Filter:              collab.Filter,
		Sink:                sink,
		Metrics:             metrics,
		Logger:              logger,
		RoomCreationEnabled: cfg.RoomCreationEnabled,
		Monitors:            cfg.Monitors,
	})

	sampler, err := monitoring.NewSampler(logger)
	if err != nil {
		return nil, err
	}

	return &Server{
		cfg:       cfg,
		registry:  registry,
		processor: processor,
		limiter: limits.NewAcceptLimiter(limits.AcceptLimiterConfig{
			IPBurst:     cfg.PerIPBurst,
			IPRate:      cfg.PerIPRate,
			GlobalBurst: cfg.AcceptBurst,
			GlobalRate:  cfg.AcceptRate,
			Logger:      logger,
		}),
		metrics: metrics,
		sampler: sampler,
		sink:    sink,
		logger:  logger.With().Str("component", "server").Logger(),
		ready:   make(chan struct{}),
		timing: Timing{
			Heartbeat:  cfg.HeartbeatInterval,
			Pong:       cfg.PongInterval,
			Idle:       cfg.IdleTimeout,
			PopTimeout: DefaultTiming.PopTimeout,
		},
	}, nil
}

// Registry exposes the server's registry, used by tests and the admin
// surface.
func (srv *Server) Registry() *Registry {
	return srv.registry
}

// Addr returns the bound listen address, valid once Ready has fired.
func (srv *Server) Addr() net.Addr {
	return srv.listener.Addr()
}

// Ready is closed once the listener is bound.
func (srv *Server) Ready() <-chan struct{} {
	return srv.ready
}

// Run listens and serves until ctx is cancelled, then shuts down
// gracefully.
func (srv *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", srv.cfg.Addr)
	if err != nil {
		return err
	}
	srv.listener = ln
	close(srv.ready)
	srv.logger.Info().Str("addr", ln.Addr().String()).Msg("Listening")

	srv.startMetricsServer()
	srv.registry.StartReaper()
	srv.sampler.Start(srv.cfg.MetricsInterval)

	srv.wg.Add(1)
	go func() {
		defer srv.wg.Done()
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			if errors.Is(err, net.ErrClosed) {
				break
			}
			srv.logger.Warn().Err(err).Msg("Accept failed")
			continue
		}
		srv.handleAccept(conn)
	}

	srv.shutdown()
	return nil
}

func (srv *Server) handleAccept(conn net.Conn) {
	ip, _, err := net.SplitHostPort(conn.RemoteAddr().String())
	if err != nil {
		ip = conn.RemoteAddr().String()
	}
	if !srv.limiter.Allow(ip) {
		srv.metrics.ConnectionsRejected.WithLabelValues("rate_limited").Inc()
		conn.Close()
		return
	}
	if srv.registry.SessionCount() >= srv.cfg.MaxConnections {
		srv.metrics.ConnectionsRejected.WithLabelValues("capacity").Inc()
		conn.Close()
		return
	}
	if tc, ok := conn.(*net.TCPConn); ok {
		tc.SetNoDelay(true)
	}

	// The version byte arrives before anything is sent; do it off the
	// accept loop so a stalled client cannot block other accepts.
	srv.wg.Add(1)
	go func() {
		defer srv.wg.Done()
		defer monitoring.RecoverPanic(srv.logger, "handshake", nil)
		srv.handshake(conn)
	}()
}

func (srv *Server) handshake(conn net.Conn) {
	conn.SetReadDeadline(time.Now().Add(handshakeTimeout))
	var version [1]byte
	if _, err := conn.Read(version[:]); err != nil {
		srv.metrics.ConnectionsRejected.WithLabelValues("handshake").Inc()
		conn.Close()
		return
	}
	conn.SetReadDeadline(time.Time{})

	session := NewSession(conn, version[0], srv.timing, srv.registry.LostQueue(), srv.metrics, srv.logger)
	srv.registry.AddSession(session)
	srv.metrics.ConnectionsTotal.Inc()
	srv.metrics.ConnectionsActive.Inc()
	srv.logger.Debug().
		Str("session_id", session.ID.String()).
		Str("remote_addr", session.Addr).
		Uint8("version", version[0]).
		Msg("Session started")

	session.Start(srv.processor)
}

func (srv *Server) startMetricsServer() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", srv.metrics.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	srv.metricsSrv = &http.Server{Addr: srv.cfg.MetricsAddr, Handler: mux}

	srv.wg.Add(1)
	go func() {
		defer srv.wg.Done()
		if err := srv.metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			srv.logger.Error().Err(err).Msg("Metrics server failed")
		}
	}()
}

func (srv *Server) shutdown() {
	srv.logger.Info().Msg("Shutting down")

	srv.registry.StopAllSessions()
	srv.registry.StopReaper()
	srv.limiter.Stop()
	srv.sampler.Stop()
	srv.sink.Close()

	if srv.metricsSrv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.metricsSrv.Shutdown(ctx)
	}
	srv.wg.Wait()
	srv.logger.Info().Msg("Shutdown complete")
}
