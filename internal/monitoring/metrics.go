package monitoring

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every Prometheus series the server exports. A fresh
// registry per instance keeps tests free of duplicate-registration
// panics.
type Metrics struct {
	Registry *prometheus.Registry

	// Connection metrics
	ConnectionsTotal    prometheus.Counter
	ConnectionsActive   prometheus.Gauge
	ConnectionsRejected *prometheus.CounterVec
	SessionDuration     *prometheus.HistogramVec
	DisconnectsTotal    *prometheus.CounterVec

	// Protocol metrics
	CommandsReceived *prometheus.CounterVec
	CommandsSent     *prometheus.CounterVec
	BytesSent        prometheus.Counter
	BytesReceived    prometheus.Counter
	ProtocolErrors   prometheus.Counter
	FramesDropped    *prometheus.CounterVec

	// Room metrics
	RoomsActive     prometheus.Gauge
	RoomOccupants   prometheus.Gauge
	GamesStarted    prometheus.Counter
	GamesFinished   *prometheus.CounterVec
	DanglingUsers   prometheus.Gauge
	UsersReaped     prometheus.Counter
	SessionsReaped  prometheus.Counter
	AuthAttempts    *prometheus.CounterVec
	AuthDuration    prometheus.Histogram
	SendQueueDepth  prometheus.Histogram
	EventQueueDepth prometheus.Gauge
	EventsDropped   prometheus.Counter
}

// NewMetrics builds and registers the server's metric set on a new
// registry, including the standard Go and process collectors.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Metrics{
		Registry: reg,

		ConnectionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "beatsync_connections_total",
			Help: "Total number of TCP connections accepted",
		}),
		ConnectionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "beatsync_connections_active",
			Help: "Current number of live sessions",
		}),
		ConnectionsRejected: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "beatsync_connections_rejected_total",
			Help: "Connections rejected before a session started, by reason",
		}, []string{"reason"}),
		SessionDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "beatsync_session_duration_seconds",
			Help:    "Session lifetime from accept to teardown",
			Buckets: []float64{1, 5, 10, 30, 60, 300, 600, 1800, 3600},
		}, []string{"reason"}),
		DisconnectsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "beatsync_disconnects_total",
			Help: "Session teardowns by reason",
		}, []string{"reason"}),

		CommandsReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "beatsync_commands_received_total",
			Help: "Client commands decoded, by kind",
		}, []string{"kind"}),
		CommandsSent: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "beatsync_commands_sent_total",
			Help: "Server commands written, by kind",
		}, []string{"kind"}),
		BytesSent: factory.NewCounter(prometheus.CounterOpts{
			Name: "beatsync_bytes_sent_total",
			Help: "Total payload bytes written to clients",
		}),
		BytesReceived: factory.NewCounter(prometheus.CounterOpts{
			Name: "beatsync_bytes_received_total",
			Help: "Total payload bytes read from clients",
		}),
		ProtocolErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "beatsync_protocol_errors_total",
			Help: "Malformed frames or commands that killed a session",
		}),
		FramesDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "beatsync_frames_dropped_total",
			Help: "Outbound frames dropped, by reason",
		}, []string{"reason"}),

		RoomsActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "beatsync_rooms_active",
			Help: "Current number of rooms",
		}),
		RoomOccupants: factory.NewGauge(prometheus.GaugeOpts{
			Name: "beatsync_room_occupants",
			Help: "Current number of users inside rooms",
		}),
		GamesStarted: factory.NewCounter(prometheus.CounterOpts{
			Name: "beatsync_games_started_total",
			Help: "Games that entered the playing state",
		}),
		GamesFinished: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "beatsync_games_finished_total",
			Help: "Games that left the playing state, by outcome",
		}, []string{"outcome"}),
		DanglingUsers: factory.NewGauge(prometheus.GaugeOpts{
			Name: "beatsync_dangling_users",
			Help: "Authenticated users whose session dropped, awaiting rejoin",
		}),
		UsersReaped: factory.NewCounter(prometheus.CounterOpts{
			Name: "beatsync_users_reaped_total",
			Help: "Dangling users evicted after the rejoin grace period",
		}),
		SessionsReaped: factory.NewCounter(prometheus.CounterOpts{
			Name: "beatsync_sessions_reaped_total",
			Help: "Idle sessions evicted by the heartbeat monitor",
		}),
		AuthAttempts: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "beatsync_auth_attempts_total",
			Help: "Authentication attempts, by result",
		}, []string{"result"}),
		AuthDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "beatsync_auth_duration_seconds",
			Help:    "Latency of the upstream token lookup",
			Buckets: prometheus.DefBuckets,
		}),
		SendQueueDepth: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "beatsync_send_queue_depth",
			Help:    "Outbound queue depth sampled at enqueue",
			Buckets: []float64{0, 1, 2, 4, 8, 16, 32, 64, 128, 256, 512},
		}),
		EventQueueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Name: "beatsync_event_queue_depth",
			Help: "Current number of events waiting in the publish queue",
		}),
		EventsDropped: factory.NewCounter(prometheus.CounterOpts{
			Name: "beatsync_events_dropped_total",
			Help: "Events dropped because the publish queue was full",
		}),
	}
}

// Handler returns the scrape endpoint for this metric set.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}

// ObserveSessionEnd records a finished session in one call.
func (m *Metrics) ObserveSessionEnd(reason string, lifetime time.Duration) {
	m.ConnectionsActive.Dec()
	m.DisconnectsTotal.WithLabelValues(reason).Inc()
	m.SessionDuration.WithLabelValues(reason).Observe(lifetime.Seconds())
}
