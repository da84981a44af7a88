package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the protocol engine.
type Metrics struct {
	ActiveSessions    prometheus.Gauge
	ActiveConnections prometheus.Gauge
	SessionEvents     *prometheus.CounterVec
	WSMessages        *prometheus.CounterVec
	RequestTerminals  *prometheus.CounterVec
	Interrupts        *prometheus.CounterVec
	FrameErrors       *prometheus.CounterVec
	ResponseChunks    *prometheus.CounterVec
	IngestBytes       prometheus.Counter
}

func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		ActiveSessions: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Number of live registered sessions.",
		}),
		ActiveConnections: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_connections",
			Help:      "Number of open websocket connections.",
		}),
		SessionEvents: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_events_total",
			Help:      "Session lifecycle events by type.",
		}, []string{"event"}),
		WSMessages: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ws_messages_total",
			Help:      "WebSocket messages by direction and msg_type.",
		}, []string{"direction", "type"}),
		RequestTerminals: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "request_terminals_total",
			Help:      "Requests reaching a terminal status, by status.",
		}, []string{"status"}),
		Interrupts: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "interrupts_total",
			Help:      "Request interrupts by origin.",
		}, []string{"origin"}),
		FrameErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frame_errors_total",
			Help:      "Dropped or rejected frames by error code.",
		}, []string{"code"}),
		ResponseChunks: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "response_chunks_total",
			Help:      "Outbound response chunks by modality.",
		}, []string{"modality"}),
		IngestBytes: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "voice_ingest_bytes_total",
			Help:      "Raw voice bytes accepted by the frame assembler.",
		}),
	}
}

func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
