package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "utcd"

// Recorder exposes Prometheus metrics for the daemon. A nil *Recorder is
// valid and records nothing.
type Recorder struct {
	packetsSent     *prometheus.CounterVec
	packetsReceived *prometheus.CounterVec
	connections     *prometheus.CounterVec
	rejections      *prometheus.CounterVec
	threatStatus    *prometheus.CounterVec
	activeConns     prometheus.Gauge
	blockedIPs      prometheus.Gauge
	totalBlocked    prometheus.Gauge
	trackedClients  *prometheus.GaugeVec
	cleanupRemoved  *prometheus.CounterVec
	configReloads   *prometheus.CounterVec
	sessionDuration prometheus.Histogram
}

// NewRecorder registers metrics with the provided registry.
func NewRecorder(reg prometheus.Registerer) *Recorder {
	r := &Recorder{
		packetsSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "packets_sent_total",
			Help:      "Time packets sent, by transport",
		}, []string{"transport"}),
		packetsReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "packets_received_total",
			Help:      "Datagrams received, by transport",
		}, []string{"transport"}),
		connections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_total",
			Help:      "TCP connections by admission result",
		}, []string{"result"}),
		rejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rejections_total",
			Help:      "Rejected connections and requests, by stage",
		}, []string{"stage"}),
		threatStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "threat_status_total",
			Help:      "Threat guard outcomes, by status",
		}, []string{"status"}),
		activeConns: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_connections",
			Help:      "Currently open TCP connections",
		}),
		blockedIPs: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "blocked_ips",
			Help:      "Addresses with a live block",
		}),
		totalBlocked: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "blocks_detected",
			Help:      "Blocks raised by attack detection since start or reset",
		}),
		trackedClients: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "tracked_clients",
			Help:      "Clients with in-memory state, by component",
		}, []string{"component"}),
		cleanupRemoved: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cleanup_removed_total",
			Help:      "Entries removed by periodic cleanup, by table",
		}, []string{"table"}),
		configReloads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "config_reloads_total",
			Help:      "Configuration reload attempts, by result",
		}, []string{"result"}),
		sessionDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "session_duration_seconds",
			Help:      "Lifetime of admitted TCP sessions",
			Buckets:   prometheus.DefBuckets,
		}),
	}

	reg.MustRegister(
		r.packetsSent,
		r.packetsReceived,
		r.connections,
		r.rejections,
		r.threatStatus,
		r.activeConns,
		r.blockedIPs,
		r.totalBlocked,
		r.trackedClients,
		r.cleanupRemoved,
		r.configReloads,
		r.sessionDuration,
	)
	return r
}

// Handler returns HTTP handler serving /metrics.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})
}

func (r *Recorder) ObservePacketSent(transport string) {
	if r == nil {
		return
	}
	r.packetsSent.WithLabelValues(transport).Inc()
}

func (r *Recorder) ObservePacketReceived(transport string) {
	if r == nil {
		return
	}
	r.packetsReceived.WithLabelValues(transport).Inc()
}

func (r *Recorder) ObserveAccepted() {
	if r == nil {
		return
	}
	r.connections.WithLabelValues("accepted").Inc()
}

// ObserveRejected counts a refusal. Connection-level refusals also count
// towards connections_total.
func (r *Recorder) ObserveRejected(stage string, connection bool) {
	if r == nil {
		return
	}
	if stage == "" {
		stage = "unknown"
	}
	r.rejections.WithLabelValues(stage).Inc()
	if connection {
		r.connections.WithLabelValues("rejected").Inc()
	}
}

func (r *Recorder) ObserveThreatStatus(status string) {
	if r == nil {
		return
	}
	r.threatStatus.WithLabelValues(status).Inc()
}

func (r *Recorder) SetActiveConnections(n int64) {
	if r == nil {
		return
	}
	r.activeConns.Set(float64(n))
}

func (r *Recorder) SetBlockedIPs(n int) {
	if r == nil {
		return
	}
	r.blockedIPs.Set(float64(n))
}

func (r *Recorder) SetTotalBlocked(n uint64) {
	if r == nil {
		return
	}
	r.totalBlocked.Set(float64(n))
}

func (r *Recorder) SetTrackedClients(component string, n int) {
	if r == nil {
		return
	}
	r.trackedClients.WithLabelValues(component).Set(float64(n))
}

func (r *Recorder) ObserveCleanup(table string, removed int) {
	if r == nil || removed <= 0 {
		return
	}
	r.cleanupRemoved.WithLabelValues(table).Add(float64(removed))
}

func (r *Recorder) ObserveConfigReload(ok bool) {
	if r == nil {
		return
	}
	result := "success"
	if !ok {
		result = "error"
	}
	r.configReloads.WithLabelValues(result).Inc()
}

func (r *Recorder) ObserveSession(d time.Duration) {
	if r == nil {
		return
	}
	r.sessionDuration.Observe(d.Seconds())
}
