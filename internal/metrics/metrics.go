// Package metrics exports the server's Prometheus instrumentation.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Observer bundles every collector the server updates. A single instance is
// created in main and handed to the cores.
type Observer struct {
	wsConns          *prometheus.GaugeVec
	sshSessions      prometheus.Gauge
	monitorIngress   prometheus.Counter
	monitorFanout    prometheus.Counter
	monitorDropped   prometheus.Counter
	aiRequests       *prometheus.CounterVec
	rateRejections   *prometheus.CounterVec
	keepaliveLatency prometheus.Histogram
}

// New registers all collectors on a fresh registry and returns both.
func New() (*Observer, *prometheus.Registry) {
	reg := prometheus.NewRegistry()
	o := &Observer{
		wsConns: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "easyssh_ws_connections",
			Help: "Current websocket connection count per path.",
		}, []string{"path"}),
		sshSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "easyssh_ssh_sessions_active",
			Help: "SSH sessions currently open.",
		}),
		monitorIngress: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "easyssh_monitor_frames_ingested_total",
			Help: "Telemetry frames accepted into the cache.",
		}),
		monitorFanout: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "easyssh_monitor_frames_sent_total",
			Help: "Telemetry frames pushed to subscribers.",
		}),
		monitorDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "easyssh_monitor_frames_dropped_total",
			Help: "Telemetry frames dropped by subscriber backpressure.",
		}),
		aiRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "easyssh_ai_requests_total",
			Help: "AI pipeline requests by result.",
		}, []string{"result"}),
		rateRejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "easyssh_ratelimit_rejections_total",
			Help: "Rate limiter rejections by reason.",
		}, []string{"reason"}),
		keepaliveLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "easyssh_ssh_keepalive_latency_seconds",
			Help:    "Round-trip latency of SSH keepalive requests.",
			Buckets: prometheus.DefBuckets,
		}),
	}
	reg.MustRegister(
		o.wsConns,
		o.sshSessions,
		o.monitorIngress,
		o.monitorFanout,
		o.monitorDropped,
		o.aiRequests,
		o.rateRejections,
		o.keepaliveLatency,
	)
	return o, reg
}

// Handler returns the /metrics HTTP handler bound to the registry.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}

// Nop returns an Observer whose collectors are registered nowhere, for tests
// and for cores constructed without instrumentation.
func Nop() *Observer {
	o, _ := New()
	return o
}

func (o *Observer) WSOpened(path string)  { o.wsConns.WithLabelValues(path).Inc() }
func (o *Observer) WSClosed(path string)  { o.wsConns.WithLabelValues(path).Dec() }
func (o *Observer) SSHOpened()            { o.sshSessions.Inc() }
func (o *Observer) SSHClosed()            { o.sshSessions.Dec() }
func (o *Observer) MonitorIngress()       { o.monitorIngress.Inc() }
func (o *Observer) MonitorFanout()        { o.monitorFanout.Inc() }
func (o *Observer) MonitorDropped()       { o.monitorDropped.Inc() }
func (o *Observer) AIRequest(result string) {
	o.aiRequests.WithLabelValues(result).Inc()
}
func (o *Observer) RateRejected(reason string) {
	o.rateRejections.WithLabelValues(reason).Inc()
}
func (o *Observer) KeepaliveLatency(d time.Duration) {
	o.keepaliveLatency.Observe(d.Seconds())
}
