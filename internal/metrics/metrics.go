// Package metrics defines the bridge's Prometheus collectors.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "openclaw_wechat"

// Link names used as label values
const (
	LinkGateway = "gateway"
	LinkWeChat  = "wechat"
)

// Metrics holds every collector, registered on one registry.
type Metrics struct {
	registry *prometheus.Registry

	// Message flow
	MessagesReceived *prometheus.CounterVec // by content type
	MessagesRelayed  prometheus.Counter
	MessagesRejected prometheus.Counter
	UsersPaired      prometheus.Counter
	RepliesSent      *prometheus.CounterVec // by kind: text, image, file, video
	AgentErrors      prometheus.Counter
	AgentDuration    prometheus.Histogram

	// Media
	MediaDownloads *prometheus.CounterVec // by kind and result

	// Links
	Reconnects *prometheus.CounterVec // by link
	LinkUp     *prometheus.GaugeVec   // by link, 1 when usable
}

// New creates a fresh registry with the bridge collectors plus the Go and
// process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,

		MessagesReceived: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_received_total",
			Help:      "Inbound WeChat messages by content type",
		}, []string{"type"}),
		MessagesRelayed: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_relayed_total",
			Help:      "Messages forwarded to the agent",
		}),
		MessagesRejected: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_rejected_total",
			Help:      "Messages from senders not on the allow-list",
		}),
		UsersPaired: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "users_paired_total",
			Help:      "Senders added via pairing code",
		}),
		RepliesSent: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "replies_sent_total",
			Help:      "Outbound sends by kind",
		}, []string{"kind"}),
		AgentErrors: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "agent_errors_total",
			Help:      "Failed agent calls or reply deliveries",
		}),
		AgentDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "agent_call_duration_seconds",
			Help:      "Agent call latency",
			Buckets:   []float64{.5, 1, 2, 5, 10, 20, 30, 60, 120},
		}),
		MediaDownloads: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "media_downloads_total",
			Help:      "Inbound media downloads by kind and result",
		}, []string{"kind", "result"}),
		Reconnects: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconnects_total",
			Help:      "Connection losses by link",
		}, []string{"link"}),
		LinkUp: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "link_up",
			Help:      "1 when the link is connected and usable",
		}, []string{"link"}),
	}
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// SetLinkUp records the usable state of a link.
func (m *Metrics) SetLinkUp(link string, up bool) {
	v := 0.0
	if up {
		v = 1
	}
	m.LinkUp.WithLabelValues(link).Set(v)
}
