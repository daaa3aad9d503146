package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry wraps Prometheus collectors used by the broker.
type Registry struct {
	Subscribers subscriberGauges
	Frames      frameCounters
}

type subscriberGauges struct {
	// Active subscribers per stream mode.
	Active *prometheus.GaugeVec
}

type frameCounters struct {
	CommandsReceived prometheus.Counter
	StreamDelivered  prometheus.Counter
	SendErrors       prometheus.Counter
	Malformed        prometheus.Counter
	RefreshRequests  prometheus.Counter
	Evictions        prometheus.Counter
	BlocksObserved   *prometheus.CounterVec
}

// NewRegistry creates Prometheus metrics collectors.
func NewRegistry() *Registry {
	return &Registry{
		Subscribers: subscriberGauges{
			Active: promauto.NewGaugeVec(prometheus.GaugeOpts{
				Name: "streamproxy_subscribers_active",
				Help: "Number of registered subscribers per stream mode",
			}, []string{"mode"}),
		},
		Frames: frameCounters{
			CommandsReceived: promauto.NewCounter(prometheus.CounterOpts{
				Name: "streamproxy_commands_received_total",
				Help: "Total number of control commands dispatched",
			}),
			StreamDelivered: promauto.NewCounter(prometheus.CounterOpts{
				Name: "streamproxy_stream_data_sent_total",
				Help: "Total number of stream_data frames sent to subscribers",
			}),
			SendErrors: promauto.NewCounter(prometheus.CounterOpts{
				Name: "streamproxy_send_errors_total",
				Help: "Total number of outbound datagram send failures",
			}),
			Malformed: promauto.NewCounter(prometheus.CounterOpts{
				Name: "streamproxy_malformed_frames_total",
				Help: "Total number of inbound frames dropped as malformed",
			}),
			RefreshRequests: promauto.NewCounter(prometheus.CounterOpts{
				Name: "streamproxy_refresh_requests_total",
				Help: "Total number of refresh_req notices sent",
			}),
			Evictions: promauto.NewCounter(prometheus.CounterOpts{
				Name: "streamproxy_evictions_total",
				Help: "Total number of subscribers evicted after lease underflow",
			}),
			BlocksObserved: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "streamproxy_blocks_observed_total",
				Help: "Total number of block boundaries observed per stream mode",
			}, []string{"mode"}),
		},
	}
}

// Handler returns an HTTP handler exposing Prometheus metrics.
func (r *Registry) Handler() http.Handler {
	return promhttp.Handler()
}
