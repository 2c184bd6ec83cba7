package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "threadgate"

var (
	Connections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "connections",
		Help:      "Live websocket connections on this instance.",
	})

	Frames = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "inbound_frames_total",
		Help:      "Inbound frames by kind.",
	}, []string{"type"})

	Deliveries = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "deliveries_total",
		Help:      "Outbound frame deliveries to local connections by result.",
	}, []string{"result"})

	PublishFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "fanout_publish_failures_total",
		Help:      "Envelopes that could not be published to the fan-out bus.",
	})

	Relayed = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "fanout_relayed_total",
		Help:      "Envelopes received from other instances and delivered locally.",
	})
)

func init() {
	prometheus.MustRegister(Connections, Frames, Deliveries, PublishFailures, Relayed)
}

func Handler() http.Handler {
	return promhttp.Handler()
}
