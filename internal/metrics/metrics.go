// Package metrics provides Prometheus instrumentation for the chat relay. It
// exposes a gauge for open connections, a counter of frames by outcome and
// histograms describing broadcast fan-out.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Frame outcomes used as the "result" label of Frames.
const (
	ResultForwarded   = "forwarded"
	ResultMalformed   = "malformed"
	ResultInvalid     = "invalid"
	ResultRateLimited = "rate_limited"
	ResultControl     = "control"
)

var (
	// Connections tracks the current number of relay connections.
	Connections = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "relay_connections",
		Help: "Current number of open relay connections",
	})

	// Frames counts inbound data frames by what the relay did with them.
	Frames = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_frames_total",
		Help: "Inbound frames by outcome",
	}, []string{"result"})

	// BroadcastFanout records how many clients received each broadcast.
	BroadcastFanout = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "relay_broadcast_fanout",
		Help:    "Number of clients reached per broadcast",
		Buckets: []float64{0, 1, 2, 5, 10, 25, 50, 100},
	})

	// BroadcastLatency records the wall time spent writing one broadcast.
	BroadcastLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "relay_broadcast_seconds",
		Help:    "Time spent fanning out one envelope",
		Buckets: []float64{.0005, .001, .005, .01, .025, .05, .1, .25, .5, 1},
	})
)

func init() {
	prometheus.MustRegister(
		Connections,
		Frames,
		BroadcastFanout,
		BroadcastLatency,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
