// Package metrics holds the process-wide prometheus collectors.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "cordis"

var (
	GatewaySessions = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "gateway",
		Name:      "sessions",
		Help:      "Ready gateway sessions on this node.",
	})
	GatewayTopics = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "gateway",
		Name:      "topics",
		Help:      "Broker topics this node is subscribed to.",
	})
	GatewayDispatches = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "gateway",
		Name:      "dispatches_total",
		Help:      "Dispatch frames by outcome.",
	}, []string{"status"})
	GatewayClosures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "gateway",
		Name:      "closures_total",
		Help:      "Closed gateway connections by reason.",
	}, []string{"reason"})

	VoiceRooms = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "voice",
		Name:      "rooms",
		Help:      "Live voice rooms.",
	})
	VoicePeers = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "voice",
		Name:      "peers",
		Help:      "Peers joined to voice rooms.",
	})
	VoiceWorkers = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "voice",
		Name:      "workers",
		Help:      "Media workers in rotation.",
	})
	VoiceOperations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "voice",
		Name:      "operations_total",
		Help:      "Signaling operations by method and status.",
	}, []string{"method", "status"})
)

func Handler() http.Handler {
	return promhttp.Handler()
}
