package middleman

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var framesRelayedCounter = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "concent_middleman_frames_relayed_total",
	Help: "counter of frames relayed between Concent front-end connections and the Signing Service",
}, []string{"direction"})

var invalidFramesCounter = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "concent_middleman_invalid_frames_total",
	Help: "counter of frames which failed to decode and were answered or logged as protocol errors",
}, []string{"peer"})

var droppedTrackerEntriesCounter = promauto.NewCounter(prometheus.CounterOpts{
	Name: "concent_middleman_dropped_tracker_entries_total",
	Help: "counter of in-flight requests abandoned by the Signing Service and discarded from the message tracker",
})

var failedInFlightCounter = promauto.NewCounter(prometheus.CounterOpts{
	Name: "concent_middleman_failed_in_flight_total",
	Help: "counter of in-flight requests failed back to their originators after the Signing Service connection was lost",
})

var connectionsGauge = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "concent_middleman_connections",
	Help: "gauge of currently served Concent front-end connections",
})
