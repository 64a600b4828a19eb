// Package metrics holds the Prometheus collectors shared by every peer.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	MAPIDispatchedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "avsim_mapi_dispatched_total",
		Help: "Total number of MAPI commands handed to a handler, by topic",
	}, []string{"topic"})

	MAPIDroppedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "avsim_mapi_dropped_total",
		Help: "Total number of inbound MAPI messages dropped, by reason",
	}, []string{"reason"})

	BusPublishErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "avsim_bus_publish_errors_total",
		Help: "Total number of failed or skipped bus publishes, by topic",
	}, []string{"topic"})

	BusConnected = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "avsim_bus_connected",
		Help: "1 while the bus client holds a broker connection",
	})

	PeerActive = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "avsim_peer_active",
		Help: "Last reported liveness per peer (1 active, 0 inactive, -1 unknown)",
	}, []string{"peer"})

	FramesCapturedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "avsim_frames_captured_total",
		Help: "Total number of frames grabbed by a capture worker",
	}, []string{"device"})

	FramesRecordedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "avsim_frames_recorded_total",
		Help: "Total number of frames written to recording sinks",
	}, []string{"device"})

	FramesDroppedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "avsim_frames_display_dropped_total",
		Help: "Frames overwritten in the display mailbox before being read",
	}, []string{"device"})

	DetectorErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "avsim_detector_errors_total",
		Help: "Total number of failed pose detections",
	}, []string{"device"})

	StillsWrittenTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "avsim_stills_written_total",
		Help: "Total number of still images written",
	}, []string{"device"})

	ScenarioEventsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "avsim_scenario_events_emitted_total",
		Help: "Total number of scenario events published by the manager",
	})

	EventLoopDroppedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "avsim_eventloop_dropped_total",
		Help: "Closures dropped because the event loop queue was full",
	})
)

// IncDropped records a dropped inbound MAPI message.
func IncDropped(reason string) {
	if reason == "" {
		reason = "unknown"
	}
	MAPIDroppedTotal.WithLabelValues(reason).Inc()
}

// SetPeerState publishes a peer liveness value: 1 active, 0 inactive, -1 unknown.
func SetPeerState(peer string, value float64) {
	PeerActive.WithLabelValues(peer).Set(value)
}

// SetBusConnected flips the connection gauge.
func SetBusConnected(connected bool) {
	if connected {
		BusConnected.Set(1)
		return
	}
	BusConnected.Set(0)
}

var (
	EyeTrackerBatteryPercent = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "avsim_eyetracker_battery_percent",
		Help: "Battery level of the eye-tracker companion device",
	})

	EyeTrackerFreeBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "avsim_eyetracker_memory_free_bytes",
		Help: "Free storage on the eye-tracker companion device",
	})

	EyeTrackerRecording = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "avsim_eyetracker_recording",
		Help: "1 while an eye-tracker recording is in progress",
	})

	EyeTrackerErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "avsim_eyetracker_errors_total",
		Help: "Total number of failed eye-tracker API calls, by operation",
	}, []string{"op"})
)

var (
	LivefeedClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "avsim_livefeed_clients",
		Help: "Number of connected operator websocket clients",
	})

	LivefeedDroppedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "avsim_livefeed_clients_dropped_total",
		Help: "Operator clients disconnected because they could not keep up",
	})

	HTTPRateLimitedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "avsim_http_rate_limited_total",
		Help: "Control requests rejected by the rate limiter, by route",
	}, []string{"route"})
)
