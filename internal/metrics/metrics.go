// Package metrics exposes the process-wide Prometheus collectors shared by
// the process group signaling path, the event bus, and the supervisor/health
// loop. Collectors are registered once via promauto against the default
// registry; callers only increment/observe.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	procTerminateTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "supervisor_proc_terminate_total",
		Help: "Total number of signal-based process terminations attempted, by signal and outcome.",
	}, []string{"signal", "outcome"})

	procWaitTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "supervisor_proc_wait_total",
		Help: "Total number of process Wait() outcomes observed during termination.",
	}, []string{"outcome"})

	busDropTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "supervisor_bus_publish_dropped_total",
		Help: "Total number of event-bus publishes dropped because a subscriber did not drain in time.",
	}, []string{"topic", "reason"})

	// ChannelsRunning tracks the live gauge of channels in RUNNING state.
	ChannelsRunning = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "channels_running",
		Help: "Current number of channels with a supervised, live encoder process.",
	})

	// ChannelRestartsTotal counts restart attempts per channel outcome.
	ChannelRestartsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "channel_restarts_total",
		Help: "Total number of channel restart attempts, by outcome (ok, budget_exceeded, error).",
	}, []string{"outcome"})

	// EncoderSpawnDuration observes the wall-clock time to spawn an encoder process.
	EncoderSpawnDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "encoder_spawn_duration_seconds",
		Help:    "Time to build argv and spawn the encoder child process.",
		Buckets: prometheus.DefBuckets,
	})

	// MetricsParseErrorsTotal counts stderr lines that looked parseable but failed.
	MetricsParseErrorsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "metrics_parse_errors_total",
		Help: "Total number of encoder stderr lines that raised a parse error (swallowed, logged at debug).",
	})
)

// IncProcTerminate records a signal delivery attempt and its outcome
// ("sent", "esrch", "error") during graceful/forced process termination.
func IncProcTerminate(signal, outcome string) {
	procTerminateTotal.WithLabelValues(signal, outcome).Inc()
}

// IncProcWait records the outcome of draining a process's Wait() channel
// during termination ("exit0", "exit_nonzero", "forced_exit0", "forced_error").
func IncProcWait(outcome string) {
	procWaitTotal.WithLabelValues(outcome).Inc()
}

// IncBusDropReason records an event-bus publish drop, keyed by topic and reason.
func IncBusDropReason(topic, reason string) {
	busDropTotal.WithLabelValues(topic, reason).Inc()
}
