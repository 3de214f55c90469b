// Package metrics defines the Prometheus collectors for the bridge.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	PollsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kumobridge_polls_total",
			Help: "Device state polls by result",
		},
		[]string{"result"},
	)
	CommandsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kumobridge_commands_total",
			Help: "Dispatched device commands by result",
		},
		[]string{"result"},
	)
	CommandRetries = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "kumobridge_command_retries_total",
			Help: "Command dispatch retries after transient failures",
		},
	)
	StaleDevices = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "kumobridge_stale_devices",
			Help: "Devices currently showing unconfirmed last-known state",
		},
	)
	TrackedDevices = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "kumobridge_tracked_devices",
			Help: "Devices currently tracked by the reconciler",
		},
	)
	DirectoryRefreshes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kumobridge_directory_refreshes_total",
			Help: "Site/zone directory refreshes by result",
		},
		[]string{"result"},
	)
	TokenRefreshes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kumobridge_token_refreshes_total",
			Help: "Access token refreshes and logins by result",
		},
		[]string{"result"},
	)
)

// Registry builds a registry with all bridge collectors registered.
func Registry() *prometheus.Registry {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		PollsTotal,
		CommandsTotal,
		CommandRetries,
		StaleDevices,
		TrackedDevices,
		DirectoryRefreshes,
		TokenRefreshes,
	)
	return registry
}
