// Package metrics provides Prometheus instrumentation for the plugin
// loader, trimmed from the host application's broader metrics surface
// down to what a library-loading runtime actually needs to observe.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds every counter and gauge the loader touches.
//
// Usage:
//
//	m := metrics.New()
//	m.LibraryLoaded("/plugins/geometry.so")
//	m.ABISkewDetected("geometry.Circle")
type Metrics struct {
	// LibraryLoadCounter counts load_library calls by outcome.
	// Labels: outcome (loaded|empty|open_failed)
	LibraryLoadCounter *prometheus.CounterVec

	// ActivePluginHandles tracks currently-live plugin handles.
	ActivePluginHandles prometheus.Gauge

	// OpenLibraries tracks currently-open operating-system library
	// handles, summed across every Loader sharing a process.
	OpenLibraries prometheus.Gauge

	// ABISkewCounter counts descriptors rejected for a sizeof/alignof
	// mismatch between a library and the host (spec §4.1).
	ABISkewCounter prometheus.Counter

	// RegistrationCounter counts descriptors successfully deposited,
	// labeled by mode (native|dynamic).
	RegistrationCounter *prometheus.CounterVec

	// LegacyHookCounter counts invocations of the legacy registration
	// path, labeled by outcome (migrated|rejected).
	LegacyHookCounter *prometheus.CounterVec

	// ForgetCounter counts forget_library/forget_library_of_plugin
	// calls, labeled by outcome (ok|not_found).
	ForgetCounter *prometheus.CounterVec
}

// New creates and registers every metric with Prometheus's default
// registry. Call once per process.
func New() *Metrics {
	return &Metrics{
		LibraryLoadCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pluginhost_library_load_total",
				Help: "Total number of load_library calls by outcome",
			},
			[]string{"outcome"},
		),

		ActivePluginHandles: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "pluginhost_active_plugin_handles",
				Help: "Current number of live plugin handles",
			},
		),

		OpenLibraries: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "pluginhost_open_libraries",
				Help: "Current number of open operating-system library handles",
			},
		),

		ABISkewCounter: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "pluginhost_abi_skew_total",
				Help: "Total number of descriptors rejected for sizeof/alignof mismatch",
			},
		),

		RegistrationCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pluginhost_registrations_total",
				Help: "Total number of descriptors deposited, by registry mode",
			},
			[]string{"mode"},
		),

		LegacyHookCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pluginhost_legacy_hook_total",
				Help: "Total number of legacy registration hook invocations, by outcome",
			},
			[]string{"outcome"},
		),

		ForgetCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pluginhost_forget_total",
				Help: "Total number of forget calls, by outcome",
			},
			[]string{"outcome"},
		),
	}
}

// LibraryLoaded records a successful load_library call that produced at
// least one plugin name.
func (m *Metrics) LibraryLoaded(path string) {
	_ = path
	m.LibraryLoadCounter.WithLabelValues("loaded").Inc()
	m.OpenLibraries.Inc()
}

// LibraryLoadEmpty records a load_library call that produced zero
// plugin names (spec §4.8's "declares no plugins" outcome).
func (m *Metrics) LibraryLoadEmpty() {
	m.LibraryLoadCounter.WithLabelValues("empty").Inc()
}

// LibraryOpenFailed records a load_library call that could not open the
// operating-system library at all.
func (m *Metrics) LibraryOpenFailed() {
	m.LibraryLoadCounter.WithLabelValues("open_failed").Inc()
}

// PluginInstantiated increments the active-handle gauge.
func (m *Metrics) PluginInstantiated() {
	m.ActivePluginHandles.Inc()
}

// PluginReleased decrements the active-handle gauge.
func (m *Metrics) PluginReleased() {
	m.ActivePluginHandles.Dec()
}

// ABISkewDetected records a descriptor rejected for ABI mismatch.
func (m *Metrics) ABISkewDetected(symbol string) {
	_ = symbol
	m.ABISkewCounter.Inc()
}

// Registered records a successful deposit, labeled by whether it went
// into the native or dynamic table.
func (m *Metrics) Registered(dynamic bool) {
	mode := "native"
	if dynamic {
		mode = "dynamic"
	}
	m.RegistrationCounter.WithLabelValues(mode).Inc()
}

// LegacyHookInvoked records the outcome of a legacy-hook probe.
func (m *Metrics) LegacyHookInvoked(migrated bool) {
	outcome := "rejected"
	if migrated {
		outcome = "migrated"
	}
	m.LegacyHookCounter.WithLabelValues(outcome).Inc()
}

// Forgotten records the outcome of a forget_library or
// forget_library_of_plugin call.
func (m *Metrics) Forgotten(found bool) {
	outcome := "not_found"
	if found {
		outcome = "ok"
	}
	m.ForgetCounter.WithLabelValues(outcome).Inc()
}
