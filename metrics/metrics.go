// Package metrics collects the kernel's Prometheus counters and
// gauges. A single *Set is constructed at boot and threaded into every
// subsystem that wants to record an event, the same way a *kernel.Kernel
// handle is threaded instead of relying on package-level globals.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Set bundles every counter/gauge the kernel's components update.
type Set struct {
	Registry *prometheus.Registry

	CacheHits      prometheus.Counter
	CacheMisses    prometheus.Counter
	CacheEvictions prometheus.Counter

	FrameEvictions prometheus.Counter
	FramesInUse    prometheus.Gauge

	FaultsByKind *prometheus.CounterVec

	SyscallsTotal *prometheus.CounterVec

	ContextSwitches prometheus.Counter
}

// New constructs a Set and registers every metric with a fresh
// registry, so tests can create independent Sets without colliding on
// the default global registry.
func New() *Set {
	reg := prometheus.NewRegistry()
	s := &Set{
		Registry: reg,
		CacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "eduos_cache_hits_total",
			Help: "Buffer cache lookups that found the sector already resident.",
		}),
		CacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "eduos_cache_misses_total",
			Help: "Buffer cache lookups that required a slot allocation.",
		}),
		CacheEvictions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "eduos_cache_evictions_total",
			Help: "Buffer cache slots reclaimed via clock replacement.",
		}),
		FrameEvictions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "eduos_frame_evictions_total",
			Help: "User frames evicted to swap.",
		}),
		FramesInUse: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "eduos_frames_in_use",
			Help: "User frames currently allocated.",
		}),
		FaultsByKind: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "eduos_page_faults_total",
			Help: "Page faults resolved, partitioned by resolution kind.",
		}, []string{"kind"}),
		SyscallsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "eduos_syscalls_total",
			Help: "Syscalls dispatched, partitioned by name.",
		}, []string{"name"}),
		ContextSwitches: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "eduos_context_switches_total",
			Help: "Scheduler context switches performed.",
		}),
	}
	reg.MustRegister(s.CacheHits, s.CacheMisses, s.CacheEvictions,
		s.FrameEvictions, s.FramesInUse, s.FaultsByKind, s.SyscallsTotal,
		s.ContextSwitches)
	return s
}
