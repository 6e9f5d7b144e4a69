// Package metrics exposes Prometheus counters for the ride pipeline and the
// stop clustering engine.
package metrics

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics groups every collector. A nil *Metrics is valid and records nothing.
type Metrics struct {
	FixesTotal       *prometheus.CounterVec
	WaypointsStored  prometheus.Counter
	StopsDetected    prometheus.Counter
	WriteErrors      *prometheus.CounterVec
	ClusterAssigned  *prometheus.CounterVec
	ClusterRebuilds  prometheus.Counter
	ActiveSessions   prometheus.Gauge
	StopDurationSecs prometheus.Histogram
}

// New creates the collectors and registers them on reg.
func New(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		FixesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "redlights_fixes_total",
				Help: "GPS fixes handled by the pipeline, by result.",
			},
			[]string{"result"},
		),
		WaypointsStored: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "redlights_waypoints_stored_total",
			Help: "Route waypoints kept by significance sampling.",
		}),
		StopsDetected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "redlights_stops_detected_total",
			Help: "Confirmed stop events.",
		}),
		WriteErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "redlights_storage_errors_total",
				Help: "Failed repository writes, by operation.",
			},
			[]string{"op"},
		),
		ClusterAssigned: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "redlights_cluster_assignments_total",
				Help: "Stops assigned to clusters, split by whether a cluster was joined or created.",
			},
			[]string{"outcome"},
		),
		ClusterRebuilds: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "redlights_cluster_rebuilds_total",
			Help: "Completed full cluster rebuilds.",
		}),
		ActiveSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "redlights_active_sessions",
			Help: "1 while a ride session is being recorded.",
		}),
		StopDurationSecs: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "redlights_stop_duration_seconds",
			Help:    "Duration of confirmed stops at confirmation time.",
			Buckets: []float64{15, 20, 30, 45, 60, 90, 120, 300},
		}),
	}

	for _, c := range []prometheus.Collector{
		m.FixesTotal, m.WaypointsStored, m.StopsDetected, m.WriteErrors,
		m.ClusterAssigned, m.ClusterRebuilds, m.ActiveSessions, m.StopDurationSecs,
	} {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("failed to register pipeline metrics: %w", err)
		}
	}
	return m, nil
}

func (m *Metrics) Fix(result string) {
	if m == nil {
		return
	}
	m.FixesTotal.WithLabelValues(result).Inc()
}

func (m *Metrics) Waypoint() {
	if m == nil {
		return
	}
	m.WaypointsStored.Inc()
}

func (m *Metrics) Stop(durationSec int) {
	if m == nil {
		return
	}
	m.StopsDetected.Inc()
	m.StopDurationSecs.Observe(float64(durationSec))
}

func (m *Metrics) WriteError(op string) {
	if m == nil {
		return
	}
	m.WriteErrors.WithLabelValues(op).Inc()
}

func (m *Metrics) Assigned(created bool) {
	if m == nil {
		return
	}
	outcome := "joined"
	if created {
		outcome = "created"
	}
	m.ClusterAssigned.WithLabelValues(outcome).Inc()
}

func (m *Metrics) Rebuilt() {
	if m == nil {
		return
	}
	m.ClusterRebuilds.Inc()
}

func (m *Metrics) SetActive(active bool) {
	if m == nil {
		return
	}
	if active {
		m.ActiveSessions.Set(1)
		return
	}
	m.ActiveSessions.Set(0)
}
