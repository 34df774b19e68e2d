package main

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"breakout/solver"
)

const metricsNamespace = "breakout"

type solveMetrics struct {
	gatherer prometheus.Gatherer

	solves     *prometheus.CounterVec
	duration   prometheus.Histogram
	rooms      prometheus.Histogram
	evictions  prometheus.Counter
	expansions prometheus.Counter
	flushed    prometheus.Counter
}

func newSolveMetrics(reg *prometheus.Registry) *solveMetrics {
	m := &solveMetrics{
		gatherer: reg,
		solves: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "solves_total",
			Help:      "Solve requests by outcome (valid, invalid, cached, error).",
		}, []string{"outcome"}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "solve_duration_seconds",
			Help:      "Time spent in the greedy room construction.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 4, 10),
		}),
		rooms: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "rooms",
			Help:      "Number of rooms in produced partitions.",
			Buckets:   prometheus.LinearBuckets(1, 5, 12),
		}),
		evictions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "trim_evictions_total",
			Help:      "Students evicted from rooms when the stress limit tightened.",
		}),
		expansions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "room_expansions_total",
			Help:      "Rooms opened because the current room could not grow.",
		}),
		flushed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "flushed_students_total",
			Help:      "Students placed alone because no pair fit the stress limit.",
		}),
	}
	reg.MustRegister(m.solves, m.duration, m.rooms, m.evictions, m.expansions, m.flushed)
	return m
}

func (m *solveMetrics) observe(sol solver.Solution, valid bool, elapsed time.Duration) {
	outcome := "valid"
	if !valid {
		outcome = "invalid"
	}
	m.solves.WithLabelValues(outcome).Inc()
	m.duration.Observe(elapsed.Seconds())
	m.rooms.Observe(float64(sol.NumRooms))
	m.evictions.Add(float64(sol.Stats.Evictions))
	m.expansions.Add(float64(sol.Stats.Expansions))
	m.flushed.Add(float64(sol.Stats.Flushed))
}

func (m *solveMetrics) cached() {
	m.solves.WithLabelValues("cached").Inc()
}

func (m *solveMetrics) failed() {
	m.solves.WithLabelValues("error").Inc()
}

func (m *solveMetrics) handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}
