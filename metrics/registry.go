// Package metrics exposes the structured metrics the core produces.
// The core never exports metrics itself (§1: "transport is the
// caller's problem"); it only updates plain-struct snapshots and,
// optionally, Prometheus collectors registered against a caller-owned
// registry.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Registry is the minimal surface components need to publish gauges
// and counters. *prometheus.Registry satisfies it; so does Noop.
type Registry interface {
	MustRegister(...prometheus.Collector)
}

type noopRegistry struct{}

func (noopRegistry) MustRegister(...prometheus.Collector) {}

// Noop is a Registry that discards every registration, used when a
// caller hasn't wired a real Prometheus registry.
var Noop Registry = noopRegistry{}

// GaugeVec builds a GaugeVec and registers it against reg, tolerating a
// nil/no-op registry.
func GaugeVec(reg Registry, namespace, name, help string, labels ...string) *prometheus.GaugeVec {
	g := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      name,
		Help:      help,
	}, labels)
	safeRegister(reg, g)
	return g
}

// CounterVec builds a CounterVec and registers it against reg.
func CounterVec(reg Registry, namespace, name, help string, labels ...string) *prometheus.CounterVec {
	c := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      name,
		Help:      help,
	}, labels)
	safeRegister(reg, c)
	return c
}

// HistogramVec builds a HistogramVec and registers it against reg.
func HistogramVec(reg Registry, namespace, name, help string, buckets []float64, labels ...string) *prometheus.HistogramVec {
	h := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      name,
		Help:      help,
		Buckets:   buckets,
	}, labels)
	safeRegister(reg, h)
	return h
}

func safeRegister(reg Registry, c prometheus.Collector) {
	if reg == nil {
		reg = Noop
	}
	defer func() {
		// A duplicate registration (e.g. two engines sharing a registry
		// across tests) is not fatal to the caller; swallow it here
		// since the existing collector is already serving the same role.
		_ = recover()
	}()
	reg.MustRegister(c)
}
