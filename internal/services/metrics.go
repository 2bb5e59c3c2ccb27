package services

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics tracks verification, activation, and issuance outcomes.
type Metrics struct {
	Verifications *prometheus.CounterVec
	Activations   *prometheus.CounterVec
	Issuances     *prometheus.CounterVec
}

// NewMetrics registers the service counters on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		Verifications: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "keyserve",
			Name:      "license_verifications_total",
			Help:      "License verification requests by outcome.",
		}, []string{"outcome"}),
		Activations: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "keyserve",
			Name:      "machine_activations_total",
			Help:      "Machine activation attempts by result.",
		}, []string{"result"}),
		Issuances: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "keyserve",
			Name:      "license_issuances_total",
			Help:      "License issuance attempts by platform and outcome.",
		}, []string{"platform", "outcome"}),
	}
}

// NewTestMetrics returns metrics bound to a private registry, for tests.
func NewTestMetrics() *Metrics {
	return NewMetrics(prometheus.NewRegistry())
}
