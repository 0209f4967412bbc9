// Package metrics exposes Prometheus collectors for the controller and the
// device server. Collectors are registered on an injected registry so tests
// and both binaries stay independent of the global one.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Handler serves the collectors of reg in the Prometheus text format.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}

// setOneHot sets the label matching current to 1 and all others to 0.
func setOneHot(vec *prometheus.GaugeVec, values []string, current string) {
	for _, v := range values {
		if v == current {
			vec.WithLabelValues(v).Set(1)
		} else {
			vec.WithLabelValues(v).Set(0)
		}
	}
}

func boolGauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
