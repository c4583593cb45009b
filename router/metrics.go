package router

import "github.com/prometheus/client_golang/prometheus"

// metrics are the per-service gauges the router maintains. Wiring follows
// example/proxysip/main.go's promhttp.Handler() setup, except the
// Registry is injected rather than the global DefaultRegisterer, so
// package router stays testable without process-wide state.
type metrics struct {
	activeCalls prometheus.Gauge
}

func newMetrics(reg *prometheus.Registry, service string) (*metrics, error) {
	m := &metrics{
		activeCalls: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   "sipstack",
			Subsystem:   "router",
			Name:        "active_calls",
			Help:        "Number of live call actors for a service.",
			ConstLabels: prometheus.Labels{"service": service},
		}),
	}
	if reg == nil {
		return m, nil
	}
	if err := reg.Register(m.activeCalls); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			m.activeCalls = are.ExistingCollector.(prometheus.Gauge)
			return m, nil
		}
		return nil, err
	}
	return m, nil
}
