// Package metric manages Prometheus metrics for the gateway: a registry
// wrapper, the core gateway metrics, and the HTTP exposition server.
package metric

import (
	stderrors "errors"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/guycorbaz/opcgw/errors"
)

// Registry manages the registration and lifecycle of metrics.
type Registry struct {
	prometheusRegistry *prometheus.Registry
	Core               *Metrics
	registered         map[string]prometheus.Collector
	mu                 sync.RWMutex
}

// NewRegistry creates a new metrics registry with the core gateway metrics
// and the Go runtime collectors pre-registered.
func NewRegistry() *Registry {
	reg := &Registry{
		prometheusRegistry: prometheus.NewRegistry(),
		registered:         make(map[string]prometheus.Collector),
	}

	reg.Core = NewMetrics()
	reg.prometheusRegistry.MustRegister(
		reg.Core.UpstreamReachable,
		reg.Core.UpstreamRTT,
		reg.Core.PollTicks,
		reg.Core.PollSkipped,
		reg.Core.FetchesTotal,
		reg.Core.SamplesStored,
		reg.Core.StoreKeys,
		reg.Core.StoreKeysPopulated,
		reg.Core.ClientWrites,
		reg.Core.DownlinkQueueDepth,
		reg.Core.ComponentState,
	)

	reg.prometheusRegistry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return reg
}

// PrometheusRegistry returns the underlying Prometheus registry.
func (r *Registry) PrometheusRegistry() *prometheus.Registry {
	return r.prometheusRegistry
}

// register adds a named collector, guarding against duplicate registration
// at both the gateway and Prometheus level.
func (r *Registry) register(component, name, op string, c prometheus.Collector) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := fmt.Sprintf("%s.%s", component, name)
	if _, exists := r.registered[key]; exists {
		return errors.WrapInvalid(
			fmt.Errorf("metric %s already registered for %s", name, component),
			"Registry", op, "duplicate metric registration")
	}

	if err := r.prometheusRegistry.Register(c); err != nil {
		var already prometheus.AlreadyRegisteredError
		if stderrors.As(err, &already) {
			return errors.WrapInvalid(err, "Registry", op,
				fmt.Sprintf("prometheus conflict for metric %s", name))
		}
		return errors.WrapFatal(err, "Registry", op, "register collector with prometheus")
	}

	r.registered[key] = c
	return nil
}

// RegisterCounter registers a counter metric for a component.
func (r *Registry) RegisterCounter(component, name string, c prometheus.Counter) error {
	return r.register(component, name, "RegisterCounter", c)
}

// RegisterGauge registers a gauge metric for a component.
func (r *Registry) RegisterGauge(component, name string, g prometheus.Gauge) error {
	return r.register(component, name, "RegisterGauge", g)
}

// RegisterCounterVec registers a counter vector metric for a component.
func (r *Registry) RegisterCounterVec(component, name string, cv *prometheus.CounterVec) error {
	return r.register(component, name, "RegisterCounterVec", cv)
}

// RegisterGaugeVec registers a gauge vector metric for a component.
func (r *Registry) RegisterGaugeVec(component, name string, gv *prometheus.GaugeVec) error {
	return r.register(component, name, "RegisterGaugeVec", gv)
}

// RegisterHistogramVec registers a histogram vector metric for a component.
func (r *Registry) RegisterHistogramVec(component, name string, hv *prometheus.HistogramVec) error {
	return r.register(component, name, "RegisterHistogramVec", hv)
}

// Unregister removes a metric from the registry.
func (r *Registry) Unregister(component, name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := fmt.Sprintf("%s.%s", component, name)
	c, exists := r.registered[key]
	if !exists {
		return false
	}

	ok := r.prometheusRegistry.Unregister(c)
	if ok {
		delete(r.registered, key)
	}
	return ok
}
