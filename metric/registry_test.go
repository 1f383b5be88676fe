package metric

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/guycorbaz/opcgw/errors"
)

func TestNewRegistryCoreMetrics(t *testing.T) {
	reg := NewRegistry()
	require.NotNil(t, reg.Core)

	// Core metrics are registered; gathering must not fail.
	reg.Core.StoreKeys.Set(3)
	reg.Core.UpstreamReachable.Set(1)

	families, err := reg.PrometheusRegistry().Gather()
	require.NoError(t, err)

	names := make(map[string]bool, len(families))
	for _, f := range families {
		names[f.GetName()] = true
	}
	assert.True(t, names["opcgw_store_keys"])
	assert.True(t, names["opcgw_upstream_reachable"])
}

func TestRegisterCounterDuplicate(t *testing.T) {
	reg := NewRegistry()

	c := prometheus.NewCounter(prometheus.CounterOpts{Name: "test_counter_total"})
	require.NoError(t, reg.RegisterCounter("poller", "test_counter_total", c))

	other := prometheus.NewCounter(prometheus.CounterOpts{Name: "test_counter_total"})
	err := reg.RegisterCounter("poller", "test_counter_total", other)
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))
}

func TestUnregister(t *testing.T) {
	reg := NewRegistry()

	g := prometheus.NewGauge(prometheus.GaugeOpts{Name: "test_gauge"})
	require.NoError(t, reg.RegisterGauge("store", "test_gauge", g))

	assert.True(t, reg.Unregister("store", "test_gauge"))
	assert.False(t, reg.Unregister("store", "test_gauge"))

	// Re-registration after unregister succeeds.
	require.NoError(t, reg.RegisterGauge("store", "test_gauge", g))
}
