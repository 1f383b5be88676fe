package metric

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics contains the core gateway metrics shared by the poller, the
// store and the OPC UA binding.
type Metrics struct {
	// Upstream health
	UpstreamReachable prometheus.Gauge
	UpstreamRTT       prometheus.Gauge

	// Poller
	PollTicks    *prometheus.CounterVec
	PollSkipped  prometheus.Counter
	FetchesTotal *prometheus.CounterVec

	// Store
	SamplesStored      prometheus.Counter
	StoreKeys          prometheus.Gauge
	StoreKeysPopulated prometheus.Gauge

	// OPC UA binding
	ClientWrites *prometheus.CounterVec

	// Downlink path
	DownlinkQueueDepth prometheus.Gauge

	// Lifecycle
	ComponentState *prometheus.GaugeVec
}

// NewMetrics creates the core gateway metrics.
func NewMetrics() *Metrics {
	return &Metrics{
		UpstreamReachable: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "opcgw",
			Subsystem: "upstream",
			Name:      "reachable",
			Help:      "Whether the ChirpStack server answered the last liveness probe (0/1)",
		}),
		UpstreamRTT: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "opcgw",
			Subsystem: "upstream",
			Name:      "probe_rtt_seconds",
			Help:      "Round-trip time of the last successful liveness probe",
		}),
		PollTicks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "opcgw",
			Subsystem: "poller",
			Name:      "ticks_total",
			Help:      "Poll ticks by outcome",
		}, []string{"outcome"}),
		PollSkipped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "opcgw",
			Subsystem: "poller",
			Name:      "ticks_skipped_total",
			Help:      "Ticks skipped because the previous tick was still running",
		}),
		FetchesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "opcgw",
			Subsystem: "poller",
			Name:      "device_fetches_total",
			Help:      "Per-device metric fetches by status",
		}, []string{"status"}),
		SamplesStored: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "opcgw",
			Subsystem: "store",
			Name:      "samples_stored_total",
			Help:      "Samples written to the store by the poller",
		}),
		StoreKeys: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "opcgw",
			Subsystem: "store",
			Name:      "keys",
			Help:      "Number of registered (device, metric) keys",
		}),
		StoreKeysPopulated: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "opcgw",
			Subsystem: "store",
			Name:      "keys_populated",
			Help:      "Number of keys holding at least one observed value",
		}),
		ClientWrites: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "opcgw",
			Subsystem: "opcua",
			Name:      "client_writes_total",
			Help:      "OPC UA client writes by result",
		}, []string{"result"}),
		DownlinkQueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "opcgw",
			Subsystem: "downlink",
			Name:      "queue_depth",
			Help:      "Device commands waiting to be forwarded upstream",
		}),
		ComponentState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "opcgw",
			Subsystem: "component",
			Name:      "state",
			Help:      "Component lifecycle state (0=init, 1=connecting, 2=running, 3=degraded, 4=stopped)",
		}, []string{"component"}),
	}
}
