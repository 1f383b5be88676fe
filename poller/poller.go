package poller

import (
	"context"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/guycorbaz/opcgw/config"
	"github.com/guycorbaz/opcgw/errors"
	"github.com/guycorbaz/opcgw/health"
	"github.com/guycorbaz/opcgw/metric"
	"github.com/guycorbaz/opcgw/pkg/retry"
	"github.com/guycorbaz/opcgw/pkg/worker"
	"github.com/guycorbaz/opcgw/store"
	"github.com/guycorbaz/opcgw/types"
)

// State is the poller lifecycle state.
type State int32

// Poller states. Metric fetches are only attempted in StateRunning.
const (
	StateInit State = iota
	StateConnecting
	StateRunning
	StateDegraded
	StateStopped
)

// String implements fmt.Stringer for State.
func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateConnecting:
		return "connecting"
	case StateRunning:
		return "running"
	case StateDegraded:
		return "degraded"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// deviceJob is one per-device fetch dispatched within a tick.
type deviceJob struct {
	applicationID string
	device        config.DeviceConfig
	window        time.Duration
}

// Poller periodically fetches device metrics from the upstream server and
// publishes the latest values and the upstream health into the store. It
// owns the upstream connection exclusively.
type Poller struct {
	cfg      config.ChirpstackConfig
	topology []config.ApplicationConfig
	client   Client
	store    *store.Store
	pool     *worker.Pool[deviceJob]

	log     *slog.Logger
	monitor *health.Monitor
	metrics *metric.Metrics

	state    atomic.Int32
	inFlight atomic.Bool
	tickWG   sync.WaitGroup

	verifyOnce sync.Once

	// warnedMissing tracks configured metrics absent from upstream
	// responses so repeats only log at debug.
	warnedMu      sync.Mutex
	warnedMissing map[store.Key]bool
	warnedKind    map[string]bool
}

// Option configures a Poller.
type Option func(*Poller)

// WithLogger sets the structured logger.
func WithLogger(log *slog.Logger) Option {
	return func(p *Poller) { p.log = log }
}

// WithMonitor wires the health monitor.
func WithMonitor(m *health.Monitor) Option {
	return func(p *Poller) { p.monitor = m }
}

// WithMetrics wires the core gateway metrics.
func WithMetrics(m *metric.Metrics) Option {
	return func(p *Poller) { p.metrics = m }
}

// New creates a poller. The client is injected so tests can substitute a
// fake upstream.
func New(cfg *config.Config, client Client, st *store.Store, opts ...Option) *Poller {
	p := &Poller{
		cfg:           cfg.Chirpstack,
		topology:      cfg.Applications,
		client:        client,
		store:         st,
		log:           slog.Default(),
		warnedMissing: make(map[store.Key]bool),
		warnedKind:    make(map[string]bool),
	}
	for _, opt := range opts {
		opt(p)
	}

	p.pool = worker.NewPool(cfg.Chirpstack.MaxInflight, p.fetchDevice)
	p.setState(StateInit)
	return p
}

// State returns the current lifecycle state.
func (p *Poller) State() State {
	return State(p.state.Load())
}

func (p *Poller) setState(s State) {
	p.state.Store(int32(s))
	if p.metrics != nil {
		p.metrics.ComponentState.WithLabelValues("poller").Set(float64(s))
	}
	if p.monitor == nil {
		return
	}
	switch s {
	case StateRunning:
		p.monitor.UpdateHealthy("poller", "polling upstream")
	case StateDegraded:
		p.monitor.UpdateDegraded("poller", "upstream unreachable, serving last-known values")
	case StateStopped:
		p.monitor.UpdateUnhealthy("poller", "stopped")
	case StateConnecting:
		p.monitor.UpdateDegraded("poller", "connecting to upstream")
	}
}

// Run executes the polling loop until ctx is cancelled. An unreachable
// upstream never terminates the loop; it only degrades health. The first
// tick runs immediately rather than one period in.
func (p *Poller) Run(ctx context.Context) error {
	p.log.Info("poller starting",
		"interval", p.cfg.PollInterval,
		"retry_count", p.cfg.RetryCount,
		"retry_delay", p.cfg.RetryDelay)
	p.setState(StateConnecting)

	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	p.dispatchTick(ctx)

	for {
		select {
		case <-ctx.Done():
			p.tickWG.Wait()
			p.setState(StateStopped)
			p.log.Info("poller stopped")
			return nil
		case <-ticker.C:
			p.dispatchTick(ctx)
		}
	}
}

// dispatchTick starts a tick unless the previous one is still in flight.
// An overrunning tick causes the next one to be skipped, never queued.
func (p *Poller) dispatchTick(ctx context.Context) {
	if !p.inFlight.CompareAndSwap(false, true) {
		p.log.Warn("previous tick still running, skipping this tick")
		if p.metrics != nil {
			p.metrics.PollSkipped.Inc()
		}
		return
	}

	p.tickWG.Add(1)
	go func() {
		defer p.tickWG.Done()
		defer p.inFlight.Store(false)
		p.tick(ctx)
	}()
}

// tick performs one polling round: drain downlink commands, probe
// liveness, then fan out per-device fetches.
func (p *Poller) tick(ctx context.Context) {
	tickID := uuid.NewString()
	log := p.log.With("tick_id", tickID)

	p.drainCommands(ctx, log)

	rtt, err := p.probe(ctx)
	if err != nil {
		// The store keeps serving last-known values; only health moves.
		p.store.SetHealth(false, 0)
		p.setState(StateDegraded)
		if p.metrics != nil {
			p.metrics.PollTicks.WithLabelValues("degraded").Inc()
		}
		log.Warn("upstream liveness probe failed", "error", err)
		return
	}

	p.store.SetHealth(true, rtt)
	p.setState(StateRunning)
	log.Debug("upstream probe succeeded", "rtt", rtt)

	p.verifyOnce.Do(func() { p.verifyTopology(ctx, log) })

	window := p.cfg.EffectiveFetchWindow()
	var jobs []deviceJob
	for _, app := range p.topology {
		for _, dev := range app.Devices {
			jobs = append(jobs, deviceJob{
				applicationID: app.ApplicationID,
				device:        dev,
				window:        window,
			})
		}
	}

	tickCtx, cancel := context.WithTimeout(ctx, p.cfg.PollInterval)
	defer cancel()
	res := p.pool.Process(tickCtx, jobs)

	if p.metrics != nil {
		p.metrics.PollTicks.WithLabelValues("ok").Inc()
	}
	log.Debug("tick complete",
		"devices", res.Processed,
		"failed", res.Failed,
		"cancelled", res.Cancelled)
}

// probe issues the cheap liveness call with a short deadline so a slow
// upstream cannot starve the metric fetches.
func (p *Poller) probe(ctx context.Context) (time.Duration, error) {
	probeCtx, cancel := context.WithTimeout(ctx, p.probeDeadline())
	defer cancel()

	start := time.Now()
	_, err := p.client.ListApplications(probeCtx, p.cfg.TenantID)
	if err != nil {
		return 0, err
	}
	return time.Since(start), nil
}

// probeDeadline is a small fraction of the poll interval, at least one
// second.
func (p *Poller) probeDeadline() time.Duration {
	d := p.cfg.PollInterval / 4
	if d < time.Second {
		d = time.Second
	}
	return d
}

// verifyTopology compares the configured devices against the upstream
// inventory once, after the first successful probe. Mismatches are
// operator hints, not errors.
func (p *Poller) verifyTopology(ctx context.Context, log *slog.Logger) {
	for _, app := range p.topology {
		listCtx, cancel := context.WithTimeout(ctx, p.cfg.PollInterval)
		devs, err := p.client.ListDevices(listCtx, app.ApplicationID)
		cancel()
		if err != nil {
			log.Warn("could not verify application topology",
				"application_id", app.ApplicationID, "error", err)
			continue
		}

		upstream := make(map[string]bool, len(devs))
		for _, d := range devs {
			upstream[d.DevEUI] = true
		}
		for _, dev := range app.Devices {
			if !upstream[dev.DeviceID] {
				log.Warn("configured device not found upstream",
					"application_id", app.ApplicationID,
					"device_id", dev.DeviceID,
					"device_name", dev.DeviceName)
			}
		}
	}
}

// fetchDevice fetches and projects the metric series of one device. Errors
// are contained here: one bad device never poisons its siblings.
func (p *Poller) fetchDevice(ctx context.Context, job deviceJob) error {
	end := time.Now()
	start := end.Add(-job.window)

	fetchCtx, cancel := context.WithTimeout(ctx, p.cfg.PollInterval)
	defer cancel()

	series, err := retry.DoWithResult(fetchCtx,
		retry.Constant(p.cfg.RetryCount, p.cfg.RetryDelay),
		func() (map[string]Series, error) {
			s, err := p.client.DeviceMetrics(fetchCtx, job.device.DeviceID, start, end)
			if err != nil && !errors.IsTransient(err) {
				return nil, retry.NonRetryable(err)
			}
			return s, err
		})
	if err != nil {
		if errors.IsInvalid(err) {
			p.log.Error("device fetch rejected by upstream",
				"device_id", job.device.DeviceID, "error", err)
		} else {
			p.log.Warn("device fetch failed",
				"device_id", job.device.DeviceID, "error", err)
		}
		if p.metrics != nil {
			p.metrics.FetchesTotal.WithLabelValues("error").Inc()
		}
		return err
	}

	if p.metrics != nil {
		p.metrics.FetchesTotal.WithLabelValues("ok").Inc()
	}

	p.project(job, series)
	return nil
}

// project writes the fetched series into the store, matching them against
// the configured metrics of the device.
func (p *Poller) project(job deviceJob, series map[string]Series) {
	seen := make(map[string]bool, len(series))

	for name, s := range series {
		m, ok := job.device.FindMetricByUpstreamName(name)
		if !ok {
			// Upstream devices routinely emit more metrics than the
			// gateway mirrors.
			p.log.Debug("ignoring unconfigured metric",
				"device_id", job.device.DeviceID, "metric", name)
			continue
		}
		seen[name] = true

		if s.Kind != SeriesGauge {
			p.warnNonGauge(job.device.DeviceID, name, s.Kind)
			continue
		}

		sample, ok := projectSamples(p.cfg.SampleStrategy, s.Samples)
		if !ok {
			p.log.Debug("series carried no usable sample",
				"device_id", job.device.DeviceID, "metric", name)
			continue
		}

		value, err := types.FromSample(m.ParsedKind(), sample)
		if err != nil {
			p.log.Warn("sample cannot be coerced to declared kind",
				"device_id", job.device.DeviceID,
				"metric", name,
				"kind", m.Kind,
				"sample", sample,
				"error", err)
			continue
		}

		if err := p.store.Set(job.device.DeviceID, name, value); err != nil {
			p.log.Warn("store rejected projected value",
				"device_id", job.device.DeviceID, "metric", name, "error", err)
		}
	}

	for _, m := range job.device.Metrics {
		if !seen[m.ChirpstackName] {
			p.logMissing(job.device.DeviceID, m.ChirpstackName)
		}
	}
}

// warnNonGauge logs a dropped non-gauge series, warning only once per
// (device, metric).
func (p *Poller) warnNonGauge(deviceID, name string, kind SeriesKind) {
	key := deviceID + "/" + name
	p.warnedMu.Lock()
	first := !p.warnedKind[key]
	p.warnedKind[key] = true
	p.warnedMu.Unlock()

	if first {
		p.log.Warn("dropping non-gauge series; only gauge metrics are projected",
			"device_id", deviceID, "metric", name, "series_kind", kind.String())
	} else {
		p.log.Debug("dropping non-gauge series",
			"device_id", deviceID, "metric", name, "series_kind", kind.String())
	}
}

// logMissing notes a configured metric the upstream did not return. The
// first occurrence warns; repeats stay at debug so a permanently silent
// sensor does not flood the log.
func (p *Poller) logMissing(deviceID, metricName string) {
	key := store.Key{DeviceID: deviceID, MetricName: metricName}
	p.warnedMu.Lock()
	first := !p.warnedMissing[key]
	p.warnedMissing[key] = true
	p.warnedMu.Unlock()

	if first {
		p.log.Warn("configured metric absent from upstream response",
			"device_id", deviceID, "metric", metricName)
	} else {
		p.log.Debug("configured metric absent from upstream response",
			"device_id", deviceID, "metric", metricName)
	}
}

// drainCommands forwards queued downlink commands to the upstream device
// queue. Commands are sent one at a time, each with a deadline of one poll
// interval, before the liveness probe of the tick. A failed command is
// logged and dropped, never retried.
func (p *Poller) drainCommands(ctx context.Context, log *slog.Logger) {
	for {
		cmd, ok := p.store.DequeueCommand()
		if !ok {
			return
		}

		cmdCtx, cancel := context.WithTimeout(ctx, p.cfg.PollInterval)
		err := p.client.Enqueue(cmdCtx, cmd)
		cancel()
		if err != nil {
			log.Error("failed to enqueue downlink command",
				"device_id", cmd.DeviceID, "f_port", cmd.FPort, "error", err)
			continue
		}
		log.Debug("downlink command enqueued",
			"device_id", cmd.DeviceID, "f_port", cmd.FPort, "bytes", len(cmd.Data))
	}
}

// projectSamples reduces a sample window to one value. latest picks the
// most recent non-NaN sample; mean averages the window.
func projectSamples(strategy string, samples []float64) (float64, bool) {
	switch strategy {
	case config.SampleMean:
		sum, n := 0.0, 0
		for _, v := range samples {
			if math.IsNaN(v) {
				continue
			}
			sum += v
			n++
		}
		if n == 0 {
			return 0, false
		}
		return sum / float64(n), true
	default:
		for i := len(samples) - 1; i >= 0; i-- {
			if !math.IsNaN(samples[i]) {
				return samples[i], true
			}
		}
		return 0, false
	}
}
