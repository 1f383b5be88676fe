// Package store holds the gateway's shared state: the last-known value of
// every configured (device, metric) pair, the upstream health record, and
// the queue of downlink commands awaiting delivery. It is the only mutable
// state shared between the poller and the OPC UA binding.
package store

import (
	"sync"
	"time"

	"github.com/guycorbaz/opcgw/config"
	"github.com/guycorbaz/opcgw/errors"
	"github.com/guycorbaz/opcgw/metric"
	"github.com/guycorbaz/opcgw/types"
)

// maxPendingCommands bounds the downlink queue. Writes beyond the bound
// fail rather than grow memory while the upstream is unreachable.
const maxPendingCommands = 128

// Key identifies one store entry. MetricName is the upstream name, not
// the OPC UA alias.
type Key struct {
	DeviceID   string
	MetricName string
}

// TimedValue is a value together with its observation time. Value is nil
// until the first successful poll; At then holds the store creation time.
type TimedValue struct {
	Value types.MetricValue
	At    time.Time
}

// UpstreamHealth records the outcome of the most recent liveness probe.
type UpstreamHealth struct {
	Reachable bool
	RoundTrip time.Duration
	ProbedAt  time.Time
}

type entry struct {
	kind  types.Kind
	value types.MetricValue
	at    time.Time
}

// Store is safe for concurrent use. A single RWMutex guards all entries;
// writes are rare (one per metric per poll tick) compared to reads.
type Store struct {
	mu        sync.RWMutex
	entries   map[Key]*entry
	health    UpstreamHealth
	commands  []types.DeviceCommand
	createdAt time.Time
	populated int

	metrics *metric.Metrics
}

// Option configures a Store.
type Option func(*Store)

// WithMetrics wires the core gateway metrics into the store.
func WithMetrics(m *metric.Metrics) Option {
	return func(s *Store) {
		s.metrics = m
	}
}

// New creates a store with one empty entry per configured metric. The key
// set is fixed for the store's lifetime: Set and Get reject keys that were
// not registered here.
func New(cfg *config.Config, opts ...Option) *Store {
	s := &Store{
		entries:   make(map[Key]*entry),
		createdAt: time.Now(),
	}
	for _, opt := range opts {
		opt(s)
	}

	for _, app := range cfg.Applications {
		for _, dev := range app.Devices {
			for _, m := range dev.Metrics {
				key := Key{DeviceID: dev.DeviceID, MetricName: m.ChirpstackName}
				s.entries[key] = &entry{kind: m.ParsedKind(), at: s.createdAt}
			}
		}
	}

	if s.metrics != nil {
		s.metrics.StoreKeys.Set(float64(len(s.entries)))
		s.metrics.StoreKeysPopulated.Set(0)
	}
	return s
}

// Get returns the last-known value for a registered key. The value is nil
// if the metric has never been observed; At then reflects the store
// creation time so readers can surface it as the source timestamp.
func (s *Store) Get(deviceID, metricName string) (TimedValue, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.entries[Key{DeviceID: deviceID, MetricName: metricName}]
	if !ok {
		return TimedValue{}, errors.ErrUnknownKey
	}
	return TimedValue{Value: e.value, At: e.at}, nil
}

// Kind returns the declared kind of a registered key.
func (s *Store) Kind(deviceID, metricName string) (types.Kind, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.entries[Key{DeviceID: deviceID, MetricName: metricName}]
	if !ok {
		return 0, errors.ErrUnknownKey
	}
	return e.kind, nil
}

// Set overwrites the value of a registered key. The variant tag must match
// the declared kind. Set never creates entries.
func (s *Store) Set(deviceID, metricName string, v types.MetricValue) error {
	if v == nil {
		return errors.ErrKindMismatch
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[Key{DeviceID: deviceID, MetricName: metricName}]
	if !ok {
		return errors.ErrUnknownKey
	}
	if v.Kind() != e.kind {
		return errors.ErrKindMismatch
	}

	if e.value == nil {
		s.populated++
		if s.metrics != nil {
			s.metrics.StoreKeysPopulated.Set(float64(s.populated))
		}
	}
	e.value = v
	e.at = time.Now()

	if s.metrics != nil {
		s.metrics.SamplesStored.Inc()
	}
	return nil
}

// SetHealth records a probe outcome and stamps the probe time.
func (s *Store) SetHealth(reachable bool, rtt time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.health = UpstreamHealth{
		Reachable: reachable,
		RoundTrip: rtt,
		ProbedAt:  time.Now(),
	}

	if s.metrics != nil {
		if reachable {
			s.metrics.UpstreamReachable.Set(1)
		} else {
			s.metrics.UpstreamReachable.Set(0)
		}
		s.metrics.UpstreamRTT.Set(rtt.Seconds())
	}
}

// Health returns a copy of the current health record.
func (s *Store) Health() UpstreamHealth {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.health
}

// Keys returns the number of registered entries.
func (s *Store) Keys() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// Snapshot returns a copy of all entries. Intended for diagnostics and
// tests; readers on the hot path use Get.
func (s *Store) Snapshot() map[Key]TimedValue {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[Key]TimedValue, len(s.entries))
	for k, e := range s.entries {
		out[k] = TimedValue{Value: e.value, At: e.at}
	}
	return out
}

// CreatedAt returns the store creation time, used as the source timestamp
// for never-populated metrics.
func (s *Store) CreatedAt() time.Time {
	return s.createdAt
}

// EnqueueCommand appends a downlink command for the poller to forward.
func (s *Store) EnqueueCommand(cmd types.DeviceCommand) error {
	if cmd.FPort < 1 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Store", "EnqueueCommand",
			"f_port 0 is reserved for MAC commands")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.commands) >= maxPendingCommands {
		return errors.ErrQueueFull
	}
	s.commands = append(s.commands, cmd)

	if s.metrics != nil {
		s.metrics.DownlinkQueueDepth.Set(float64(len(s.commands)))
	}
	return nil
}

// DequeueCommand pops the oldest pending command, if any.
func (s *Store) DequeueCommand() (types.DeviceCommand, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.commands) == 0 {
		return types.DeviceCommand{}, false
	}
	cmd := s.commands[0]
	s.commands = s.commands[1:]

	if s.metrics != nil {
		s.metrics.DownlinkQueueDepth.Set(float64(len(s.commands)))
	}
	return cmd, true
}
