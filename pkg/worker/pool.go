// Package worker provides a generic bounded-concurrency pool for fanning a
// batch of work items out and waiting for the batch to finish. The poller
// uses it to dispatch per-device fetches within a tick.
package worker

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/guycorbaz/opcgw/metric"
)

// Pool processes batches of work items of type T with at most `workers`
// items in flight at once. A Pool carries no background goroutines between
// batches; each Process call owns its workers for the duration of the batch.
type Pool[T any] struct {
	workers   int
	processor func(context.Context, T) error

	// Cumulative statistics (atomic)
	processed int64
	failed    int64

	metrics *poolMetrics
}

type poolMetrics struct {
	processed prometheus.Counter
	failed    prometheus.Counter
	inflight  prometheus.Gauge
}

// Option configures a Pool.
type Option[T any] func(*Pool[T])

// WithMetrics registers per-pool counters with the gateway registry under
// the given prefix.
func WithMetrics[T any](registry *metric.Registry, prefix string) Option[T] {
	return func(p *Pool[T]) {
		processed := prometheus.NewCounter(prometheus.CounterOpts{
			Name: prefix + "_processed_total",
			Help: "Work items processed",
		})
		failed := prometheus.NewCounter(prometheus.CounterOpts{
			Name: prefix + "_failed_total",
			Help: "Work items that failed processing",
		})
		inflight := prometheus.NewGauge(prometheus.GaugeOpts{
			Name: prefix + "_inflight",
			Help: "Work items currently being processed",
		})
		_ = registry.RegisterCounter("worker_pool", prefix+"_processed_total", processed)
		_ = registry.RegisterCounter("worker_pool", prefix+"_failed_total", failed)
		_ = registry.RegisterGauge("worker_pool", prefix+"_inflight", inflight)
		p.metrics = &poolMetrics{processed: processed, failed: failed, inflight: inflight}
	}
}

// NewPool creates a pool. workers <= 0 defaults to 4.
func NewPool[T any](workers int, processor func(context.Context, T) error, opts ...Option[T]) *Pool[T] {
	if workers <= 0 {
		workers = 4
	}
	if processor == nil {
		panic(ErrNilProcessor)
	}

	p := &Pool[T]{
		workers:   workers,
		processor: processor,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// BatchResult summarizes one Process call.
type BatchResult struct {
	Processed int
	Failed    int
	Cancelled int
}

// Process runs all items through the processor with bounded concurrency and
// returns when every item has been processed or the context is cancelled.
// Items not yet dispatched when ctx is cancelled are counted as Cancelled.
// Item failures are isolated: one failing item never stops the batch.
func (p *Pool[T]) Process(ctx context.Context, items []T) BatchResult {
	if len(items) == 0 {
		return BatchResult{}
	}

	workCh := make(chan T)
	var wg sync.WaitGroup
	var processed, failed int64

	n := p.workers
	if n > len(items) {
		n = len(items)
	}

	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for item := range workCh {
				if p.metrics != nil {
					p.metrics.inflight.Inc()
				}
				err := p.processor(ctx, item)
				if p.metrics != nil {
					p.metrics.inflight.Dec()
					p.metrics.processed.Inc()
				}
				atomic.AddInt64(&processed, 1)
				if err != nil {
					atomic.AddInt64(&failed, 1)
					if p.metrics != nil {
						p.metrics.failed.Inc()
					}
				}
			}
		}()
	}

	cancelled := 0
dispatch:
	for i, item := range items {
		select {
		case workCh <- item:
		case <-ctx.Done():
			cancelled = len(items) - i
			break dispatch
		}
	}
	close(workCh)
	wg.Wait()

	atomic.AddInt64(&p.processed, processed)
	atomic.AddInt64(&p.failed, failed)

	return BatchResult{
		Processed: int(processed),
		Failed:    int(failed),
		Cancelled: cancelled,
	}
}

// Stats returns cumulative statistics across all batches.
func (p *Pool[T]) Stats() PoolStats {
	return PoolStats{
		Workers:   p.workers,
		Processed: atomic.LoadInt64(&p.processed),
		Failed:    atomic.LoadInt64(&p.failed),
	}
}

// PoolStats represents cumulative pool statistics.
type PoolStats struct {
	Workers   int   `json:"workers"`
	Processed int64 `json:"processed"`
	Failed    int64 `json:"failed"`
}
