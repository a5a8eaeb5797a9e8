package worker

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/semstreams-opcua/metric"
)

const (
	defaultWorkers   = 10
	defaultQueueSize = 1000
)

// Pool runs a fixed number of workers over a bounded queue.
type Pool[T any] struct {
	workers   int
	queueSize int
	processor func(context.Context, T) error

	queue  chan T
	wg     sync.WaitGroup
	mu     sync.RWMutex
	cancel context.CancelFunc

	started bool
	stopped bool

	submitted atomic.Int64
	processed atomic.Int64
	failed    atomic.Int64
	dropped   atomic.Int64

	registry *metric.MetricsRegistry
	name     string
	metrics  *poolMetrics
}

// PoolStats is a point-in-time view of the pool counters.
type PoolStats struct {
	Workers    int
	QueueSize  int
	QueueDepth int
	Submitted  int64
	Processed  int64
	Failed     int64
	Dropped    int64
}

// Option configures a Pool.
type Option[T any] func(*Pool[T])

// WithMetricsRegistry exports pool metrics labelled with name. Metrics are
// registered by Start and released by Stop.
func WithMetricsRegistry[T any](registry *metric.MetricsRegistry, name string) Option[T] {
	return func(p *Pool[T]) {
		p.registry = registry
		p.name = name
	}
}

// NewPool creates a pool. Non-positive workers or queueSize fall back to
// defaults.
func NewPool[T any](workers, queueSize int, processor func(context.Context, T) error, opts ...Option[T]) (*Pool[T], error) {
	if processor == nil {
		return nil, ErrNilProcessor
	}
	if workers <= 0 {
		workers = defaultWorkers
	}
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	p := &Pool[T]{
		workers:   workers,
		queueSize: queueSize,
		processor: processor,
		queue:     make(chan T, queueSize),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Start launches the workers. Cancelling ctx stops them without draining.
func (p *Pool[T]) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.stopped {
		return ErrPoolStopped
	}
	if p.started {
		return ErrPoolAlreadyStarted
	}

	if p.registry != nil {
		m, err := newPoolMetrics(p.registry, p.name)
		if err != nil {
			return err
		}
		p.metrics = m
	}

	ctx, p.cancel = context.WithCancel(ctx)
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.work(ctx)
	}
	p.started = true
	return nil
}

// Submit queues item without blocking. A full queue returns ErrQueueFull and
// the item is counted as dropped.
func (p *Pool[T]) Submit(item T) error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.stopped {
		return ErrPoolStopped
	}
	if !p.started {
		return ErrPoolNotStarted
	}

	select {
	case p.queue <- item:
		p.submitted.Add(1)
		p.metrics.depth(len(p.queue))
		return nil
	default:
		p.dropped.Add(1)
		p.metrics.result("dropped")
		return ErrQueueFull
	}
}

// Stop closes the queue and waits for the workers to drain it. Workers still
// busy after timeout are cancelled and ErrStopTimeout is returned.
func (p *Pool[T]) Stop(timeout time.Duration) error {
	p.mu.Lock()
	if !p.started || p.stopped {
		p.stopped = true
		p.mu.Unlock()
		return nil
	}
	p.stopped = true
	close(p.queue)
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-time.After(timeout):
		err = ErrStopTimeout
	}
	p.cancel()
	p.metrics.unregister()
	return err
}

// Stats returns the current counters.
func (p *Pool[T]) Stats() PoolStats {
	return PoolStats{
		Workers:    p.workers,
		QueueSize:  p.queueSize,
		QueueDepth: len(p.queue),
		Submitted:  p.submitted.Load(),
		Processed:  p.processed.Load(),
		Failed:     p.failed.Load(),
		Dropped:    p.dropped.Load(),
	}
}

func (p *Pool[T]) work(ctx context.Context) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case item, ok := <-p.queue:
			if !ok {
				return
			}
			p.metrics.depth(len(p.queue))
			start := time.Now()
			err := p.processor(ctx, item)
			p.metrics.observe(time.Since(start))
			if err != nil {
				p.failed.Add(1)
				p.metrics.result("failed")
				continue
			}
			p.processed.Add(1)
			p.metrics.result("processed")
		}
	}
}

type poolMetrics struct {
	registry *metric.MetricsRegistry
	service  string
	items    *prometheus.CounterVec
	queue    prometheus.Gauge
	duration prometheus.Histogram
}

func newPoolMetrics(registry *metric.MetricsRegistry, name string) (*poolMetrics, error) {
	labels := prometheus.Labels{"pool": name}
	m := &poolMetrics{
		registry: registry,
		service:  "worker_pool." + name,
		items: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "semstreams",
			Subsystem:   "worker_pool",
			Name:        "items_total",
			Help:        "Work items by outcome",
			ConstLabels: labels,
		}, []string{"result"}),
		queue: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   "semstreams",
			Subsystem:   "worker_pool",
			Name:        "queue_depth",
			Help:        "Items waiting in the queue",
			ConstLabels: labels,
		}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace:   "semstreams",
			Subsystem:   "worker_pool",
			Name:        "processing_seconds",
			Help:        "Time spent processing one item",
			ConstLabels: labels,
			Buckets:     prometheus.ExponentialBuckets(0.0001, 4, 8),
		}),
	}

	if err := registry.RegisterCounterVec(m.service, "items_total", m.items); err != nil {
		return nil, fmt.Errorf("worker pool %s: %w", name, err)
	}
	if err := registry.RegisterGauge(m.service, "queue_depth", m.queue); err != nil {
		registry.Unregister(m.service, "items_total")
		return nil, fmt.Errorf("worker pool %s: %w", name, err)
	}
	if err := registry.RegisterHistogram(m.service, "processing_seconds", m.duration); err != nil {
		registry.Unregister(m.service, "items_total")
		registry.Unregister(m.service, "queue_depth")
		return nil, fmt.Errorf("worker pool %s: %w", name, err)
	}
	return m, nil
}

func (m *poolMetrics) result(r string) {
	if m != nil {
		m.items.WithLabelValues(r).Inc()
	}
}

func (m *poolMetrics) depth(n int) {
	if m != nil {
		m.queue.Set(float64(n))
	}
}

func (m *poolMetrics) observe(d time.Duration) {
	if m != nil {
		m.duration.Observe(d.Seconds())
	}
}

func (m *poolMetrics) unregister() {
	if m == nil {
		return
	}
	m.registry.Unregister(m.service, "items_total")
	m.registry.Unregister(m.service, "queue_depth")
	m.registry.Unregister(m.service, "processing_seconds")
}
