package queue

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/meetpipe/meetpipe/pkg/broker"
	"github.com/meetpipe/meetpipe/pkg/config"
	"github.com/meetpipe/meetpipe/pkg/metrics"
)

// depthSampleInterval is how often the pool refreshes queue depth gauges.
const depthSampleInterval = 10 * time.Second

// Pool runs a fixed set of workers against one stage queue.
type Pool struct {
	queue   *broker.Queue
	handler Handler
	cfg     *config.QueueConfig
	metrics *metrics.Metrics
	logger  *slog.Logger
	hook    DeadLetterHook

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
	count    int
}

// NewPool builds a pool of cfg.WorkerCount workers for the queue.
func NewPool(q *broker.Queue, handler Handler, cfg *config.QueueConfig, m *metrics.Metrics, logger *slog.Logger, hook DeadLetterHook) *Pool {
	return &Pool{
		queue:   q,
		handler: handler,
		cfg:     cfg,
		metrics: m,
		logger:  logger.With("component", "worker_pool"),
		hook:    hook,
		stopCh:  make(chan struct{}),
		count:   cfg.WorkerCount,
	}
}

// Start launches the workers and the depth gauge sampler.
func (p *Pool) Start() {
	for i := 0; i < p.count; i++ {
		w := &worker{
			id:      fmt.Sprintf("%s-%d", p.queue.Name(), i),
			queue:   p.queue,
			handler: p.handler,
			cfg:     p.cfg,
			metrics: p.metrics,
			logger:  p.logger,
			hook:    p.hook,
			stopCh:  p.stopCh,
		}
		p.wg.Add(1)
		go w.run(&p.wg)
	}

	p.wg.Add(1)
	go p.sampleDepths()

	p.logger.Info("Worker pool started", "queue", p.queue.Name(), "workers", p.count)
}

// Stop signals the workers and waits for in-flight jobs up to the graceful
// shutdown timeout. Jobs still running after that are redelivered to another
// worker when their lease expires.
func (p *Pool) Stop(ctx context.Context) error {
	p.stopOnce.Do(func() { close(p.stopCh) })

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Info("Worker pool drained", "queue", p.queue.Name())
		return nil
	case <-ctx.Done():
		return fmt.Errorf("worker pool %s shutdown timed out: %w", p.queue.Name(), ctx.Err())
	}
}

// Health reports the pool's configuration for the admin API.
func (p *Pool) Health() map[string]any {
	return map[string]any{
		"queue":   p.queue.Name(),
		"workers": p.count,
	}
}

func (p *Pool) sampleDepths() {
	defer p.wg.Done()
	ticker := time.NewTicker(depthSampleInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.recordDepths()
		}
	}
}

func (p *Pool) recordDepths() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	name := p.queue.Name()
	if depth, err := p.queue.Depth(ctx); err == nil {
		p.metrics.QueueDepth.WithLabelValues(name, "ready").Set(float64(depth))
	}
	if depth, err := p.queue.PendingDepth(ctx); err == nil {
		p.metrics.QueueDepth.WithLabelValues(name, "pending").Set(float64(depth))
	}
	if depth, err := p.queue.InflightDepth(ctx); err == nil {
		p.metrics.QueueDepth.WithLabelValues(name, "inflight").Set(float64(depth))
	}
	if depth, err := p.queue.DLQDepth(ctx); err == nil {
		p.metrics.QueueDepth.WithLabelValues(name, "dlq").Set(float64(depth))
	}
}
