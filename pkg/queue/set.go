package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/meetpipe/meetpipe/pkg/broker"
)

// Set bundles every stage queue over one Redis client. It satisfies the
// pipeline's Enqueuer in broker mode.
type Set struct {
	queues map[string]*broker.Queue
	names  []string
}

// NewSet builds a Set for the given queue names.
func NewSet(client *redis.Client, names ...string) *Set {
	s := &Set{queues: make(map[string]*broker.Queue, len(names)), names: names}
	for _, name := range names {
		s.queues[name] = broker.NewQueue(client, name)
	}
	return s
}

// Get returns the queue by name, or nil if unknown.
func (s *Set) Get(name string) *broker.Queue { return s.queues[name] }

// Names returns the queue names in registration order.
func (s *Set) Names() []string { return s.names }

// Enqueue implements the pipeline's Enqueuer over the broker.
func (s *Set) Enqueue(ctx context.Context, queueName string, job *broker.Job, delay time.Duration) error {
	q, ok := s.queues[queueName]
	if !ok {
		return fmt.Errorf("unknown queue %q", queueName)
	}
	return q.Enqueue(ctx, job, delay)
}
