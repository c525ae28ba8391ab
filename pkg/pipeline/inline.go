package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/meetpipe/meetpipe/pkg/broker"
	"github.com/meetpipe/meetpipe/pkg/queue"
)

// InlineRunner executes stage jobs synchronously in the caller's goroutine
// instead of enqueueing them. Single-process deployments and tests use it;
// there is no retry, failures surface to the caller.
type InlineRunner struct {
	pipeline *Pipeline
}

// NewInlineRunner wires the runner as the pipeline's enqueuer and returns it.
func NewInlineRunner(p *Pipeline) *InlineRunner {
	r := &InlineRunner{pipeline: p}
	p.SetEnqueuer(r)
	return r
}

// Enqueue implements Enqueuer by running the stage handler immediately.
// Delays are ignored; a delayed retention pass runs right away.
func (r *InlineRunner) Enqueue(ctx context.Context, queueName string, job *broker.Job, _ time.Duration) error {
	handler := r.pipeline.Handler(queueName)
	if handler == nil {
		return fmt.Errorf("unknown queue %q", queueName)
	}
	if err := handler(ctx, job); err != nil {
		if errors.Is(err, queue.ErrDiscard) {
			return nil
		}
		var perm *queue.PermanentError
		if errors.As(err, &perm) {
			return perm.Err
		}
		return err
	}
	return nil
}
