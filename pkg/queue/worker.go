// Package queue runs the worker pools that drain the broker's stage queues.
// Workers poll with jitter, lease jobs for the visibility window, and
// classify handler errors into ack, retry, discard, or dead-letter.
package queue

import (
	"context"
	"errors"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/meetpipe/meetpipe/pkg/broker"
	"github.com/meetpipe/meetpipe/pkg/config"
	"github.com/meetpipe/meetpipe/pkg/metrics"
	"github.com/meetpipe/meetpipe/pkg/trace"
)

// Handler processes one job. A nil return acks the job; ErrDiscard acks it
// as obsolete; a PermanentError dead-letters it immediately; any other error
// schedules a retry until the attempt budget runs out.
type Handler func(ctx context.Context, job *broker.Job) error

// ErrDiscard marks a job as obsolete (for example, written for an older
// rebuild epoch). The worker acks it without treating it as a failure.
var ErrDiscard = errors.New("job discarded")

// PermanentError wraps a failure that retrying cannot fix.
type PermanentError struct {
	Err error
}

// Permanent wraps err as a PermanentError.
func Permanent(err error) error { return &PermanentError{Err: err} }

func (e *PermanentError) Error() string { return "permanent: " + e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// DeadLetterHook runs after a job moves to the DLQ, letting the pipeline
// mark the meeting failed and notify listeners.
type DeadLetterHook func(ctx context.Context, job *broker.Job, reason string)

type worker struct {
	id      string
	queue   *broker.Queue
	handler Handler
	cfg     *config.QueueConfig
	metrics *metrics.Metrics
	logger  *slog.Logger
	hook    DeadLetterHook
	stopCh  chan struct{}
}

func (w *worker) run(wg *sync.WaitGroup) {
	defer wg.Done()
	w.logger.Info("Worker started", "worker_id", w.id, "queue", w.queue.Name())
	for {
		select {
		case <-w.stopCh:
			w.logger.Info("Worker stopped", "worker_id", w.id, "queue", w.queue.Name())
			return
		default:
		}

		job, err := w.queue.Reserve(context.Background(), w.cfg.VisibilityTimeout)
		if err != nil {
			if !errors.Is(err, broker.ErrNoJobs) {
				w.logger.Error("Failed to reserve job", "queue", w.queue.Name(), "error", err)
			}
			w.sleep()
			continue
		}
		w.process(job)
	}
}

// sleep waits one jittered poll interval, or returns early on stop.
func (w *worker) sleep() {
	interval := w.cfg.PollInterval
	if j := w.cfg.PollIntervalJitter; j > 0 {
		interval += time.Duration(rand.Int64N(int64(2*j))) - j
	}
	select {
	case <-w.stopCh:
	case <-time.After(interval):
	}
}

func (w *worker) process(job *broker.Job) {
	ctx, cancel := context.WithTimeout(context.Background(), w.cfg.VisibilityTimeout)
	defer cancel()
	ctx = trace.Into(ctx, job.Trace)

	log := w.logger.With(
		"queue", w.queue.Name(),
		"job_id", job.JobID,
		"meeting_id", job.MeetingID,
		"attempt", job.Attempt,
		"trace_id", job.Trace.TraceID,
	)

	start := time.Now()
	err := w.handler(ctx, job)
	elapsed := time.Since(start)

	result := w.settle(ctx, job, err, log)
	w.metrics.JobsTotal.WithLabelValues(w.queue.Name(), result).Inc()
	w.metrics.JobDuration.WithLabelValues(w.queue.Name(), result).Observe(elapsed.Seconds())
}

// settle acks, retries, or dead-letters the job based on the handler error
// and returns the result label.
func (w *worker) settle(ctx context.Context, job *broker.Job, err error, log *slog.Logger) string {
	switch {
	case err == nil:
		if ackErr := w.queue.Ack(ctx, job.JobID); ackErr != nil {
			log.Error("Failed to ack job", "error", ackErr)
		}
		return "ok"

	case errors.Is(err, ErrDiscard):
		log.Info("Discarding obsolete job", "reason", err.Error())
		if ackErr := w.queue.Ack(ctx, job.JobID); ackErr != nil {
			log.Error("Failed to ack discarded job", "error", ackErr)
		}
		return "discard"

	default:
		var perm *PermanentError
		if errors.As(err, &perm) {
			log.Error("Job failed permanently", "error", perm.Err)
			if dlErr := w.queue.DeadLetter(ctx, job, perm.Err.Error()); dlErr != nil {
				log.Error("Failed to dead-letter job", "error", dlErr)
				return "error"
			}
			w.afterDeadLetter(ctx, job, perm.Err.Error())
			return "dead_letter"
		}

		delay := broker.RetryDelay(job.Attempt+1, w.cfg.NackBackoffBase, w.cfg.NackBackoffMax)
		deadLettered, nackErr := w.queue.Nack(ctx, job, err.Error(), delay)
		if nackErr != nil {
			log.Error("Failed to nack job", "error", nackErr)
			return "error"
		}
		if deadLettered {
			log.Error("Job exhausted retries", "error", err)
			w.afterDeadLetter(ctx, job, err.Error())
			return "dead_letter"
		}
		log.Warn("Job failed, will retry", "error", err, "retry_delay", delay.String())
		return "retry"
	}
}

func (w *worker) afterDeadLetter(ctx context.Context, job *broker.Job, reason string) {
	w.metrics.DLQTotal.WithLabelValues(w.queue.Name()).Inc()
	if w.hook != nil {
		w.hook(ctx, job, reason)
	}
}
