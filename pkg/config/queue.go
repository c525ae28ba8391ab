package config

import "time"

// QueueMode selects how pipeline jobs execute.
const (
	// QueueModeRedis runs the staged pipeline over the Redis broker.
	QueueModeRedis = "redis"
	// QueueModeInline executes all stages synchronously in the request path.
	// Failures surface to the caller; there is no retry. For local
	// development and single-process deployments.
	QueueModeInline = "inline"
)

// QueueConfig contains queue fabric and worker pool configuration.
type QueueConfig struct {
	// Mode is redis or inline.
	Mode string

	// WorkerCount is the number of worker goroutines per pipeline queue.
	WorkerCount int

	// MaxAttempts is the delivery attempt budget before a job moves to DLQ.
	MaxAttempts int

	// VisibilityTimeout bounds handler execution; a reserved job whose
	// visibility expires becomes available to another worker.
	VisibilityTimeout time.Duration

	// NackBackoffBase is the base delay for exponential retry backoff.
	// Actual delay: base * 2^attempt, capped at NackBackoffMax.
	NackBackoffBase time.Duration
	NackBackoffMax  time.Duration

	// PollInterval is the base interval for checking empty queues.
	PollInterval time.Duration

	// PollIntervalJitter is the random jitter added to PollInterval.
	// Actual interval: PollInterval ± PollIntervalJitter.
	PollIntervalJitter time.Duration

	// GracefulShutdownTimeout is the max time to wait for in-flight jobs
	// during shutdown; after it, visibility expiry re-delivers them.
	GracefulShutdownTimeout time.Duration

	// FinalizeInactivity is how long after the last chunk an ingesting
	// meeting is implicitly finalized. Explicit finalize always wins.
	FinalizeInactivity time.Duration

	// IdempotencyTTL bounds how long idempotency keys are honored.
	IdempotencyTTL time.Duration

	// RetentionDelay is how long after delivery the retention job runs,
	// deleting chunk blobs and pruning expired idempotency keys.
	RetentionDelay time.Duration
}

// DefaultQueueConfig returns the built-in queue defaults.
func DefaultQueueConfig() *QueueConfig {
	return &QueueConfig{
		Mode:                    QueueModeRedis,
		WorkerCount:             2,
		MaxAttempts:             3,
		VisibilityTimeout:       2 * time.Minute,
		NackBackoffBase:         1 * time.Second,
		NackBackoffMax:          30 * time.Second,
		PollInterval:            500 * time.Millisecond,
		PollIntervalJitter:      250 * time.Millisecond,
		GracefulShutdownTimeout: 30 * time.Second,
		FinalizeInactivity:      90 * time.Second,
		IdempotencyTTL:          24 * time.Hour,
		RetentionDelay:          24 * time.Hour,
	}
}

func loadQueueConfig() *QueueConfig {
	cfg := DefaultQueueConfig()
	cfg.Mode = getEnv("QUEUE_MODE", cfg.Mode)
	cfg.WorkerCount = getInt("QUEUE_WORKER_COUNT", cfg.WorkerCount)
	cfg.MaxAttempts = getInt("QUEUE_MAX_ATTEMPTS", cfg.MaxAttempts)
	cfg.VisibilityTimeout = getSeconds("QUEUE_VISIBILITY_TIMEOUT_SEC", cfg.VisibilityTimeout)
	cfg.NackBackoffBase = getSeconds("QUEUE_NACK_BACKOFF_BASE_SEC", cfg.NackBackoffBase)
	cfg.NackBackoffMax = getSeconds("QUEUE_NACK_BACKOFF_MAX_SEC", cfg.NackBackoffMax)
	cfg.GracefulShutdownTimeout = getSeconds("QUEUE_SHUTDOWN_TIMEOUT_SEC", cfg.GracefulShutdownTimeout)
	cfg.FinalizeInactivity = getSeconds("FINALIZE_INACTIVITY_SEC", cfg.FinalizeInactivity)
	cfg.IdempotencyTTL = getSeconds("IDEMPOTENCY_TTL_SEC", cfg.IdempotencyTTL)
	cfg.RetentionDelay = getSeconds("RETENTION_DELAY_SEC", cfg.RetentionDelay)
	return cfg
}

// Inline reports whether the pipeline runs in inline mode.
func (c *QueueConfig) Inline() bool { return c.Mode == QueueModeInline }
