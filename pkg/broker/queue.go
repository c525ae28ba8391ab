package broker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrNoJobs indicates the queue had nothing ready to reserve.
var ErrNoJobs = errors.New("no jobs available")

// reserveScript promotes due delayed jobs and expired leases back onto the
// ready list, then pops one job and leases it. Orphaned IDs whose body was
// already acked are skipped.
var reserveScript = redis.NewScript(`
local due = redis.call('ZRANGEBYSCORE', KEYS[3], 0, ARGV[1], 'LIMIT', 0, tonumber(ARGV[3]))
for _, id in ipairs(due) do
	redis.call('ZREM', KEYS[3], id)
	redis.call('RPUSH', KEYS[1], id)
end
local expired = redis.call('ZRANGEBYSCORE', KEYS[4], 0, ARGV[1], 'LIMIT', 0, tonumber(ARGV[3]))
for _, id in ipairs(expired) do
	redis.call('ZREM', KEYS[4], id)
	redis.call('RPUSH', KEYS[1], id)
end
while true do
	local id = redis.call('LPOP', KEYS[1])
	if not id then
		return false
	end
	local body = redis.call('HGET', KEYS[2], id)
	if body then
		redis.call('ZADD', KEYS[4], ARGV[2], id)
		return body
	end
end
`)

var enqueueScript = redis.NewScript(`
redis.call('HSET', KEYS[2], ARGV[1], ARGV[2])
if tonumber(ARGV[3]) > 0 then
	redis.call('ZADD', KEYS[3], ARGV[3], ARGV[1])
else
	redis.call('RPUSH', KEYS[1], ARGV[1])
end
return 1
`)

var ackScript = redis.NewScript(`
redis.call('ZREM', KEYS[2], ARGV[1])
return redis.call('HDEL', KEYS[1], ARGV[1])
`)

var retryScript = redis.NewScript(`
redis.call('ZREM', KEYS[3], ARGV[1])
redis.call('HSET', KEYS[1], ARGV[1], ARGV[2])
redis.call('ZADD', KEYS[2], ARGV[3], ARGV[1])
return 1
`)

var deadLetterScript = redis.NewScript(`
redis.call('ZREM', KEYS[2], ARGV[1])
redis.call('HDEL', KEYS[1], ARGV[1])
redis.call('RPUSH', KEYS[3], ARGV[2])
return 1
`)

// dlqReplayScript moves one dead-lettered job back onto the ready list,
// resetting the attempt counter and failure fields in place. Pop and
// re-enqueue happen in one script so a crash between them cannot lose the job.
var dlqReplayScript = redis.NewScript(`
local body = redis.call('LPOP', KEYS[1])
if not body then
	return false
end
local job = cjson.decode(body)
job['attempt'] = 0
job['max_attempts'] = tonumber(ARGV[1])
job['failure_reason'] = nil
job['failed_at'] = nil
local fresh = cjson.encode(job)
redis.call('HSET', KEYS[2], job['job_id'], fresh)
redis.call('RPUSH', KEYS[3], job['job_id'])
return fresh
`)

// reservePromoteLimit bounds how many delayed or expired entries a single
// reserve call promotes, keeping the script short under load.
const reservePromoteLimit = 128

// Queue provides at-least-once delivery for one named stage queue.
type Queue struct {
	client *redis.Client
	name   string
}

// NewQueue returns a Queue bound to the given stage queue name (e.g. q:stt).
func NewQueue(client *redis.Client, name string) *Queue {
	return &Queue{client: client, name: name}
}

// Name returns the queue name.
func (q *Queue) Name() string { return q.name }

func (q *Queue) readyKey() string   { return q.name }
func (q *Queue) jobsKey() string    { return q.name + ":jobs" }
func (q *Queue) pendingKey() string { return q.name + ":pending" }
func (q *Queue) leasesKey() string  { return q.name + ":leases" }
func (q *Queue) dlqKey() string     { return q.name + ":dlq" }

// Enqueue stores the job body and makes it ready, or schedules it for
// visibility after delay when delay > 0.
func (q *Queue) Enqueue(ctx context.Context, job *Job, delay time.Duration) error {
	job.Queue = q.name
	body, err := job.marshal()
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	visibleAt := int64(0)
	if delay > 0 {
		visibleAt = time.Now().Add(delay).UnixMilli()
	}
	keys := []string{q.readyKey(), q.jobsKey(), q.pendingKey()}
	if err := enqueueScript.Run(ctx, q.client, keys, job.JobID, body, visibleAt).Err(); err != nil {
		return fmt.Errorf("enqueue %s: %w", q.name, err)
	}
	return nil
}

// Reserve leases one ready job for the visibility window. A job whose lease
// expires without an Ack is redelivered to another worker. Returns ErrNoJobs
// when the queue is empty.
func (q *Queue) Reserve(ctx context.Context, visibility time.Duration) (*Job, error) {
	now := time.Now()
	keys := []string{q.readyKey(), q.jobsKey(), q.pendingKey(), q.leasesKey()}
	res, err := reserveScript.Run(ctx, q.client, keys,
		now.UnixMilli(), now.Add(visibility).UnixMilli(), reservePromoteLimit,
	).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNoJobs
		}
		return nil, fmt.Errorf("reserve %s: %w", q.name, err)
	}
	body, ok := res.(string)
	if !ok {
		return nil, ErrNoJobs
	}
	job, err := unmarshalJob([]byte(body))
	if err != nil {
		return nil, fmt.Errorf("decode reserved job: %w", err)
	}
	return job, nil
}

// Ack removes a completed job from the queue.
func (q *Queue) Ack(ctx context.Context, jobID string) error {
	keys := []string{q.jobsKey(), q.leasesKey()}
	if err := ackScript.Run(ctx, q.client, keys, jobID).Err(); err != nil {
		return fmt.Errorf("ack %s: %w", q.name, err)
	}
	return nil
}

// Nack reports a failed attempt. The attempt counter is incremented; when it
// reaches the job's max attempts the job moves to the dead-letter list with
// the failure reason, otherwise it is rescheduled after delay. Returns true
// when the job was dead-lettered.
func (q *Queue) Nack(ctx context.Context, job *Job, reason string, delay time.Duration) (bool, error) {
	job.Attempt++
	if job.Attempt >= job.MaxAttempts {
		now := time.Now().UTC()
		job.FailureReason = reason
		job.FailedAt = &now
		body, err := job.marshal()
		if err != nil {
			return false, fmt.Errorf("marshal dead-lettered job: %w", err)
		}
		keys := []string{q.jobsKey(), q.leasesKey(), q.dlqKey()}
		if err := deadLetterScript.Run(ctx, q.client, keys, job.JobID, body).Err(); err != nil {
			return false, fmt.Errorf("dead-letter %s: %w", q.name, err)
		}
		return true, nil
	}

	body, err := job.marshal()
	if err != nil {
		return false, fmt.Errorf("marshal retried job: %w", err)
	}
	visibleAt := time.Now().Add(delay).UnixMilli()
	keys := []string{q.jobsKey(), q.pendingKey(), q.leasesKey()}
	if err := retryScript.Run(ctx, q.client, keys, job.JobID, body, visibleAt).Err(); err != nil {
		return false, fmt.Errorf("retry %s: %w", q.name, err)
	}
	return false, nil
}

// DeadLetter moves a leased job straight to the dead-letter list, bypassing
// any remaining retry budget. Used for permanent failures where retrying
// cannot succeed.
func (q *Queue) DeadLetter(ctx context.Context, job *Job, reason string) error {
	now := time.Now().UTC()
	job.FailureReason = reason
	job.FailedAt = &now
	body, err := job.marshal()
	if err != nil {
		return fmt.Errorf("marshal dead-lettered job: %w", err)
	}
	keys := []string{q.jobsKey(), q.leasesKey(), q.dlqKey()}
	if err := deadLetterScript.Run(ctx, q.client, keys, job.JobID, body).Err(); err != nil {
		return fmt.Errorf("dead-letter %s: %w", q.name, err)
	}
	return nil
}

// RetryDelay computes the exponential backoff for the given attempt, capped
// at max. Attempt 1 waits base, attempt 2 waits 2*base, and so on.
func RetryDelay(attempt int, base, max time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := base
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= max {
			return max
		}
	}
	if delay > max {
		return max
	}
	return delay
}

// Depth returns the number of ready jobs.
func (q *Queue) Depth(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, q.readyKey()).Result()
}

// PendingDepth returns the number of delayed jobs not yet visible.
func (q *Queue) PendingDepth(ctx context.Context) (int64, error) {
	return q.client.ZCard(ctx, q.pendingKey()).Result()
}

// InflightDepth returns the number of currently leased jobs.
func (q *Queue) InflightDepth(ctx context.Context) (int64, error) {
	return q.client.ZCard(ctx, q.leasesKey()).Result()
}

// DLQDepth returns the number of dead-lettered jobs.
func (q *Queue) DLQDepth(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, q.dlqKey()).Result()
}

// DLQPeek returns up to limit dead-lettered jobs without removing them.
func (q *Queue) DLQPeek(ctx context.Context, limit int64) ([]*Job, error) {
	if limit <= 0 {
		limit = 10
	}
	bodies, err := q.client.LRange(ctx, q.dlqKey(), 0, limit-1).Result()
	if err != nil {
		return nil, fmt.Errorf("peek dlq %s: %w", q.name, err)
	}
	jobs := make([]*Job, 0, len(bodies))
	for _, body := range bodies {
		job, err := unmarshalJob([]byte(body))
		if err != nil {
			return nil, fmt.Errorf("decode dead-lettered job: %w", err)
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

// DLQReplay moves up to limit dead-lettered jobs back onto the queue. Each
// job keeps its ID and trace but restarts with attempt 0 and the caller's
// max attempts, so a raised retry budget applies to replayed work.
func (q *Queue) DLQReplay(ctx context.Context, limit int64, maxAttempts int) (int, error) {
	if limit <= 0 {
		limit = 10
	}
	keys := []string{q.dlqKey(), q.jobsKey(), q.readyKey()}
	replayed := 0
	for int64(replayed) < limit {
		err := dlqReplayScript.Run(ctx, q.client, keys, maxAttempts).Err()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				break
			}
			return replayed, fmt.Errorf("replay dlq %s: %w", q.name, err)
		}
		replayed++
	}
	return replayed, nil
}
