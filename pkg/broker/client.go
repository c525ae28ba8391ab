// Package broker implements the job queue fabric on Redis. Each stage queue
// is a ready list plus a delayed zset, a lease zset for in-flight jobs, and a
// dead-letter list. All state transitions run as Lua scripts so a crashed
// worker can never lose or duplicate a job.
package broker

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// NewClient connects to Redis using a URL of the form
// redis://[:password@]host:port[/db] and verifies the connection.
func NewClient(ctx context.Context, redisURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}
	return client, nil
}

// Health pings the broker with the caller's deadline.
func Health(ctx context.Context, client *redis.Client) error {
	return client.Ping(ctx).Err()
}
