package broker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrBusy indicates another operation currently holds the lock.
var ErrBusy = errors.New("operation already in progress")

// releaseScript deletes the lock only when the caller still holds it, so a
// slow operation whose lock expired cannot release a successor's lock.
var releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
	return redis.call('DEL', KEYS[1])
end
return 0
`)

// OpLockKey builds the per-meeting operation lock key for a provider.
func OpLockKey(provider, meetingID string) string {
	return fmt.Sprintf("oplock:%s:%s", provider, meetingID)
}

// AcquireOpLock takes the lock for ttl and returns the release token.
// Returns ErrBusy when the lock is held.
func AcquireOpLock(ctx context.Context, client *redis.Client, key string, ttl time.Duration) (string, error) {
	token := uuid.NewString()
	ok, err := client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return "", fmt.Errorf("acquire op lock: %w", err)
	}
	if !ok {
		return "", ErrBusy
	}
	return token, nil
}

// ReleaseOpLock releases the lock if token still owns it. Releasing an
// expired or stolen lock is a no-op, not an error.
func ReleaseOpLock(ctx context.Context, client *redis.Client, key, token string) error {
	if err := releaseScript.Run(ctx, client, []string{key}, token).Err(); err != nil {
		return fmt.Errorf("release op lock: %w", err)
	}
	return nil
}

// PutIfAbsent stores value under key with ttl unless key exists. Used for
// short-lived idempotency markers such as recent join results.
func PutIfAbsent(ctx context.Context, client *redis.Client, key, value string, ttl time.Duration) (bool, error) {
	ok, err := client.SetNX(ctx, key, value, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("put if absent: %w", err)
	}
	return ok, nil
}

// GetString reads a string value, reporting whether the key exists.
func GetString(ctx context.Context, client *redis.Client, key string) (string, bool, error) {
	val, err := client.Get(ctx, key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("get %s: %w", key, err)
	}
	return val, true, nil
}
