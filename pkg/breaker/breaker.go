// Package breaker implements a per-provider circuit breaker whose state lives
// in Redis, so every replica sees the same breaker and an operator can reset
// it through the admin API. Failures are counted in a fixed window; the open
// state admits a single probe after the cooldown.
package breaker

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrCircuitOpen indicates the provider is currently fenced off.
var ErrCircuitOpen = errors.New("circuit breaker open")

// State is the breaker state machine position.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

// Settings tunes one breaker instance.
type Settings struct {
	// FailureThreshold failures within Window trip the breaker.
	FailureThreshold int
	// Window is the fixed failure-counting window.
	Window time.Duration
	// OpenFor is how long the breaker stays open before admitting a probe.
	OpenFor time.Duration
}

// Info is a point-in-time snapshot for the admin API.
type Info struct {
	Provider        string     `json:"provider"`
	State           State      `json:"state"`
	Failures        int        `json:"failures"`
	OpenedAt        *time.Time `json:"opened_at,omitempty"`
	LastResetAt     *time.Time `json:"last_reset_at,omitempty"`
	LastResetSource string     `json:"last_reset_source,omitempty"`
	LastResetReason string     `json:"last_reset_reason,omitempty"`
	LastFailure     string     `json:"last_failure_reason,omitempty"`
}

var allowScript = redis.NewScript(`
local state = redis.call('HGET', KEYS[1], 'state')
if not state or state == 'closed' then
	return 1
end
local now = tonumber(ARGV[1])
local openFor = tonumber(ARGV[2])
if state == 'open' then
	local openedAt = tonumber(redis.call('HGET', KEYS[1], 'opened_at_ms') or '0')
	if now - openedAt >= openFor then
		redis.call('HSET', KEYS[1], 'state', 'half_open', 'probe', 1, 'probe_at_ms', now)
		return 1
	end
	return 0
end
local probe = tonumber(redis.call('HGET', KEYS[1], 'probe') or '0')
if probe == 1 then
	local probeAt = tonumber(redis.call('HGET', KEYS[1], 'probe_at_ms') or '0')
	if now - probeAt < openFor then
		return 0
	end
end
redis.call('HSET', KEYS[1], 'probe', 1, 'probe_at_ms', now)
return 1
`)

var failureScript = redis.NewScript(`
local state = redis.call('HGET', KEYS[1], 'state') or 'closed'
local now = tonumber(ARGV[1])
if state == 'open' then
	return 'open'
end
redis.call('HSET', KEYS[1], 'last_failure_reason', ARGV[4])
if state == 'half_open' then
	redis.call('HSET', KEYS[1], 'state', 'open', 'opened_at_ms', now, 'probe', 0, 'failures', 0, 'window_start_ms', 0)
	return 'open'
end
local ws = tonumber(redis.call('HGET', KEYS[1], 'window_start_ms') or '0')
local failures = tonumber(redis.call('HGET', KEYS[1], 'failures') or '0')
if ws == 0 or now - ws >= tonumber(ARGV[2]) then
	ws = now
	failures = 0
end
failures = failures + 1
if failures >= tonumber(ARGV[3]) then
	redis.call('HSET', KEYS[1], 'state', 'open', 'opened_at_ms', now, 'failures', 0, 'window_start_ms', 0, 'probe', 0)
	return 'open'
end
redis.call('HSET', KEYS[1], 'state', 'closed', 'failures', failures, 'window_start_ms', ws)
return 'closed'
`)

var successScript = redis.NewScript(`
local state = redis.call('HGET', KEYS[1], 'state') or 'closed'
if state == 'half_open' then
	redis.call('HSET', KEYS[1], 'state', 'closed', 'failures', 0, 'window_start_ms', 0, 'probe', 0, 'opened_at_ms', 0)
	return 'closed'
end
return state
`)

var autoResetScript = redis.NewScript(`
local state = redis.call('HGET', KEYS[1], 'state')
if state ~= 'open' then
	return 0
end
if redis.call('HGET', KEYS[1], 'last_failure_reason') == 'auth' then
	return 0
end
local openedAt = tonumber(redis.call('HGET', KEYS[1], 'opened_at_ms') or '0')
local now = tonumber(ARGV[1])
if now - openedAt < tonumber(ARGV[2]) then
	return 0
end
redis.call('HSET', KEYS[1], 'state', 'closed', 'failures', 0, 'window_start_ms', 0, 'probe', 0, 'opened_at_ms', 0,
	'last_reset_at_ms', now, 'last_reset_source', ARGV[3], 'last_reset_reason', ARGV[4])
return 1
`)

// Breaker guards calls to one provider.
type Breaker struct {
	client   *redis.Client
	provider string
	settings Settings
}

// New returns a breaker for the given provider.
func New(client *redis.Client, provider string, settings Settings) *Breaker {
	return &Breaker{client: client, provider: provider, settings: settings}
}

// Provider returns the provider name the breaker guards.
func (b *Breaker) Provider() string { return b.provider }

func (b *Breaker) key() string { return "cb:" + b.provider }

// Allow reports whether a call may proceed. An open breaker past its cooldown
// transitions to half-open and admits exactly one probe. A probe claim that
// was never reported back (the prober crashed) expires after another OpenFor,
// so the breaker cannot wedge half-open forever.
func (b *Breaker) Allow(ctx context.Context) error {
	res, err := allowScript.Run(ctx, b.client, []string{b.key()},
		time.Now().UnixMilli(), b.settings.OpenFor.Milliseconds(),
	).Int()
	if err != nil {
		return fmt.Errorf("breaker allow %s: %w", b.provider, err)
	}
	if res != 1 {
		return fmt.Errorf("%w: provider %s", ErrCircuitOpen, b.provider)
	}
	return nil
}

// ReportSuccess closes the breaker after a successful half-open probe. It is
// a no-op in the closed state; successes do not erase window failures.
func (b *Breaker) ReportSuccess(ctx context.Context) error {
	if err := successScript.Run(ctx, b.client, []string{b.key()}).Err(); err != nil {
		return fmt.Errorf("breaker success %s: %w", b.provider, err)
	}
	return nil
}

// ReportFailure records a failed call with its classification. A failed
// half-open probe reopens the breaker immediately; in the closed state the
// breaker trips once the window failure count reaches the threshold. An
// "auth" reason blocks later auto-reset, since retrying with bad credentials
// cannot help. Returns the resulting state.
func (b *Breaker) ReportFailure(ctx context.Context, reason string) (State, error) {
	if reason == "" {
		reason = "error"
	}
	res, err := failureScript.Run(ctx, b.client, []string{b.key()},
		time.Now().UnixMilli(), b.settings.Window.Milliseconds(), b.settings.FailureThreshold, reason,
	).Text()
	if err != nil {
		return "", fmt.Errorf("breaker failure %s: %w", b.provider, err)
	}
	return State(res), nil
}

// Reset forces the breaker closed, recording who asked and why.
func (b *Breaker) Reset(ctx context.Context, source, reason string) error {
	err := b.client.HSet(ctx, b.key(),
		"state", string(StateClosed),
		"failures", 0,
		"window_start_ms", 0,
		"probe", 0,
		"opened_at_ms", 0,
		"last_reset_at_ms", time.Now().UnixMilli(),
		"last_reset_source", source,
		"last_reset_reason", reason,
	).Err()
	if err != nil {
		return fmt.Errorf("breaker reset %s: %w", b.provider, err)
	}
	return nil
}

// AutoReset closes the breaker when it has been open for at least minAge and
// the last failure was not an auth failure. Used by the reconciler's
// self-heal pass. Returns true when a reset happened.
func (b *Breaker) AutoReset(ctx context.Context, minAge time.Duration, reason string) (bool, error) {
	res, err := autoResetScript.Run(ctx, b.client, []string{b.key()},
		time.Now().UnixMilli(), minAge.Milliseconds(), "auto", reason,
	).Int()
	if err != nil {
		return false, fmt.Errorf("breaker auto reset %s: %w", b.provider, err)
	}
	return res == 1, nil
}

// Snapshot reads the breaker state for the admin API.
func (b *Breaker) Snapshot(ctx context.Context) (Info, error) {
	fields, err := b.client.HGetAll(ctx, b.key()).Result()
	if err != nil {
		return Info{}, fmt.Errorf("breaker snapshot %s: %w", b.provider, err)
	}
	info := Info{Provider: b.provider, State: StateClosed}
	if s, ok := fields["state"]; ok && s != "" {
		info.State = State(s)
	}
	if f, ok := fields["failures"]; ok {
		info.Failures, _ = strconv.Atoi(f)
	}
	if t := msField(fields, "opened_at_ms"); t != nil {
		info.OpenedAt = t
	}
	if t := msField(fields, "last_reset_at_ms"); t != nil {
		info.LastResetAt = t
	}
	info.LastResetSource = fields["last_reset_source"]
	info.LastResetReason = fields["last_reset_reason"]
	info.LastFailure = fields["last_failure_reason"]
	return info, nil
}

func msField(fields map[string]string, name string) *time.Time {
	raw, ok := fields[name]
	if !ok {
		return nil
	}
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || ms == 0 {
		return nil
	}
	t := time.UnixMilli(ms).UTC()
	return &t
}
