package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// ConnectorConfig holds lifecycle, reconciliation, and circuit breaker
// settings for the meeting connector, plus the provider registry.
type ConnectorConfig struct {
	// Provider is the active connector provider name, resolved against the
	// registry. "mock" and empty are always valid.
	Provider string

	// AutoJoinRealtime joins the connector automatically when a realtime
	// meeting starts (the caller may override per request).
	AutoJoinRealtime bool

	// OpLockTTL bounds how long a lifecycle operation may hold the
	// per-meeting operation lock.
	OpLockTTL time.Duration

	// JoinIdempotentTTL makes join return an existing connected session
	// joined within this window without calling the provider.
	JoinIdempotentTTL time.Duration

	// LivePullBatchLimit caps chunks fetched per live-pull call.
	LivePullBatchLimit int
	// LivePullSessionsLimit caps sessions live-pulled per reconcile cycle.
	LivePullSessionsLimit int
	// LivePullFailReconnectThreshold forces a reconnect after this many
	// consecutive live-pull failures for one meeting.
	LivePullFailReconnectThreshold int

	// ReconcileInterval is the reconciliation loop period.
	ReconcileInterval time.Duration
	// ReconcileStale marks connected sessions without recent last_seen as
	// stale and reconnects them.
	ReconcileStale time.Duration
	// ReconciliationLimit caps reconnects per cycle.
	ReconciliationLimit int

	// Circuit breaker settings (one breaker per provider).
	CBFailureThreshold int
	CBWindow           time.Duration
	CBOpen             time.Duration
	CBAutoResetMinAge  time.Duration
	CBSelfHealEnabled  bool

	Registry *ProviderRegistry
}

// DefaultConnectorConfig returns the built-in connector defaults.
func DefaultConnectorConfig() *ConnectorConfig {
	return &ConnectorConfig{
		Provider:                       "mock",
		AutoJoinRealtime:               true,
		OpLockTTL:                      30 * time.Second,
		JoinIdempotentTTL:              60 * time.Second,
		LivePullBatchLimit:             16,
		LivePullSessionsLimit:          8,
		LivePullFailReconnectThreshold: 3,
		ReconcileInterval:              15 * time.Second,
		ReconcileStale:                 60 * time.Second,
		ReconciliationLimit:            4,
		CBFailureThreshold:             5,
		CBWindow:                       60 * time.Second,
		CBOpen:                         30 * time.Second,
		CBAutoResetMinAge:              5 * time.Minute,
		CBSelfHealEnabled:              false,
	}
}

func loadConnectorConfig(configDir string) (*ConnectorConfig, error) {
	cfg := DefaultConnectorConfig()
	cfg.Provider = getEnv("MEETING_CONNECTOR_PROVIDER", cfg.Provider)
	cfg.AutoJoinRealtime = getBool("CONNECTOR_AUTO_JOIN_REALTIME", cfg.AutoJoinRealtime)
	cfg.OpLockTTL = getSeconds("OP_LOCK_TTL_SEC", cfg.OpLockTTL)
	cfg.JoinIdempotentTTL = getSeconds("JOIN_IDEMPOTENT_TTL_SEC", cfg.JoinIdempotentTTL)
	cfg.LivePullBatchLimit = getInt("LIVE_PULL_BATCH_LIMIT", cfg.LivePullBatchLimit)
	cfg.LivePullSessionsLimit = getInt("LIVE_PULL_SESSIONS_LIMIT", cfg.LivePullSessionsLimit)
	cfg.LivePullFailReconnectThreshold = getInt("LIVE_PULL_FAIL_RECONNECT_THRESHOLD", cfg.LivePullFailReconnectThreshold)
	cfg.ReconcileInterval = getSeconds("RECONCILE_INTERVAL_SEC", cfg.ReconcileInterval)
	cfg.ReconcileStale = getSeconds("RECONCILE_STALE_SEC", cfg.ReconcileStale)
	cfg.ReconciliationLimit = getInt("RECONCILIATION_LIMIT", cfg.ReconciliationLimit)
	cfg.CBFailureThreshold = getInt("CB_FAILURE_THRESHOLD", cfg.CBFailureThreshold)
	cfg.CBWindow = getSeconds("CB_WINDOW_SEC", cfg.CBWindow)
	cfg.CBOpen = getSeconds("CB_OPEN_SEC", cfg.CBOpen)
	cfg.CBAutoResetMinAge = getSeconds("CB_AUTO_RESET_MIN_AGE_SEC", cfg.CBAutoResetMinAge)
	cfg.CBSelfHealEnabled = getBool("CB_SELF_HEAL_ENABLED", cfg.CBSelfHealEnabled)

	registry, err := LoadProviderRegistry(filepath.Join(configDir, "connectors.yaml"))
	if err != nil {
		return nil, err
	}
	cfg.Registry = registry
	return cfg, nil
}

// ProviderSettings describes one connector provider endpoint. Values support
// ${ENV} expansion so tokens stay out of the YAML file.
type ProviderSettings struct {
	APIBase        string `yaml:"api_base" validate:"required,url"`
	APIToken       string `yaml:"api_token"`
	TimeoutSec     int    `yaml:"timeout,omitempty" validate:"omitempty,min=1"`
	Retries        int    `yaml:"retries,omitempty" validate:"omitempty,min=0,max=10"`
	RetryBackoffMS int    `yaml:"retry_backoff_ms,omitempty" validate:"omitempty,min=0"`
	RetryOnStatus  []int  `yaml:"retry_on_status,omitempty"`
}

// Timeout returns the per-call timeout with a default.
func (p *ProviderSettings) Timeout() time.Duration {
	if p.TimeoutSec > 0 {
		return time.Duration(p.TimeoutSec) * time.Second
	}
	return 10 * time.Second
}

// RetryBackoff returns the retry backoff base with a default.
func (p *ProviderSettings) RetryBackoff() time.Duration {
	if p.RetryBackoffMS > 0 {
		return time.Duration(p.RetryBackoffMS) * time.Millisecond
	}
	return 250 * time.Millisecond
}

// RetryStatuses returns the retry-on-status set with the standard default.
func (p *ProviderSettings) RetryStatuses() []int {
	if len(p.RetryOnStatus) > 0 {
		return p.RetryOnStatus
	}
	return []int{429, 500, 502, 503, 504}
}

// providerRegistryFile is the YAML shape of connectors.yaml.
type providerRegistryFile struct {
	Providers map[string]*ProviderSettings `yaml:"providers"`
}

// ProviderRegistry maps provider names to their endpoint settings.
type ProviderRegistry struct {
	providers map[string]*ProviderSettings
}

// LoadProviderRegistry reads connectors.yaml. A missing file yields an empty
// registry: only the mock provider is then usable.
func LoadProviderRegistry(path string) (*ProviderRegistry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &ProviderRegistry{providers: map[string]*ProviderSettings{}}, nil
		}
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}

	// Expand ${ENV} references before parsing so tokens resolve.
	expanded := os.Expand(string(data), func(key string) string {
		return os.Getenv(key)
	})

	var file providerRegistryFile
	if err := yaml.Unmarshal([]byte(expanded), &file); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}

	validate := validator.New()
	for name, p := range file.Providers {
		if p == nil {
			return nil, fmt.Errorf("provider %q: empty definition", name)
		}
		if err := validate.Struct(p); err != nil {
			return nil, fmt.Errorf("provider %q: %w", name, err)
		}
	}

	if file.Providers == nil {
		file.Providers = map[string]*ProviderSettings{}
	}
	return &ProviderRegistry{providers: file.Providers}, nil
}

// Get returns the settings for a provider name.
func (r *ProviderRegistry) Get(name string) (*ProviderSettings, bool) {
	p, ok := r.providers[name]
	return p, ok
}

// Has reports whether the registry knows the provider.
func (r *ProviderRegistry) Has(name string) bool {
	_, ok := r.providers[name]
	return ok
}

// Names returns the sorted provider names.
func (r *ProviderRegistry) Names() []string {
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Len returns the number of registered providers.
func (r *ProviderRegistry) Len() int { return len(r.providers) }
