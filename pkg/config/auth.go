package config

// Auth modes.
const (
	AuthModeNone   = "none"
	AuthModeAPIKey = "api_key"
	AuthModeJWT    = "jwt"
)

// Service scopes required by JWT service credentials.
const (
	ScopeAdminRead  = "admin:read"
	ScopeAdminWrite = "admin:write"
	ScopeWSInternal = "ws:internal"
)

// AuthConfig holds authentication and tenancy settings.
type AuthConfig struct {
	// Mode is none, api_key, or jwt.
	Mode string

	// APIKeys authorize user-contour requests in api_key mode.
	APIKeys []string
	// ServiceAPIKeys authorize service-contour requests (internal routes,
	// admin, internal WebSocket).
	ServiceAPIKeys []string

	// OIDC validation settings for jwt mode.
	OIDCIssuerURL string
	OIDCAudience  string
	OIDCJWKSURL   string

	// AllowServiceAPIKeyInJWTMode lets service callers fall back to API
	// keys when jwt mode is on. Forced off in production.
	AllowServiceAPIKeyInJWTMode bool

	// TenantEnforced extracts the tenant claim into the request context and
	// filters store reads/writes by it. User-route API keys are rejected in
	// this mode.
	TenantEnforced bool
	// TenantClaim is the JWT claim carrying the tenant.
	TenantClaim string

	// AuditPersist writes audit events to the database in addition to logs.
	AuditPersist bool
}

// DefaultAuthConfig returns the built-in auth defaults (dev-friendly).
func DefaultAuthConfig() *AuthConfig {
	return &AuthConfig{
		Mode:                        AuthModeNone,
		TenantClaim:                 "tenant",
		AllowServiceAPIKeyInJWTMode: true,
	}
}

func loadAuthConfig() *AuthConfig {
	cfg := DefaultAuthConfig()
	cfg.Mode = getEnv("AUTH_MODE", cfg.Mode)
	cfg.APIKeys = splitCSV(getEnv("API_KEYS", ""))
	cfg.ServiceAPIKeys = splitCSV(getEnv("SERVICE_API_KEYS", ""))
	cfg.OIDCIssuerURL = getEnv("OIDC_ISSUER_URL", "")
	cfg.OIDCAudience = getEnv("OIDC_AUDIENCE", "")
	cfg.OIDCJWKSURL = getEnv("OIDC_JWKS_URL", "")
	cfg.AllowServiceAPIKeyInJWTMode = getBool("ALLOW_SERVICE_API_KEY_IN_JWT_MODE", cfg.AllowServiceAPIKeyInJWTMode)
	cfg.TenantEnforced = getBool("TENANT_ENFORCED", false)
	cfg.TenantClaim = getEnv("TENANT_CLAIM", cfg.TenantClaim)
	cfg.AuditPersist = getBool("AUDIT_PERSIST", false)
	return cfg
}
