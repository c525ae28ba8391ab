// Package auth authenticates requests on both contours. The user contour
// carries client traffic (meetings, chunks, the public WebSocket); the
// service contour carries internal and admin traffic and demands either a
// service API key or a JWT with the right scope. Every decision emits an
// audit event.
package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/meetpipe/meetpipe/pkg/config"
	"github.com/meetpipe/meetpipe/pkg/models"
)

// Sentinel errors mapped to 401/403 by the API layer.
var (
	ErrUnauthorized = errors.New("unauthorized")
	ErrForbidden    = errors.New("forbidden")
)

// AuthType labels how a principal authenticated.
const (
	TypeAnonymous     = "anonymous"
	TypeAPIKey        = "api_key"
	TypeServiceAPIKey = "service_api_key"
	TypeJWT           = "jwt"
)

// Principal is the authenticated caller identity attached to the request
// context.
type Principal struct {
	Subject  string
	AuthType string
	Tenant   string
	Scopes   []string
}

// HasScope reports whether the principal carries the scope.
func (p *Principal) HasScope(scope string) bool {
	for _, s := range p.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

type principalKey struct{}

// Into attaches the principal to the context.
func Into(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// From extracts the principal; nil when the request never passed auth.
func From(ctx context.Context) *Principal {
	p, _ := ctx.Value(principalKey{}).(*Principal)
	return p
}

// TenantFrom returns the tenant the request is scoped to, empty when
// tenancy is not enforced.
func TenantFrom(ctx context.Context) string {
	if p := From(ctx); p != nil {
		return p.Tenant
	}
	return ""
}

// Credentials are the raw secrets extracted from a request.
type Credentials struct {
	APIKey      string
	BearerToken string
}

// AuditStore persists audit events. *store.Store satisfies it.
type AuditStore interface {
	AppendAudit(ctx context.Context, e *models.AuditEvent) error
}

// Authenticator makes the allow/deny decision for both contours.
type Authenticator struct {
	cfg    *config.AuthConfig
	prod   bool
	tokens *tokenValidator
	audit  AuditStore
	logger *slog.Logger
}

// New builds the authenticator. audit may be nil when persistence is off.
func New(cfg *config.AuthConfig, prod bool, audit AuditStore, logger *slog.Logger) *Authenticator {
	a := &Authenticator{
		cfg:    cfg,
		prod:   prod,
		audit:  audit,
		logger: logger.With("component", "auth"),
	}
	if cfg.Mode == config.AuthModeJWT {
		a.tokens = newTokenValidator(cfg)
	}
	return a
}

// AuthenticateUser authenticates a user-contour request.
func (a *Authenticator) AuthenticateUser(ctx context.Context, creds Credentials) (*Principal, error) {
	switch a.cfg.Mode {
	case config.AuthModeNone:
		return &Principal{Subject: "anonymous", AuthType: TypeAnonymous}, nil

	case config.AuthModeAPIKey:
		if a.cfg.TenantEnforced {
			// API keys carry no tenant; user routes demand a JWT then.
			return nil, fmt.Errorf("%w: tenant mode requires a token on user routes", ErrForbidden)
		}
		if matchKey(creds.APIKey, a.cfg.APIKeys) {
			return &Principal{Subject: "api-key-user", AuthType: TypeAPIKey}, nil
		}
		return nil, fmt.Errorf("%w: invalid API key", ErrUnauthorized)

	case config.AuthModeJWT:
		return a.validateJWT(ctx, creds.BearerToken)

	default:
		return nil, fmt.Errorf("%w: unknown auth mode %q", ErrUnauthorized, a.cfg.Mode)
	}
}

// AuthenticateService authenticates a service-contour request and enforces
// the required scope. In jwt mode a service API key is accepted as fallback
// outside production when configured.
func (a *Authenticator) AuthenticateService(ctx context.Context, creds Credentials, requiredScope string) (*Principal, error) {
	switch a.cfg.Mode {
	case config.AuthModeNone:
		return &Principal{Subject: "anonymous", AuthType: TypeAnonymous}, nil

	case config.AuthModeAPIKey:
		if matchKey(creds.APIKey, a.cfg.ServiceAPIKeys) {
			return &Principal{Subject: "api-key-service", AuthType: TypeServiceAPIKey}, nil
		}
		return nil, fmt.Errorf("%w: invalid service API key", ErrUnauthorized)

	case config.AuthModeJWT:
		if creds.BearerToken == "" && a.serviceKeyFallback() {
			if matchKey(creds.APIKey, a.cfg.ServiceAPIKeys) {
				return &Principal{Subject: "api-key-service", AuthType: TypeServiceAPIKey}, nil
			}
			return nil, fmt.Errorf("%w: missing token", ErrUnauthorized)
		}
		p, err := a.validateJWT(ctx, creds.BearerToken)
		if err != nil {
			return nil, err
		}
		if requiredScope != "" && !p.HasScope(requiredScope) {
			return nil, fmt.Errorf("%w: missing scope %s", ErrForbidden, requiredScope)
		}
		return p, nil

	default:
		return nil, fmt.Errorf("%w: unknown auth mode %q", ErrUnauthorized, a.cfg.Mode)
	}
}

func (a *Authenticator) serviceKeyFallback() bool {
	return a.cfg.AllowServiceAPIKeyInJWTMode && !a.prod
}

func (a *Authenticator) validateJWT(ctx context.Context, token string) (*Principal, error) {
	if token == "" {
		return nil, fmt.Errorf("%w: missing bearer token", ErrUnauthorized)
	}
	claims, err := a.tokens.Validate(ctx, token)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}
	p := &Principal{
		Subject:  claims.Subject,
		AuthType: TypeJWT,
		Scopes:   claims.Scopes,
	}
	if a.cfg.TenantEnforced {
		if claims.Tenant == "" {
			return nil, fmt.Errorf("%w: token has no %s claim", ErrForbidden, a.cfg.TenantClaim)
		}
		p.Tenant = claims.Tenant
	}
	return p, nil
}

// Audit records one authorization decision. Denials always log; persistence
// follows AUDIT_PERSIST.
func (a *Authenticator) Audit(ctx context.Context, endpoint, method string, p *Principal, decision models.AuditDecision, reason string) {
	subject, authType := "", ""
	if p != nil {
		subject, authType = p.Subject, p.AuthType
	}

	level := slog.LevelInfo
	if decision == models.DecisionDeny {
		level = slog.LevelWarn
	}
	a.logger.Log(ctx, level, "Auth decision",
		"endpoint", endpoint, "method", method,
		"subject", subject, "auth_type", authType,
		"decision", string(decision), "reason", reason)

	if !a.cfg.AuditPersist || a.audit == nil {
		return
	}
	event := &models.AuditEvent{
		TS:       time.Now().UTC(),
		Endpoint: endpoint,
		Method:   method,
		Subject:  subject,
		AuthType: authType,
		Decision: decision,
		Reason:   reason,
	}
	if err := a.audit.AppendAudit(ctx, event); err != nil {
		a.logger.Error("Failed to persist audit event", "endpoint", endpoint, "error", err)
	}
}

// matchKey compares the presented key against the configured set in constant
// time per candidate.
func matchKey(presented string, keys []string) bool {
	if presented == "" {
		return false
	}
	for _, k := range keys {
		if subtle.ConstantTimeCompare([]byte(presented), []byte(k)) == 1 {
			return true
		}
	}
	return false
}
