package auth

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"log/slog"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meetpipe/meetpipe/pkg/config"
	"github.com/meetpipe/meetpipe/pkg/models"
)

func TestNoneModeAllowsAnonymous(t *testing.T) {
	a := New(&config.AuthConfig{Mode: config.AuthModeNone}, false, nil, slog.Default())

	p, err := a.AuthenticateUser(context.Background(), Credentials{})
	require.NoError(t, err)
	assert.Equal(t, TypeAnonymous, p.AuthType)

	p, err = a.AuthenticateService(context.Background(), Credentials{}, config.ScopeAdminWrite)
	require.NoError(t, err)
	assert.Equal(t, TypeAnonymous, p.AuthType)
}

func TestAPIKeyModeUserContour(t *testing.T) {
	cfg := &config.AuthConfig{
		Mode:           config.AuthModeAPIKey,
		APIKeys:        []string{"user-key"},
		ServiceAPIKeys: []string{"service-key"},
	}
	a := New(cfg, false, nil, slog.Default())
	ctx := context.Background()

	p, err := a.AuthenticateUser(ctx, Credentials{APIKey: "user-key"})
	require.NoError(t, err)
	assert.Equal(t, TypeAPIKey, p.AuthType)

	_, err = a.AuthenticateUser(ctx, Credentials{APIKey: "wrong"})
	assert.ErrorIs(t, err, ErrUnauthorized)

	// Service keys do not open user routes.
	_, err = a.AuthenticateUser(ctx, Credentials{APIKey: "service-key"})
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestAPIKeyModeServiceContour(t *testing.T) {
	cfg := &config.AuthConfig{
		Mode:           config.AuthModeAPIKey,
		APIKeys:        []string{"user-key"},
		ServiceAPIKeys: []string{"service-key"},
	}
	a := New(cfg, false, nil, slog.Default())
	ctx := context.Background()

	p, err := a.AuthenticateService(ctx, Credentials{APIKey: "service-key"}, config.ScopeAdminRead)
	require.NoError(t, err)
	assert.Equal(t, TypeServiceAPIKey, p.AuthType)

	_, err = a.AuthenticateService(ctx, Credentials{APIKey: "user-key"}, config.ScopeAdminRead)
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestTenantModeRejectsAPIKeysOnUserRoutes(t *testing.T) {
	cfg := &config.AuthConfig{
		Mode:           config.AuthModeAPIKey,
		APIKeys:        []string{"user-key"},
		TenantEnforced: true,
	}
	a := New(cfg, false, nil, slog.Default())

	_, err := a.AuthenticateUser(context.Background(), Credentials{APIKey: "user-key"})
	assert.ErrorIs(t, err, ErrForbidden)
}

// jwtFixture serves a JWKS endpoint and signs tokens against it.
type jwtFixture struct {
	key    *rsa.PrivateKey
	kid    string
	server *httptest.Server
	cfg    *config.AuthConfig
}

func newJWTFixture(t *testing.T) *jwtFixture {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	f := &jwtFixture{key: key, kid: "test-key-1"}
	f.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		doc := map[string]any{"keys": []map[string]string{{
			"kty": "RSA",
			"kid": f.kid,
			"n":   base64.RawURLEncoding.EncodeToString(key.N.Bytes()),
			"e":   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(key.E)).Bytes()),
		}}}
		_ = json.NewEncoder(w).Encode(doc)
	}))
	t.Cleanup(f.server.Close)

	f.cfg = &config.AuthConfig{
		Mode:          config.AuthModeJWT,
		OIDCIssuerURL: "https://issuer.example.com",
		OIDCAudience:  "meetpipe",
		OIDCJWKSURL:   f.server.URL,
		TenantClaim:   "tenant",
	}
	return f
}

func (f *jwtFixture) sign(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	if _, ok := claims["iss"]; !ok {
		claims["iss"] = f.cfg.OIDCIssuerURL
	}
	if _, ok := claims["aud"]; !ok {
		claims["aud"] = f.cfg.OIDCAudience
	}
	if _, ok := claims["exp"]; !ok {
		claims["exp"] = time.Now().Add(time.Hour).Unix()
	}
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = f.kid
	signed, err := token.SignedString(f.key)
	require.NoError(t, err)
	return signed
}

func TestJWTModeValidToken(t *testing.T) {
	f := newJWTFixture(t)
	a := New(f.cfg, false, nil, slog.Default())

	token := f.sign(t, jwt.MapClaims{"sub": "alice", "scope": "admin:read admin:write"})
	p, err := a.AuthenticateUser(context.Background(), Credentials{BearerToken: token})
	require.NoError(t, err)
	assert.Equal(t, "alice", p.Subject)
	assert.Equal(t, TypeJWT, p.AuthType)
	assert.True(t, p.HasScope(config.ScopeAdminWrite))
}

func TestJWTModeRejectsWrongAudience(t *testing.T) {
	f := newJWTFixture(t)
	a := New(f.cfg, false, nil, slog.Default())

	token := f.sign(t, jwt.MapClaims{"sub": "alice", "aud": "someone-else"})
	_, err := a.AuthenticateUser(context.Background(), Credentials{BearerToken: token})
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestJWTModeRejectsExpiredToken(t *testing.T) {
	f := newJWTFixture(t)
	a := New(f.cfg, false, nil, slog.Default())

	token := f.sign(t, jwt.MapClaims{"sub": "alice", "exp": time.Now().Add(-time.Hour).Unix()})
	_, err := a.AuthenticateUser(context.Background(), Credentials{BearerToken: token})
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestJWTModeServiceScopeEnforced(t *testing.T) {
	f := newJWTFixture(t)
	a := New(f.cfg, false, nil, slog.Default())
	ctx := context.Background()

	readOnly := f.sign(t, jwt.MapClaims{"sub": "svc", "scope": "admin:read"})
	_, err := a.AuthenticateService(ctx, Credentials{BearerToken: readOnly}, config.ScopeAdminWrite)
	assert.ErrorIs(t, err, ErrForbidden)

	writer := f.sign(t, jwt.MapClaims{"sub": "svc", "scope": "admin:read admin:write"})
	p, err := a.AuthenticateService(ctx, Credentials{BearerToken: writer}, config.ScopeAdminWrite)
	require.NoError(t, err)
	assert.Equal(t, "svc", p.Subject)
}

func TestJWTModeTenantClaim(t *testing.T) {
	f := newJWTFixture(t)
	f.cfg.TenantEnforced = true
	a := New(f.cfg, false, nil, slog.Default())
	ctx := context.Background()

	withTenant := f.sign(t, jwt.MapClaims{"sub": "alice", "tenant": "acme"})
	p, err := a.AuthenticateUser(ctx, Credentials{BearerToken: withTenant})
	require.NoError(t, err)
	assert.Equal(t, "acme", p.Tenant)
	assert.Equal(t, "acme", TenantFrom(Into(ctx, p)))

	withoutTenant := f.sign(t, jwt.MapClaims{"sub": "bob"})
	_, err = a.AuthenticateUser(ctx, Credentials{BearerToken: withoutTenant})
	assert.ErrorIs(t, err, ErrForbidden)
}

func TestJWTModeServiceKeyFallback(t *testing.T) {
	f := newJWTFixture(t)
	f.cfg.ServiceAPIKeys = []string{"service-key"}
	f.cfg.AllowServiceAPIKeyInJWTMode = true
	ctx := context.Background()

	dev := New(f.cfg, false, nil, slog.Default())
	p, err := dev.AuthenticateService(ctx, Credentials{APIKey: "service-key"}, config.ScopeAdminRead)
	require.NoError(t, err)
	assert.Equal(t, TypeServiceAPIKey, p.AuthType)

	// Production never accepts the fallback.
	prod := New(f.cfg, true, nil, slog.Default())
	_, err = prod.AuthenticateService(ctx, Credentials{APIKey: "service-key"}, config.ScopeAdminRead)
	assert.ErrorIs(t, err, ErrUnauthorized)
}

type captureAudit struct {
	events []*models.AuditEvent
}

func (c *captureAudit) AppendAudit(_ context.Context, e *models.AuditEvent) error {
	c.events = append(c.events, e)
	return nil
}

func TestAuditPersistence(t *testing.T) {
	sink := &captureAudit{}
	a := New(&config.AuthConfig{Mode: config.AuthModeNone, AuditPersist: true}, false, sink, slog.Default())

	p := &Principal{Subject: "alice", AuthType: TypeJWT}
	a.Audit(context.Background(), "/v1/admin/audit", http.MethodGet, p, models.DecisionDeny, "missing scope")

	require.Len(t, sink.events, 1)
	assert.Equal(t, "alice", sink.events[0].Subject)
	assert.Equal(t, models.DecisionDeny, sink.events[0].Decision)
}

func TestAuditPersistenceOff(t *testing.T) {
	sink := &captureAudit{}
	a := New(&config.AuthConfig{Mode: config.AuthModeNone}, false, sink, slog.Default())

	a.Audit(context.Background(), "/v1/meetings", http.MethodPost, nil, models.DecisionAllow, "")
	assert.Empty(t, sink.events)
}
