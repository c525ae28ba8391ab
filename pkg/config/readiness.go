package config

import (
	"fmt"
	"strings"
)

// Issue severities.
const (
	SeverityError   = "error"
	SeverityWarning = "warning"
)

// ReadinessIssue is one configuration finding with a stable code.
type ReadinessIssue struct {
	Severity string `json:"severity"`
	Code     string `json:"code"`
	Message  string `json:"message"`
}

// ReadinessState is the evaluated startup/readiness gate result.
type ReadinessState struct {
	Ready  bool             `json:"ready"`
	Issues []ReadinessIssue `json:"issues"`
}

// Errors returns only the error-severity issues.
func (s ReadinessState) Errors() []ReadinessIssue {
	var out []ReadinessIssue
	for _, i := range s.Issues {
		if i.Severity == SeverityError {
			out = append(out, i)
		}
	}
	return out
}

// EvaluateReadiness validates the configuration guardrails. It never fails
// the process by itself; EnforceStartupReadiness handles fail-fast.
func EvaluateReadiness(cfg *Config) ReadinessState {
	var issues []ReadinessIssue
	isProd := cfg.IsProd()

	authMode := strings.ToLower(strings.TrimSpace(cfg.Auth.Mode))

	if authMode == AuthModeAPIKey && len(cfg.Auth.APIKeys) == 0 {
		issues = append(issues, ReadinessIssue{
			Severity: SeverityError,
			Code:     "auth_api_keys_empty",
			Message:  "AUTH_MODE=api_key requires a non-empty API_KEYS",
		})
	}
	if len(cfg.Auth.ServiceAPIKeys) == 0 && authMode != AuthModeNone {
		issues = append(issues, ReadinessIssue{
			Severity: SeverityWarning,
			Code:     "service_api_keys_empty",
			Message:  "SERVICE_API_KEYS is empty; service-contour fallback is unavailable",
		})
	}

	provider := strings.ToLower(strings.TrimSpace(cfg.Connector.Provider))
	if provider != "" && provider != "mock" {
		settings, ok := cfg.Connector.Registry.Get(provider)
		switch {
		case !ok:
			issues = append(issues, ReadinessIssue{
				Severity: SeverityError,
				Code:     "connector_provider_unknown",
				Message:  fmt.Sprintf("MEETING_CONNECTOR_PROVIDER=%s has no entry in connectors.yaml", provider),
			})
		default:
			if strings.TrimSpace(settings.APIBase) == "" {
				issues = append(issues, ReadinessIssue{
					Severity: SeverityError,
					Code:     "connector_api_base_empty",
					Message:  fmt.Sprintf("provider %s requires api_base", provider),
				})
			}
			if strings.TrimSpace(settings.APIToken) == "" {
				severity := SeverityWarning
				if isProd {
					severity = SeverityError
				}
				issues = append(issues, ReadinessIssue{
					Severity: severity,
					Code:     "connector_api_token_empty",
					Message:  fmt.Sprintf("provider %s requires api_token", provider),
				})
			}
			if isProd && strings.HasPrefix(strings.ToLower(settings.APIBase), "http://") {
				issues = append(issues, ReadinessIssue{
					Severity: SeverityError,
					Code:     "connector_api_base_not_https",
					Message:  fmt.Sprintf("provider %s api_base must use https:// in prod", provider),
				})
			}
		}
	}

	if isProd {
		if authMode == AuthModeNone {
			issues = append(issues, ReadinessIssue{
				Severity: SeverityError,
				Code:     "auth_none_in_prod",
				Message:  "AUTH_MODE=none is forbidden in prod",
			})
		}
		if authMode == AuthModeJWT {
			if cfg.Auth.AllowServiceAPIKeyInJWTMode {
				issues = append(issues, ReadinessIssue{
					Severity: SeverityWarning,
					Code:     "jwt_service_key_fallback_enabled",
					Message:  "ALLOW_SERVICE_API_KEY_IN_JWT_MODE=true is ignored in prod",
				})
			}
			if strings.TrimSpace(cfg.Auth.OIDCIssuerURL) == "" && strings.TrimSpace(cfg.Auth.OIDCJWKSURL) == "" {
				issues = append(issues, ReadinessIssue{
					Severity: SeverityError,
					Code:     "oidc_not_configured",
					Message:  "AUTH_MODE=jwt requires OIDC_ISSUER_URL or OIDC_JWKS_URL",
				})
			}
		}

		if strings.ToLower(strings.TrimSpace(cfg.Storage.Mode)) != "shared_fs" {
			issues = append(issues, ReadinessIssue{
				Severity: SeverityError,
				Code:     "storage_not_shared_fs",
				Message:  "prod requires STORAGE_MODE=shared_fs",
			})
		}

		if strings.Contains(cfg.CORSAllowedOrigins, "*") {
			issues = append(issues, ReadinessIssue{
				Severity: SeverityError,
				Code:     "cors_wildcard_in_prod",
				Message:  "CORS wildcard '*' is forbidden in prod",
			})
		}

		if provider == "mock" {
			issues = append(issues, ReadinessIssue{
				Severity: SeverityWarning,
				Code:     "mock_connector_in_prod",
				Message:  "mock connector provider in prod; configure a real provider",
			})
		}
	}

	ready := true
	for _, i := range issues {
		if i.Severity == SeverityError {
			ready = false
			break
		}
	}
	return ReadinessState{Ready: ready, Issues: issues}
}

// EnforceStartupReadiness evaluates readiness and, in prod with fail-fast
// enabled (READINESS_FAIL_FAST_IN_PROD, default true), returns an error for
// any error-severity issue so main can exit non-zero.
func EnforceStartupReadiness(cfg *Config) (ReadinessState, error) {
	state := EvaluateReadiness(cfg)
	failFast := getBool("READINESS_FAIL_FAST_IN_PROD", true)
	if errs := state.Errors(); cfg.IsProd() && failFast && len(errs) > 0 {
		codes := make([]string, len(errs))
		for i, e := range errs {
			codes[i] = e.Code
		}
		return state, fmt.Errorf("startup readiness failed: %s", strings.Join(codes, ", "))
	}
	return state, nil
}
