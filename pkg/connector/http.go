package connector

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/cenkalti/backoff/v4"

	"github.com/meetpipe/meetpipe/pkg/config"
)

// HTTPAdapter talks to a real meeting-platform connector service. Transient
// failures (configurable status set, plus network errors) retry with
// exponential backoff inside a single adapter call; everything else maps to
// a categorized ProviderError.
type HTTPAdapter struct {
	name       string
	settings   *config.ProviderSettings
	httpClient *http.Client
	retryable  map[int]bool
}

// NewHTTPAdapter builds an adapter for a registry entry.
func NewHTTPAdapter(name string, settings *config.ProviderSettings) *HTTPAdapter {
	retryable := make(map[int]bool)
	for _, s := range settings.RetryStatuses() {
		retryable[s] = true
	}
	return &HTTPAdapter{
		name:       name,
		settings:   settings,
		httpClient: &http.Client{Timeout: settings.Timeout()},
		retryable:  retryable,
	}
}

// Name implements Adapter.
func (a *HTTPAdapter) Name() string { return a.name }

type joinRequest struct {
	MeetingID string `json:"meeting_id"`
}

type joinResponse struct {
	SessionRef string `json:"session_ref"`
}

type leaveRequest struct {
	SessionRef string `json:"session_ref"`
}

type pullRequest struct {
	SessionRef string `json:"session_ref"`
	Limit      int    `json:"limit"`
}

type pullResponse struct {
	Chunks []string `json:"chunks"` // base64
}

// Join implements Adapter.
func (a *HTTPAdapter) Join(ctx context.Context, meetingID string) (string, error) {
	var out joinResponse
	if err := a.call(ctx, http.MethodPost, "/v1/sessions/join", joinRequest{MeetingID: meetingID}, &out); err != nil {
		return "", err
	}
	if out.SessionRef == "" {
		return "", &ProviderError{Provider: a.name, Category: CategoryInvalidResponse, Message: "join returned empty session_ref"}
	}
	return out.SessionRef, nil
}

// Leave implements Adapter.
func (a *HTTPAdapter) Leave(ctx context.Context, providerRef string) error {
	return a.call(ctx, http.MethodPost, "/v1/sessions/leave", leaveRequest{SessionRef: providerRef}, nil)
}

// Health implements Adapter.
func (a *HTTPAdapter) Health(ctx context.Context) error {
	return a.call(ctx, http.MethodGet, "/v1/health", nil, nil)
}

// PullChunks implements Adapter.
func (a *HTTPAdapter) PullChunks(ctx context.Context, providerRef string, limit int) ([][]byte, error) {
	var out pullResponse
	if err := a.call(ctx, http.MethodPost, "/v1/sessions/pull", pullRequest{SessionRef: providerRef, Limit: limit}, &out); err != nil {
		return nil, err
	}
	chunks := make([][]byte, 0, len(out.Chunks))
	for _, enc := range out.Chunks {
		data, err := base64.StdEncoding.DecodeString(enc)
		if err != nil {
			return nil, &ProviderError{Provider: a.name, Category: CategoryInvalidResponse, Message: "invalid chunk encoding"}
		}
		chunks = append(chunks, data)
	}
	return chunks, nil
}

// call performs one logical provider call with retries on transient
// failures. The final error is always a ProviderError or a context error.
func (a *HTTPAdapter) call(ctx context.Context, method, path string, in, out any) error {
	policy := backoff.WithContext(backoff.WithMaxRetries(
		backoff.NewExponentialBackOff(
			backoff.WithInitialInterval(a.settings.RetryBackoff()),
			backoff.WithMaxElapsedTime(0),
		),
		uint64(a.settings.Retries),
	), ctx)

	return backoff.Retry(func() error {
		err := a.doOnce(ctx, method, path, in, out)
		if err == nil {
			return nil
		}
		var pe *ProviderError
		if errors.As(err, &pe) && !pe.Retryable() {
			return backoff.Permanent(err)
		}
		return err
	}, policy)
}

func (a *HTTPAdapter) doOnce(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return &ProviderError{Provider: a.name, Category: CategoryBadRequest, Message: err.Error()}
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, a.settings.APIBase+path, body)
	if err != nil {
		return &ProviderError{Provider: a.name, Category: CategoryBadRequest, Message: err.Error()}
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if a.settings.APIToken != "" {
		req.Header.Set("Authorization", "Bearer "+a.settings.APIToken)
	}

	resp, err := a.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return &ProviderError{Provider: a.name, Category: CategoryTransient, Message: err.Error()}
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &ProviderError{
			Provider: a.name,
			Category: a.categorize(resp.StatusCode),
			Status:   resp.StatusCode,
			Message:  string(snippet),
		}
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return &ProviderError{Provider: a.name, Category: CategoryInvalidResponse, Message: fmt.Sprintf("decode response: %v", err)}
		}
	}
	return nil
}

func (a *HTTPAdapter) categorize(status int) ErrorCategory {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return CategoryAuth
	case a.retryable[status]:
		return CategoryTransient
	case status >= 400 && status < 500:
		return CategoryBadRequest
	default:
		return CategoryTransient
	}
}
