// Package trace carries request tracing identifiers through HTTP requests,
// queue envelopes, and worker contexts. The representation is three opaque
// hex identifiers; no tracing SDK types leak into the rest of the codebase.
package trace

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"regexp"
)

// HeaderTraceID is the HTTP header carrying the trace identifier.
// Accepted on requests and echoed on responses.
const HeaderTraceID = "X-Trace-Id"

var traceIDPattern = regexp.MustCompile(`^[0-9a-f]{32}$`)

// Context holds the tracing identifiers for one unit of work.
type Context struct {
	TraceID      string `json:"trace_id"`
	SpanID       string `json:"span_id"`
	ParentSpanID string `json:"parent_span_id,omitempty"`
}

type ctxKey struct{}

// New creates a fresh trace context with a random trace id and root span.
func New() Context {
	return Context{
		TraceID: randomHex(16),
		SpanID:  randomHex(8),
	}
}

// FromHeader builds a trace context from an inbound X-Trace-Id value.
// Invalid or empty values yield a fresh trace.
func FromHeader(traceID string) Context {
	if !ValidTraceID(traceID) {
		return New()
	}
	return Context{
		TraceID: traceID,
		SpanID:  randomHex(8),
	}
}

// ValidTraceID reports whether s is a well-formed 32-hex trace id.
func ValidTraceID(s string) bool {
	return traceIDPattern.MatchString(s)
}

// Child returns a new span under the same trace, recording the current span
// as the parent. Used when a job crosses a queue boundary.
func (t Context) Child() Context {
	return Context{
		TraceID:      t.TraceID,
		SpanID:       randomHex(8),
		ParentSpanID: t.SpanID,
	}
}

// IsZero reports whether the context carries no trace id.
func (t Context) IsZero() bool { return t.TraceID == "" }

// Into attaches the trace context to ctx.
func Into(ctx context.Context, t Context) context.Context {
	return context.WithValue(ctx, ctxKey{}, t)
}

// From extracts the trace context from ctx, or a fresh one when absent.
func From(ctx context.Context) Context {
	if t, ok := ctx.Value(ctxKey{}).(Context); ok {
		return t
	}
	return New()
}

func randomHex(nBytes int) string {
	b := make([]byte, nBytes)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
