// Package dispatch routes model calls across a rotation of providers,
// classifies failures into a recovery taxonomy, and tracks per-model health
// in a cross-process shared record.
package dispatch

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/openai/openai-go"
)

// FailureKind buckets a model call failure by how to recover from it
type FailureKind string

const (
	// FailureTransient is a blip worth an immediate retry
	FailureTransient FailureKind = "transient"
	// FailureRateLimit means back off or rotate; a cooldown is recorded
	FailureRateLimit FailureKind = "rate_limit"
	// FailureModelSpecific means this model is struggling; try the next one
	FailureModelSpecific FailureKind = "model_specific"
	// FailureContentRelated means the request itself needs adjusting
	FailureContentRelated FailureKind = "content_related"
	// FailureFatal means stop trying entirely and surface to the caller
	FailureFatal FailureKind = "fatal"
)

// Failure wraps a provider error with its classification and any
// server-provided retry hint
type Failure struct {
	Kind       FailureKind
	Model      string
	RetryAfter time.Duration
	Err        error
}

func (f *Failure) Error() string {
	return fmt.Sprintf("model %s failed (%s): %v", f.Model, f.Kind, f.Err)
}

func (f *Failure) Unwrap() error {
	return f.Err
}

// Classify maps a provider error into the failure taxonomy. SDK errors
// carry status codes and headers; anything else falls back to message
// inspection the way providers actually phrase these failures.
func Classify(model string, err error) *Failure {
	// Already classified upstream; keep the verdict and the retry hint
	var existing *Failure
	if errors.As(err, &existing) {
		return &Failure{Kind: existing.Kind, Model: model, RetryAfter: existing.RetryAfter, Err: err}
	}

	f := &Failure{Model: model, Err: err}

	status := 0
	var anthErr *anthropic.Error
	var oaiErr *openai.Error
	switch {
	case errors.As(err, &anthErr):
		status = anthErr.StatusCode
		if anthErr.Response != nil {
			f.RetryAfter = parseRetryAfter(anthErr.Response.Header.Get("Retry-After"))
		}
	case errors.As(err, &oaiErr):
		status = oaiErr.StatusCode
		if oaiErr.Response != nil {
			f.RetryAfter = parseRetryAfter(oaiErr.Response.Header.Get("Retry-After"))
		}
	}

	f.Kind = kindFromStatus(status, err)
	return f
}

func kindFromStatus(status int, err error) FailureKind {
	switch status {
	case 429:
		return FailureRateLimit
	case 401, 403:
		return FailureFatal
	case 400, 413, 422:
		return FailureContentRelated
	case 500, 502, 503, 504:
		return FailureTransient
	case 529:
		return FailureModelSpecific
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "rate limit") || strings.Contains(msg, "quota") || strings.Contains(msg, "429"):
		return FailureRateLimit
	case strings.Contains(msg, "credential") || strings.Contains(msg, "api key") ||
		strings.Contains(msg, "unauthorized") || strings.Contains(msg, "suspended"):
		return FailureFatal
	case strings.Contains(msg, "context") && (strings.Contains(msg, "long") || strings.Contains(msg, "length") || strings.Contains(msg, "exceed")):
		return FailureContentRelated
	case strings.Contains(msg, "policy") || strings.Contains(msg, "content filter"):
		return FailureContentRelated
	case strings.Contains(msg, "overloaded") || strings.Contains(msg, "unavailable") || strings.Contains(msg, "capacity"):
		return FailureModelSpecific
	case strings.Contains(msg, "timeout") || strings.Contains(msg, "connection") ||
		strings.Contains(msg, "econnreset") || strings.Contains(msg, "eof") ||
		strings.Contains(msg, "503") || strings.Contains(msg, "502"):
		return FailureTransient
	default:
		return FailureTransient
	}
}

// parseRetryAfter handles the delay-seconds form of the header; the HTTP
// date form is rare enough from these APIs to ignore
func parseRetryAfter(header string) time.Duration {
	if header == "" {
		return 0
	}
	if secs, err := strconv.Atoi(strings.TrimSpace(header)); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return 0
}
