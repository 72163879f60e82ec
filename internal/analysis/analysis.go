// Package analysis wraps the external code-analysis provider. It classifies
// provider failures into transient, permanent and rate-limited variants at
// the boundary, so nothing downstream ever inspects raw provider errors.
package analysis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"reviewline/internal/domain"
)

// FileChange is one file segment handed to the provider.
type FileChange struct {
	Path string `json:"path"`
	Diff string `json:"diff"`
}

// Request carries one unit's content plus change-set context for the prompt.
type Request struct {
	TaskID      string
	UnitIndex   int
	Title       string
	Description string
	Files       []FileChange
}

// Result is a successful analysis outcome.
type Result struct {
	Findings []domain.Finding
	Attempts int
}

// Provider is the raw analysis capability: one call, no retry policy.
type Provider interface {
	Analyze(ctx context.Context, req Request) ([]domain.Finding, error)
}

// TransientError marks a retryable provider failure (timeout, 5xx, network).
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return fmt.Sprintf("transient analysis failure: %v", e.Err) }
func (e *TransientError) Unwrap() error { return e.Err }

// PermanentError marks a non-retryable failure (malformed input, provider
// rejection). The unit is failed immediately.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return fmt.Sprintf("permanent analysis failure: %v", e.Err) }
func (e *PermanentError) Unwrap() error { return e.Err }

// RateLimitedError marks a provider throttle signal. Retryable; RetryAfter,
// when non-zero, is the provider's requested minimum delay.
type RateLimitedError struct {
	RetryAfter time.Duration
	Err        error
}

func (e *RateLimitedError) Error() string { return fmt.Sprintf("provider rate limited: %v", e.Err) }
func (e *RateLimitedError) Unwrap() error { return e.Err }

// Retryable reports whether the error classifies as transient or rate-limited.
func Retryable(err error) bool {
	var te *TransientError
	var re *RateLimitedError
	return errors.As(err, &te) || errors.As(err, &re)
}
