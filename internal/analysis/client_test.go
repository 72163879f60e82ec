package analysis

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"reviewline/internal/domain"
)

// scriptedProvider returns the queued responses in order, then repeats the
// last one. It records every call.
type scriptedProvider struct {
	mu        sync.Mutex
	responses []response
	calls     int
}

type response struct {
	findings []domain.Finding
	err      error
}

func (p *scriptedProvider) Analyze(ctx context.Context, req Request) ([]domain.Finding, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	idx := p.calls
	if idx >= len(p.responses) {
		idx = len(p.responses) - 1
	}
	p.calls++
	r := p.responses[idx]
	return r.findings, r.err
}

func newTestClient(p Provider, maxAttempts int) (*Client, *[]time.Duration) {
	c := NewClient(p, ClientConfig{
		MaxAttempts:       maxAttempts,
		BackoffBase:       100 * time.Millisecond,
		BackoffCap:        2 * time.Second,
		GlobalConcurrency: 4,
	}, nil)
	var slept []time.Duration
	c.Sleep = func(ctx context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}
	c.Rand = func() float64 { return 1 } // deterministic: full backoff, no jitter
	return c, &slept
}

func TestAnalyzeSucceedsFirstAttempt(t *testing.T) {
	p := &scriptedProvider{responses: []response{
		{findings: []domain.Finding{{Path: "a.go", Severity: "style", Message: "naming"}}},
	}}
	c, slept := newTestClient(p, 3)

	res, err := c.Analyze(context.Background(), Request{TaskID: "t1"})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Attempts)
	assert.Len(t, res.Findings, 1)
	assert.Empty(t, *slept)
}

func TestAnalyzeRetriesTransientUpToBudget(t *testing.T) {
	p := &scriptedProvider{responses: []response{
		{err: &TransientError{Err: errors.New("connection reset")}},
	}}
	c, slept := newTestClient(p, 3)

	_, err := c.Analyze(context.Background(), Request{TaskID: "t1"})
	require.Error(t, err)
	assert.Equal(t, 3, p.calls, "transient failure must be retried to the budget")
	assert.Len(t, *slept, 2, "no sleep after the final attempt")
	// Exponential growth: base, 2*base.
	assert.Equal(t, 100*time.Millisecond, (*slept)[0])
	assert.Equal(t, 200*time.Millisecond, (*slept)[1])

	var te *TransientError
	assert.True(t, errors.As(err, &te))
}

func TestAnalyzePermanentNotRetried(t *testing.T) {
	p := &scriptedProvider{responses: []response{
		{err: &PermanentError{Err: errors.New("content policy rejection")}},
	}}
	c, slept := newTestClient(p, 3)

	res, err := c.Analyze(context.Background(), Request{TaskID: "t1"})
	require.Error(t, err)
	assert.Equal(t, 1, p.calls, "permanent failure must not be retried")
	assert.Equal(t, 1, res.Attempts)
	assert.Empty(t, *slept)
}

func TestAnalyzeRecoversAfterTransient(t *testing.T) {
	p := &scriptedProvider{responses: []response{
		{err: &TransientError{Err: errors.New("502")}},
		{err: &RateLimitedError{Err: errors.New("429")}},
		{findings: nil},
	}}
	c, _ := newTestClient(p, 3)

	res, err := c.Analyze(context.Background(), Request{TaskID: "t1"})
	require.NoError(t, err)
	assert.Equal(t, 3, res.Attempts)
}

func TestAnalyzeRateLimitRetryAfterFloor(t *testing.T) {
	p := &scriptedProvider{responses: []response{
		{err: &RateLimitedError{RetryAfter: 5 * time.Second, Err: errors.New("429")}},
		{findings: nil},
	}}
	c, slept := newTestClient(p, 3)
	c.Rand = func() float64 { return 0 } // jitter would pick zero delay

	_, err := c.Analyze(context.Background(), Request{TaskID: "t1"})
	require.NoError(t, err)
	require.Len(t, *slept, 1)
	assert.Equal(t, 5*time.Second, (*slept)[0], "Retry-After must floor the backoff")
}

func TestAnalyzeCanceledContext(t *testing.T) {
	p := &scriptedProvider{responses: []response{
		{err: &TransientError{Err: errors.New("flaky")}},
	}}
	c, _ := newTestClient(p, 3)
	c.Sleep = func(ctx context.Context, d time.Duration) error { return context.Canceled }

	_, err := c.Analyze(context.Background(), Request{TaskID: "t1"})
	require.Error(t, err)
	assert.Equal(t, 1, p.calls)
}

func TestSemaphoreBoundsConcurrency(t *testing.T) {
	sem := NewSemaphore(2)
	ctx := context.Background()

	require.NoError(t, sem.Acquire(ctx))
	require.NoError(t, sem.Acquire(ctx))
	assert.Equal(t, 2, sem.InFlight())

	blocked, cancel := context.WithTimeout(ctx, 10*time.Millisecond)
	defer cancel()
	err := sem.Acquire(blocked)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	sem.Release()
	require.NoError(t, sem.Acquire(ctx))
	sem.Release()
	sem.Release()
	assert.Equal(t, 0, sem.InFlight())
}
