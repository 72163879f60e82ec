package analysis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"reviewline/internal/domain"
	"reviewline/internal/logging"
)

// ClientConfig tunes the retry and rate-limit policy around a Provider.
type ClientConfig struct {
	MaxAttempts       int
	Timeout           time.Duration
	BackoffBase       time.Duration
	BackoffCap        time.Duration
	GlobalConcurrency int
}

// Client is the analysis adapter used by the orchestrator. It wraps a raw
// Provider with a per-call timeout, bounded retry with exponential backoff
// and jitter on transient failures, and a global concurrency limiter shared
// by every in-flight call from every task.
type Client struct {
	provider Provider
	limiter  *Semaphore
	cfg      ClientConfig
	log      *slog.Logger

	// Sleep and Rand are injectable so retry timing is testable without
	// real delays.
	Sleep func(ctx context.Context, d time.Duration) error
	Rand  func() float64
}

func NewClient(provider Provider, cfg ClientConfig, log *slog.Logger) *Client {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = 500 * time.Millisecond
	}
	if cfg.BackoffCap <= 0 {
		cfg.BackoffCap = 30 * time.Second
	}
	if log == nil {
		log = logging.Discard()
	}
	return &Client{
		provider: provider,
		limiter:  NewSemaphore(cfg.GlobalConcurrency),
		cfg:      cfg,
		log:      log.With("component", "analysis"),
		Sleep:    sleepCtx,
		Rand:     rand.Float64,
	}
}

// Analyze runs one unit through the provider, retrying transient failures up
// to the configured budget. The returned Result carries the attempt count;
// on failure the error is the last classified provider error.
func (c *Client) Analyze(ctx context.Context, req Request) (Result, error) {
	var lastErr error
	for attempt := 1; attempt <= c.cfg.MaxAttempts; attempt++ {
		findings, err := c.callOnce(ctx, req)
		if err == nil {
			return Result{Findings: findings, Attempts: attempt}, nil
		}
		lastErr = err
		if !Retryable(err) {
			return Result{Attempts: attempt}, err
		}
		if attempt == c.cfg.MaxAttempts {
			break
		}
		delay := c.backoff(attempt, err)
		c.log.Debug("retrying unit analysis",
			"task_id", req.TaskID, "unit", req.UnitIndex, "attempt", attempt, "delay", delay.String())
		if err := c.Sleep(ctx, delay); err != nil {
			return Result{Attempts: attempt}, &TransientError{Err: err}
		}
	}
	return Result{Attempts: c.cfg.MaxAttempts},
		fmt.Errorf("analysis failed after %d attempts: %w", c.cfg.MaxAttempts, lastErr)
}

func (c *Client) callOnce(ctx context.Context, req Request) ([]domain.Finding, error) {
	if err := c.limiter.Acquire(ctx); err != nil {
		return nil, &TransientError{Err: err}
	}
	defer c.limiter.Release()

	callCtx := ctx
	if c.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, c.cfg.Timeout)
		defer cancel()
	}
	findings, err := c.provider.Analyze(callCtx, req)
	if err == nil {
		return findings, nil
	}
	return nil, classify(err)
}

// classify maps unclassified provider errors onto the taxonomy. Providers in
// this repo classify their own failures; this is the safety net for timeouts
// and foreign providers.
func classify(err error) error {
	var te *TransientError
	var pe *PermanentError
	var re *RateLimitedError
	if errors.As(err, &te) || errors.As(err, &pe) || errors.As(err, &re) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return &TransientError{Err: err}
	}
	return &TransientError{Err: err}
}

// backoff computes the delay before the next attempt: exponential growth from
// BackoffBase capped at BackoffCap, with full jitter. A rate-limit signal's
// RetryAfter acts as the floor.
func (c *Client) backoff(attempt int, cause error) time.Duration {
	exp := c.cfg.BackoffBase << (attempt - 1)
	if exp > c.cfg.BackoffCap || exp <= 0 {
		exp = c.cfg.BackoffCap
	}
	delay := time.Duration(c.Rand() * float64(exp))
	var re *RateLimitedError
	if errors.As(cause, &re) && re.RetryAfter > delay {
		delay = re.RetryAfter
	}
	return delay
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
