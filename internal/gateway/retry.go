package gateway

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

type RetryPolicy struct {
	MaxAttempts    int
	BaseDelay      time.Duration
	MaxDelay       time.Duration
	AttemptTimeout time.Duration
}

type RetryOption func(*RetryExecutor)

// WithTimer replaces the timer used to wait between attempts.
func WithTimer(newTimer func() backoff.Timer) RetryOption {
	return func(e *RetryExecutor) { e.newTimer = newTimer }
}

func WithClock(clock backoff.Clock) RetryOption {
	return func(e *RetryExecutor) { e.clock = clock }
}

// RetryExecutor retries transient gateway failures with exponential backoff.
// Business rejections are returned after the first attempt.
type RetryExecutor struct {
	policy   RetryPolicy
	newTimer func() backoff.Timer
	clock    backoff.Clock
	logger   *zap.Logger
}

func NewRetryExecutor(policy RetryPolicy, logger *zap.Logger, opts ...RetryOption) *RetryExecutor {
	if policy.MaxAttempts < 1 {
		policy.MaxAttempts = 1
	}
	e := &RetryExecutor{
		policy: policy,
		clock:  backoff.SystemClock,
		logger: logger,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *RetryExecutor) backOff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = e.policy.BaseDelay
	b.RandomizationFactor = 0
	b.Multiplier = 2
	b.MaxInterval = e.policy.MaxDelay
	b.MaxElapsedTime = 0
	b.Clock = e.clock
	b.Reset()

	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(e.policy.MaxAttempts-1)), ctx)
}

// Run calls fn until it succeeds, fails permanently or the attempt budget is
// spent. Every attempt gets its own deadline derived from ctx.
func (e *RetryExecutor) Run(ctx context.Context, operation string, fn func(ctx context.Context) error) error {
	attempt := 0
	op := func() error {
		attempt++
		err := e.attempt(ctx, fn)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return backoff.Permanent(err)
		}
		if !IsRetryable(err) {
			e.logger.Warn("Gateway call failed permanently",
				zap.String("operation", operation), zap.Int("attempt", attempt), zap.Error(err))
			return backoff.Permanent(err)
		}
		return err
	}

	notify := func(err error, next time.Duration) {
		e.logger.Warn("Gateway call failed, retrying",
			zap.String("operation", operation),
			zap.Int("attempt", attempt),
			zap.Duration("next_delay", next),
			zap.Error(err))
	}

	var timer backoff.Timer
	if e.newTimer != nil {
		timer = e.newTimer()
	}

	err := backoff.RetryNotifyWithTimer(op, e.backOff(ctx), notify, timer)
	if err == nil {
		return nil
	}
	if IsRetryable(err) {
		e.logger.Error("Gateway call gave up",
			zap.String("operation", operation), zap.Int("attempts", attempt), zap.Error(err))
		return fmt.Errorf("%s failed after %d attempts: %w", operation, attempt, err)
	}
	return fmt.Errorf("%s: %w", operation, err)
}

func (e *RetryExecutor) attempt(ctx context.Context, fn func(ctx context.Context) error) error {
	attemptCtx := ctx
	if e.policy.AttemptTimeout > 0 {
		var cancel context.CancelFunc
		attemptCtx, cancel = context.WithTimeout(ctx, e.policy.AttemptTimeout)
		defer cancel()
	}

	err := fn(attemptCtx)
	if err != nil && ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded) && !IsRetryable(err) {
		return unavailable(0, "attempt timed out", err)
	}
	return err
}
