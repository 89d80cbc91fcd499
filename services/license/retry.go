package license

import (
	"context"
	"time"

	"safekey-licensing/pkg/config"
	"safekey-licensing/pkg/errutil"
	"safekey-licensing/pkg/logger"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

type retryPolicy struct {
	maxAttempts     int
	initialInterval time.Duration
	maxInterval     time.Duration
	timeout         time.Duration
}

func newRetryPolicy(cfg config.Licensing) retryPolicy {
	p := retryPolicy{
		maxAttempts:     cfg.RetryMaxAttempts,
		initialInterval: cfg.RetryInitialInterval,
		maxInterval:     cfg.RetryMaxInterval,
		timeout:         cfg.StorageTimeout,
	}
	if p.maxAttempts < 1 {
		p.maxAttempts = 1
	}
	if p.initialInterval <= 0 {
		p.initialInterval = 20 * time.Millisecond
	}
	if p.maxInterval < p.initialInterval {
		p.maxInterval = p.initialInterval
	}
	return p
}

// run calls fn until it succeeds, fails with an error that is not retryable
// or the attempts run out. Every attempt gets its own storage timeout.
func (p retryPolicy) run(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.initialInterval
	b.MaxInterval = p.maxInterval
	b.MaxElapsedTime = 0

	attempt := func() error {
		attemptCtx := ctx
		if p.timeout > 0 {
			var cancel context.CancelFunc
			attemptCtx, cancel = context.WithTimeout(ctx, p.timeout)
			defer cancel()
		}

		err := errutil.FromStorage(op+" failed", fn(attemptCtx))
		if err == nil {
			return nil
		}
		if ctx.Err() != nil || !errutil.StatusOf(err).Retryable() {
			return backoff.Permanent(err)
		}
		return err
	}

	notify := func(err error, wait time.Duration) {
		engineRetries.WithLabelValues(op).Inc()
		logger.FromContext(ctx).Debug("retrying license operation",
			zap.String("operation", op),
			zap.Duration("backoff", wait),
			zap.Error(err),
		)
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(p.maxAttempts-1)), ctx)
	return backoff.RetryNotify(attempt, policy, notify)
}
