// Copyright 2024-2026 Aiku AI

package relay

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"github.com/aiku/chatmirror/pkg/config"
	"github.com/aiku/chatmirror/pkg/metrics"
)

// retrier retries individual platform calls with exponential backoff.
type retrier struct {
	maxAttempts     int
	initialInterval time.Duration
	maxInterval     time.Duration
}

func newRetrier(cfg config.Retry) *retrier {
	if !cfg.Enabled {
		return nil
	}
	r := &retrier{
		maxAttempts:     cfg.MaxAttempts,
		initialInterval: cfg.InitialInterval,
		maxInterval:     cfg.MaxInterval,
	}
	if r.maxAttempts <= 0 {
		r.maxAttempts = 3
	}
	if r.initialInterval <= 0 {
		r.initialInterval = time.Second
	}
	if r.maxInterval < r.initialInterval {
		r.maxInterval = r.initialInterval
	}
	return r
}

func (r *retrier) policy(ctx context.Context) backoff.BackOff {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = r.initialInterval
	exp.MaxInterval = r.maxInterval
	exp.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(exp, uint64(r.maxAttempts-1)), ctx)
}

// call runs fn once, or with retries when retrying is enabled. ErrNotFound
// is never retried.
func (e *Engine) call(ctx context.Context, log *zerolog.Logger, op string, fn func() error) error {
	if e.retry == nil {
		return fn()
	}
	operation := func() error {
		err := fn()
		if errors.Is(err, ErrNotFound) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, next time.Duration) {
		metrics.IncTaskRetry(op)
		log.Warn().Err(err).
			Str("op", op).
			Dur("retry_in", next).
			Msg("Platform call failed, retrying")
	}
	return backoff.RetryNotify(operation, e.retry.policy(ctx), notify)
}
