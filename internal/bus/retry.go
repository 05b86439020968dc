package bus

import (
	"context"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryConfig bounds connection attempts.
type RetryConfig struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	MaxElapsedTime  time.Duration
}

func (c RetryConfig) backoff(ctx context.Context) backoff.BackOffContext {
	b := backoff.NewExponentialBackOff()
	if c.InitialInterval > 0 {
		b.InitialInterval = c.InitialInterval
	}
	if c.MaxInterval > 0 {
		b.MaxInterval = c.MaxInterval
	}
	b.MaxElapsedTime = c.MaxElapsedTime
	if c.MaxElapsedTime == 0 {
		b.MaxElapsedTime = 30 * time.Second
	}
	return backoff.WithContext(b, ctx)
}

// retry runs op until it succeeds, the policy gives up or ctx ends.
func retry(ctx context.Context, cfg RetryConfig, log *slog.Logger, what string, op func() error) error {
	return backoff.RetryNotify(op, cfg.backoff(ctx), func(err error, wait time.Duration) {
		log.Warn("bus operation failed, retrying", "operation", what, "wait", wait, "error", err)
	})
}
