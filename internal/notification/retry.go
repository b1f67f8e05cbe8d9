package notification

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryConfig bounds how hard an alerter retries a failed send.
type RetryConfig struct {
	MaxRetries      int
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

func defaultRetry(maxRetries int) RetryConfig {
	return RetryConfig{
		MaxRetries:      maxRetries,
		InitialInterval: time.Second,
		MaxInterval:     5 * time.Second,
	}
}

// SendWithRetry runs send with exponential backoff until it succeeds, returns
// a backoff.Permanent error, exhausts MaxRetries or ctx ends.
func SendWithRetry(ctx context.Context, cfg RetryConfig, send func(context.Context) error) error {
	ebo := backoff.NewExponentialBackOff()
	if cfg.InitialInterval > 0 {
		ebo.InitialInterval = cfg.InitialInterval
	}
	if cfg.MaxInterval > 0 {
		ebo.MaxInterval = cfg.MaxInterval
	}
	ebo.MaxElapsedTime = 0 // bounded by MaxRetries and ctx instead
	ebo.Reset()

	var b backoff.BackOff = ebo
	if cfg.MaxRetries >= 0 {
		b = backoff.WithMaxRetries(ebo, uint64(cfg.MaxRetries))
	}

	return backoff.Retry(func() error {
		return send(ctx)
	}, backoff.WithContext(b, ctx))
}
