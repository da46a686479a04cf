package gateway

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

const (
	defaultInitialBackoff = 200 * time.Millisecond
	defaultMaxBackoff     = 2 * time.Second
)

// retryPolicy allows attempts-1 retries with exponential backoff, stopping
// early when ctx is done.
func retryPolicy(ctx context.Context, attempts int, initial, maxInterval time.Duration) backoff.BackOffContext {
	if initial <= 0 {
		initial = defaultInitialBackoff
	}
	if maxInterval <= 0 {
		maxInterval = defaultMaxBackoff
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = initial
	b.MaxInterval = maxInterval
	b.MaxElapsedTime = 0
	b.Reset()

	retries := uint64(0)
	if attempts > 1 {
		retries = uint64(attempts - 1)
	}
	return backoff.WithContext(backoff.WithMaxRetries(b, retries), ctx)
}
