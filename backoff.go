package mccache

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

// withBackoff retries op with a short, capped exponential back-off, for
// one-time socket bring-up. This is distinct from the fixed Fibonacci
// sequence in pending.go, which governs per-fragment retransmits, not
// one-time socket setup.
func withBackoff(op func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 50 * time.Millisecond
	b.MaxInterval = 2 * time.Second
	b.MaxElapsedTime = 10 * time.Second
	return backoff.Retry(op, b)
}
