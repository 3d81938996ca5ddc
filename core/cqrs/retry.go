package cqrs

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"
)

const retryBaseDelay = 25 * time.Millisecond

// RetryOnConflict runs fn up to attempts times, retrying only on ErrConflict
// with a short jittered delay between attempts. Any other error, including a
// final ErrConflict, is returned unchanged so callers can report "please
// retry" instead of a generic failure.
func RetryOnConflict(ctx context.Context, attempts int, fn func(ctx context.Context) error) error {
	if attempts < 1 {
		attempts = 1
	}

	var err error
	for i := 0; i < attempts; i++ {
		err = fn(ctx)
		if err == nil || !errors.Is(err, ErrConflict) {
			return err
		}
		if i == attempts-1 {
			break
		}

		delay := time.Duration(i+1)*retryBaseDelay + rand.N(retryBaseDelay)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return err
}
