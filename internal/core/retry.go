package core

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryPolicy bounds the exponential backoff applied around transient
// DatabaseLocked errors. Every other category is returned immediately —
// constraint violations and invalid data are programming/validation
// errors, not recoverable conditions (spec §7).
type RetryPolicy struct {
	MaxElapsedTime  time.Duration
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// DefaultRetryPolicy matches SQLite's own default busy_timeout scale:
// a handful of short retries rather than a long hammering loop.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxElapsedTime:  2 * time.Second,
		InitialInterval: 10 * time.Millisecond,
		MaxInterval:     250 * time.Millisecond,
	}
}

func (p RetryPolicy) newBackOff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialInterval
	b.MaxInterval = p.MaxInterval
	b.MaxElapsedTime = p.MaxElapsedTime
	return backoff.WithContext(b, ctx)
}

// withRetry runs fn, retrying only while the classified error is
// CategoryDatabaseLocked, until the policy's elapsed-time budget runs out.
func withRetry(ctx context.Context, policy RetryPolicy, op OpKind, table string, fn func() error) error {
	attempt := func() error {
		err := fn()
		if err == nil {
			return nil
		}
		classified := Classify(err, op, table, "")
		if IsCategory(classified, CategoryDatabaseLocked) {
			return classified
		}
		return backoff.Permanent(classified)
	}

	err := backoff.Retry(attempt, policy.newBackOff(ctx))
	if err == nil {
		return nil
	}
	if perm, ok := err.(*backoff.PermanentError); ok {
		return perm.Err
	}
	return err
}
