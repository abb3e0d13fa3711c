package cache

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/teranos/cachet/errors"
)

// WaitOptions controls polling in Wait
type WaitOptions struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	// Timeout of zero waits until ctx is done
	Timeout time.Duration
}

// DefaultWaitOptions polls quickly at first and settles at five seconds
func DefaultWaitOptions() WaitOptions {
	return WaitOptions{
		InitialInterval: 250 * time.Millisecond,
		MaxInterval:     5 * time.Second,
	}
}

// Wait polls Status with exponential backoff until key reaches a terminal (or
// unknown) state. When time runs out the last status is returned with ErrNotReady.
func (o *Orchestrator) Wait(ctx context.Context, key Key, opts WaitOptions) (Status, error) {
	b := backoff.NewExponentialBackOff()
	if opts.InitialInterval > 0 {
		b.InitialInterval = opts.InitialInterval
	}
	if opts.MaxInterval > 0 {
		b.MaxInterval = opts.MaxInterval
	}
	b.MaxElapsedTime = opts.Timeout

	var last Status
	op := func() error {
		st, err := o.Status(ctx, key)
		if err != nil {
			if errors.IsNotFoundError(err) {
				return backoff.Permanent(err)
			}
			return err
		}
		last = st
		if st.State.Terminal() || st.State == StateUnknown {
			return nil
		}
		return errors.NewNotReadyError(key.Short(), string(st.State))
	}

	if err := backoff.Retry(op, backoff.WithContext(b, ctx)); err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return last, errors.Wrap(errors.ErrNotReady, err.Error())
		}
		return last, err
	}
	return last, nil
}
