package allocator

import (
	"context"

	"github.com/labipam/labipam/log"
	"github.com/labipam/labipam/manager/allocator/errors"
	"github.com/labipam/labipam/manager/state/store"
)

// withRetry calls fn until it stops failing with store.ErrBusy, waiting
// with exponential backoff between attempts. After MaxAttempts busy
// attempts, or if ctx ends while waiting, it returns errors.ErrBusy.
func (a *Allocator) withRetry(ctx context.Context, op string, fn func() error) error {
	waitFor := a.config.InitialBackoff
	for attempt := 1; ; attempt++ {
		err := fn()
		if !store.IsErrBusy(err) {
			return err
		}
		busyRetries.WithValues(op).Inc()

		if attempt >= a.config.MaxAttempts {
			log.G(ctx).WithField("attempts", attempt).Warnf("%s: store busy, giving up", op)
			return errors.ErrBusy(op, attempt)
		}

		log.G(ctx).WithField("attempt", attempt).Debugf("%s: store busy, retrying in %v", op, waitFor)
		select {
		case <-ctx.Done():
			return errors.ErrBusy(op, attempt)
		case <-a.config.Clock.After(waitFor):
		}

		waitFor <<= 1
		if waitFor > a.config.MaxBackoff {
			waitFor = a.config.MaxBackoff
		}
	}
}

// translate passes engine errors through and wraps anything else, such as
// storage failures, as an internal error.
func translate(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.IsErrNotFound(err),
		errors.IsErrCapacityExhausted(err),
		errors.IsErrBusy(err),
		errors.IsErrInvalidInput(err),
		errors.IsErrInternal(err):
		return err
	default:
		return errors.ErrInternal("%s: %v", op, err)
	}
}
