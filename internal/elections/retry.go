package elections

import (
	"context"
	"time"
)

const maxBackoffUnits = 32

// backoff returns the pause before retry number attempt, counting from
// zero: nothing on the first retry, then 1, 2, 4 and so on up to 32 units.
func backoff(attempt int, unit time.Duration) time.Duration {
	if attempt <= 0 {
		return 0
	}
	if attempt > 6 {
		return maxBackoffUnits * unit
	}
	return time.Duration(1<<(attempt-1)) * unit
}

// retryPredicate allows up to maxRetries retries with exponential backoff.
// Every primaryRetries retries it asks for arbitration and starts the
// backoff over.
type retryPredicate struct {
	pending        int
	primaryRetries int
	primary        int
	attempt        int
	unit           time.Duration
	arbitrate      func()
	sleep          func(ctx context.Context, d time.Duration) error
}

func newRetryPredicate(maxRetries, primaryRetries int, unit time.Duration, arbitrate func()) *retryPredicate {
	return &retryPredicate{
		pending:        maxRetries,
		primaryRetries: primaryRetries,
		unit:           unit,
		arbitrate:      arbitrate,
		sleep:          sleepContext,
	}
}

func (r *retryPredicate) PendingRetries() int { return r.pending }

func (r *retryPredicate) Retry(ctx context.Context) (bool, error) {
	if r.pending <= 0 {
		return false, nil
	}
	r.pending--
	if r.primaryRetries > 0 && r.primary >= r.primaryRetries {
		if r.arbitrate != nil {
			log.Infof("no master after %d retries, requesting arbitration", r.primary)
			r.arbitrate()
		}
		r.primary = 0
		r.attempt = 0
	}
	r.primary++
	wait := backoff(r.attempt, r.unit)
	r.attempt++
	if err := r.sleep(ctx, wait); err != nil {
		return false, err
	}
	return true, nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
