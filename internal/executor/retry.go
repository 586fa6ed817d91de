package executor

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// sleepBackoff blocks for the bounded-exponential-backoff-with-jitter delay
// appropriate before retry number attempt, per the resolved Open Question
// in SPEC_FULL.md §9. Each node-type executor creates a fresh NodeState per
// attempt (spec §4.7), so retries are driven by a manual loop rather than
// backoff.Retry's own callback; this computes just the delay for one step
// of that loop. Returns ctx.Err() if cancelled while waiting. The backoff
// is rebuilt on every call, so policy.MaxElapsed does not run out here;
// TransformExecutor.Run checks it across attempts.
func sleepBackoff(ctx context.Context, policy RetryPolicy, attempt int) error {
	bo := backoff.NewExponentialBackOff()
	if policy.InitialDelay > 0 {
		bo.InitialInterval = policy.InitialDelay
	}
	if policy.MaxDelay > 0 {
		bo.MaxInterval = policy.MaxDelay
	}
	if policy.MaxElapsed > 0 {
		bo.MaxElapsedTime = policy.MaxElapsed
	}
	bo.Reset()

	var delay time.Duration
	for i := 0; i < attempt; i++ {
		delay = bo.NextBackOff()
		if delay == backoff.Stop {
			return fmt.Errorf("%w: max elapsed retry budget spent", ErrExhausted)
		}
	}

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
