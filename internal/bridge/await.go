package bridge

import (
	"context"
	"time"
)

// Predicate reports whether the awaited condition holds. An error counts as
// "not yet" and is kept for the report.
type Predicate func(ctx context.Context) (bool, error)

// Outcome describes one bounded wait.
type Outcome struct {
	Met      bool
	Attempts int
	Elapsed  time.Duration
	LastErr  error
}

// Await evaluates pred immediately and then every interval until it holds or
// timeout has elapsed. pred is always evaluated at least once, even with a
// zero timeout.
func Await(ctx context.Context, pred Predicate, timeout, interval time.Duration) Outcome {
	if interval <= 0 {
		interval = 250 * time.Millisecond
	}
	start := time.Now()
	deadline := start.Add(timeout)

	var out Outcome
	for {
		out.Attempts++
		ok, err := pred(ctx)
		if err != nil {
			out.LastErr = err
		}
		if ok && err == nil {
			out.Met = true
			out.Elapsed = time.Since(start)
			return out
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			break
		}
		wait := interval
		if wait > remaining {
			wait = remaining
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			out.LastErr = ctx.Err()
			out.Elapsed = time.Since(start)
			return out
		case <-timer.C:
		}
	}
	out.Elapsed = time.Since(start)
	return out
}

// AwaitCondition is Await for predicates that cannot fail.
func AwaitCondition(ctx context.Context, pred func(ctx context.Context) bool, timeout, interval time.Duration) bool {
	return Await(ctx, func(ctx context.Context) (bool, error) {
		return pred(ctx), nil
	}, timeout, interval).Met
}
