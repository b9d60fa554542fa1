package poll

import (
	"context"
	"time"
)

// Outcome is the terminal state of one poll loop.
type Outcome string

const (
	OutcomeApplied   Outcome = "applied"
	OutcomeExhausted Outcome = "exhausted"
	OutcomeCancelled Outcome = "cancelled"
)

// CheckFunc inspects the read path once. attempt is 0-based. A returned error
// ends the loop immediately; only done=false schedules another attempt.
type CheckFunc[T any] func(ctx context.Context, attempt int) (done bool, value T, err error)

// SleepFunc waits for d or until ctx is done, whichever comes first.
type SleepFunc func(ctx context.Context, d time.Duration) error

// Result reports how a poll loop ended. Value holds whatever the successful
// check returned.
type Result[T any] struct {
	Outcome  Outcome
	Attempts int
	Value    T
}

func (r Result[T]) Applied() bool {
	return r.Outcome == OutcomeApplied
}

// Poll runs check under policy using the wall clock.
func Poll[T any](ctx context.Context, policy Policy, check CheckFunc[T]) (Result[T], error) {
	return PollWith(ctx, Sleep, policy, check)
}

// PollWith runs check under policy, waiting through sleep before every
// attempt including the first.
func PollWith[T any](ctx context.Context, sleep SleepFunc, policy Policy, check CheckFunc[T]) (Result[T], error) {
	if err := policy.Validate(); err != nil {
		return Result[T]{}, err
	}
	if sleep == nil {
		sleep = Sleep
	}
	var zero T
	for attempt := 0; attempt < policy.MaxAttempts; attempt++ {
		if err := sleep(ctx, policy.Delay(attempt+1)); err != nil {
			return Result[T]{Outcome: OutcomeCancelled, Attempts: attempt, Value: zero}, nil
		}
		done, value, err := check(ctx, attempt)
		if err != nil {
			return Result[T]{Attempts: attempt + 1}, err
		}
		if done {
			return Result[T]{Outcome: OutcomeApplied, Attempts: attempt + 1, Value: value}, nil
		}
	}
	return Result[T]{Outcome: OutcomeExhausted, Attempts: policy.MaxAttempts, Value: zero}, nil
}

// Sleep blocks for d or returns ctx.Err() when ctx ends first.
func Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
