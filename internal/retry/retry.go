// Package retry provides a small generic retry helper with error
// classification and exponential backoff.
package retry

import (
	"context"
	"fmt"
	"time"
)

// Action is a classifier's verdict on a failed attempt.
type Action int

const (
	Stop  Action = iota // permanent, give up now
	Retry               // transient, back off and try again
	After               // rate limited, switch to the longer backoff
)

// Policy bounds the attempts and shapes the backoff between them.
type Policy struct {
	MaxAttempts      int
	InitialBackoff   time.Duration
	RateLimitBackoff time.Duration
	// MaxBackoff caps the doubled backoff; zero means no cap.
	MaxBackoff time.Duration
	OnRetry    func(attempt int, err error, backoff time.Duration)
}

// Do runs op until it succeeds, the classifier says Stop, the attempts run
// out, or ctx is cancelled. The backoff doubles after every wait.
func Do[T any](ctx context.Context, p Policy, classify func(error) Action, op func() (T, error)) (T, error) {
	var zero T
	backoff := p.InitialBackoff

	for attempt := 1; ; attempt++ {
		val, err := op()
		if err == nil {
			return val, nil
		}

		switch classify(err) {
		case Stop:
			return zero, &PermanentError{Err: err}
		case After:
			backoff = p.RateLimitBackoff
		}

		if attempt >= p.MaxAttempts {
			return zero, fmt.Errorf("failed after %d attempts: %w", p.MaxAttempts, err)
		}

		if p.OnRetry != nil {
			p.OnRetry(attempt, err, backoff)
		}

		if err := sleep(ctx, backoff); err != nil {
			return zero, err
		}

		backoff *= 2
		if p.MaxBackoff > 0 && backoff > p.MaxBackoff {
			backoff = p.MaxBackoff
		}
	}
}

// DoVoid is Do for operations with no result.
func DoVoid(ctx context.Context, p Policy, classify func(error) Action, op func() error) error {
	_, err := Do(ctx, p, classify, func() (struct{}, error) { return struct{}{}, op() })
	return err
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("context cancelled during retry: %w", ctx.Err())
	}
}

// PermanentError wraps an error the classifier marked Stop.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }
