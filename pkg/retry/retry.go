// Package retry provides bounded exponential backoff with jitter for
// remote operations, parameterized by an error classifier.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"go.uber.org/zap"
)

// Class is the classification of a failed attempt.
type Class int

const (
	// Retryable failures are retried until the policy is exhausted.
	Retryable Class = iota
	// Fatal failures propagate immediately.
	Fatal
)

// Classifier decides whether a failure is worth retrying.
type Classifier func(error) Class

// Exhausted is returned when every attempt of an operation failed with a
// retryable error. It wraps the last underlying error.
type Exhausted struct {
	Op       string
	Attempts int
	Last     error
}

func (e *Exhausted) Error() string {
	return fmt.Sprintf("%s: gave up after %d attempts: %v", e.Op, e.Attempts, e.Last)
}

func (e *Exhausted) Unwrap() error { return e.Last }

// IsExhausted reports whether err is (or wraps) an Exhausted error.
func IsExhausted(err error) bool {
	var ex *Exhausted
	return errors.As(err, &ex)
}

// Policy is a reusable backoff schedule. The zero value is usable and is
// filled in with defaults on first use. A Policy holds no per-call state,
// so a single value may be shared by concurrent callers.
type Policy struct {
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	MaxAttempts int
	Logger      *zap.Logger

	// sleep is replaceable in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

// Default is the general-purpose schedule: 5 attempts starting at 1s,
// doubling, capped at 30s.
func Default() Policy {
	return Policy{BaseDelay: time.Second, MaxDelay: 30 * time.Second, MaxAttempts: 5}
}

// ForDynamoDB matches the schedule used for table writes: 4 attempts
// starting at 1s.
func ForDynamoDB() Policy {
	return Policy{BaseDelay: time.Second, MaxDelay: 30 * time.Second, MaxAttempts: 4}
}

// ForS3 starts lower because object store throttling clears quickly.
func ForS3() Policy {
	return Policy{BaseDelay: 500 * time.Millisecond, MaxDelay: 30 * time.Second, MaxAttempts: 4}
}

// ForImportExport allows more headroom: table import/export requests hit
// account-level limits that take longer to clear.
func ForImportExport() Policy {
	return Policy{BaseDelay: 2 * time.Second, MaxDelay: time.Minute, MaxAttempts: 6}
}

func (p Policy) withDefaults() Policy {
	if p.BaseDelay <= 0 {
		p.BaseDelay = time.Second
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = 30 * time.Second
	}
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 5
	}
	if p.Logger == nil {
		p.Logger = zap.NewNop()
	}
	if p.sleep == nil {
		p.sleep = sleepContext
	}
	return p
}

// Do runs op, retrying retryable failures with exponential backoff plus
// random jitter in [0, currentDelay). A Fatal classification propagates
// the error unchanged. Exhausting all attempts returns *Exhausted.
// Context cancellation during backoff aborts with the context error.
func (p Policy) Do(ctx context.Context, op string, classify Classifier, fn func(context.Context) error) error {
	if ctx == nil {
		ctx = context.Background()
	}
	p = p.withDefaults()

	delay := p.BaseDelay
	var last error
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if classify != nil && classify(err) == Fatal {
			return err
		}
		last = err
		if attempt == p.MaxAttempts {
			break
		}

		wait := delay + rand.N(delay)
		p.Logger.Warn("transient failure, backing off",
			zap.String("op", op),
			zap.Int("attempt", attempt),
			zap.Duration("delay", wait),
			zap.Error(err))
		if err := p.sleep(ctx, wait); err != nil {
			return err
		}

		delay *= 2
		if delay > p.MaxDelay {
			delay = p.MaxDelay
		}
	}
	return &Exhausted{Op: op, Attempts: p.MaxAttempts, Last: last}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
