// Package poll waits for an external condition with bounded exponential backoff.
//
// It is the single place the service polls a slow collaborator (the automation handle's
// bulk-read readiness, mostly); callers get a typed Result instead of a bare boolean.
package poll

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Outcome is the terminal state of a poll.
type Outcome int

const (
	// Ready means the probe reported success.
	Ready Outcome = iota
	// TimedOut means the ceiling elapsed before the probe succeeded.
	TimedOut
	// Cancelled means the context ended first.
	Cancelled
)

func (o Outcome) String() string {
	switch o {
	case Ready:
		return "ready"
	case TimedOut:
		return "timed_out"
	case Cancelled:
		return "cancelled"
	}
	return "unknown"
}

// Config bounds a poll.
type Config struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Ceiling         time.Duration
}

// Result describes how a poll ended.
type Result struct {
	Outcome  Outcome
	Attempts int
	Elapsed  time.Duration
	// LastErr is the last probe error seen, if any.
	LastErr error
}

// Probe reports whether the awaited condition holds. Errors count as "not yet".
type Probe func(ctx context.Context) (bool, error)

var errNotYet = errors.New("condition not met yet")

// Until calls probe until it reports true, the ceiling elapses, or ctx is done.
// notify, when set, is called before every wait.
func Until(ctx context.Context, cfg Config, probe Probe, notify func(attempt int, err error, wait time.Duration)) Result {
	b := backoff.NewExponentialBackOff()
	if cfg.InitialInterval > 0 {
		b.InitialInterval = cfg.InitialInterval
	}
	if cfg.MaxInterval > 0 {
		b.MaxInterval = cfg.MaxInterval
	}
	b.MaxElapsedTime = cfg.Ceiling
	b.Reset()

	start := time.Now()
	res := Result{}
	op := func() error {
		res.Attempts++
		ok, err := probe(ctx)
		if err != nil {
			res.LastErr = err
			return err
		}
		if !ok {
			return errNotYet
		}
		return nil
	}
	onRetry := func(err error, wait time.Duration) {
		if notify != nil {
			notify(res.Attempts, err, wait)
		}
	}

	err := backoff.RetryNotify(op, backoff.WithContext(b, ctx), onRetry)
	res.Elapsed = time.Since(start)
	switch {
	case err == nil:
		res.Outcome = Ready
	case ctx.Err() != nil:
		res.Outcome = Cancelled
	default:
		res.Outcome = TimedOut
	}
	return res
}
