// Package retry implements bounded retry of fallible operations under an
// explicit Policy, with time sourced from an injectable Clock.
package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"
	log "github.com/sirupsen/logrus"
)

// Policy bounds the retries of an operation.
type Policy struct {
	// MaxAttempts is the total number of attempts, including the first.
	// Values less than one are treated as one.
	MaxAttempts int `long:"max-attempts" default:"5" description:"Maximum attempts of a retried remote operation"`
	// Initial delay between the first and second attempts.
	Initial time.Duration `long:"initial" default:"500ms" description:"Initial delay between attempts"`
	// Max caps the delay between attempts.
	Max time.Duration `long:"max" default:"30s" description:"Maximum delay between attempts"`
	// Multiplier by which the delay grows with each attempt.
	Multiplier float64 `long:"multiplier" default:"2" description:"Growth factor of the delay between attempts"`
	// Jitter randomizes each delay by up to the given fraction. Zero is deterministic.
	Jitter float64 `long:"jitter" default:"0.2" description:"Randomization fraction of each delay"`
}

// DefaultPolicy returns the Policy used absent configuration.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 5,
		Initial:     500 * time.Millisecond,
		Max:         30 * time.Second,
		Multiplier:  2,
		Jitter:      0.2,
	}
}

// Schedule returns the delays preceding each retry of the Policy.
func (p Policy) Schedule() []time.Duration {
	var bo = p.backOff()
	var out []time.Duration

	for i := 1; i < p.attempts(); i++ {
		out = append(out, bo.NextBackOff())
	}
	return out
}

func (p Policy) attempts() int {
	if p.MaxAttempts < 1 {
		return 1
	}
	return p.MaxAttempts
}

func (p Policy) backOff() *backoff.ExponentialBackOff {
	var bo = backoff.NewExponentialBackOff()
	bo.RandomizationFactor = p.Jitter

	if p.Initial > 0 {
		bo.InitialInterval = p.Initial
	}
	if p.Max > 0 {
		bo.MaxInterval = p.Max
	}
	if p.Multiplier >= 1 {
		bo.Multiplier = p.Multiplier
	}
	bo.Reset()
	return bo
}

// Do invokes |fn| until it succeeds, returns an error for which |retryable|
// is false, the Policy's attempts are exhausted, or |ctx| is done. The last
// error of |fn| is returned, or the Context error if |ctx| ended a delay.
func Do(ctx context.Context, clock Clock, p Policy, retryable func(error) bool, fn func(context.Context) error) error {
	var bo = p.backOff()
	var attempts = p.attempts()

	for attempt := 1; ; attempt++ {
		var err = fn(ctx)
		if err == nil || !retryable(err) || attempt == attempts {
			return err
		}
		var delay = bo.NextBackOff()

		log.WithFields(log.Fields{
			"err":     err,
			"attempt": attempt,
			"delay":   delay,
		}).Warn("operation failed (will retry)")

		select {
		case <-clock.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
