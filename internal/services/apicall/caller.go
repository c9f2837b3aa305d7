package apicall

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"
)

// Policy bounds retries and breaker behaviour for one upstream.
type Policy struct {
	Name      string
	Attempts  int
	BaseDelay time.Duration
	MaxDelay  time.Duration
	// TripAfter consecutive failures open the breaker for OpenFor.
	TripAfter int
	OpenFor   time.Duration
	// OnStateChange observes breaker transitions, e.g. "closed" -> "open".
	OnStateChange func(from, to string)
}

// Caller retries calls to one upstream through a shared circuit breaker.
type Caller struct {
	policy  Policy
	breaker *gobreaker.CircuitBreaker
}

// New builds a Caller. Zero fields fall back to one attempt, a 1s base delay,
// a 10s cap, and a breaker that opens for 30s after 5 failures.
func New(p Policy) *Caller {
	if p.Attempts <= 0 {
		p.Attempts = 1
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = time.Second
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = 10 * time.Second
	}
	if p.TripAfter <= 0 {
		p.TripAfter = 5
	}
	if p.OpenFor <= 0 {
		p.OpenFor = 30 * time.Second
	}
	c := &Caller{policy: p}
	c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        p.Name,
		MaxRequests: 1,
		Timeout:     p.OpenFor,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= uint32(p.TripAfter)
		},
		IsSuccessful: countsAsSuccess,
		OnStateChange: func(_ string, from, to gobreaker.State) {
			if c.policy.OnStateChange != nil {
				c.policy.OnStateChange(from.String(), to.String())
			}
		},
	})
	return c
}

// Do runs fn until it succeeds, fails permanently, or attempts run out. extra
// marks additional upstream-specific errors as worth retrying. It returns the
// number of attempts made.
func (c *Caller) Do(ctx context.Context, fn func() error, extra func(error) bool) (int, error) {
	policy := newRetryPolicy(c.policy.BaseDelay, c.policy.MaxDelay)
	bounded := backoff.WithContext(backoff.WithMaxRetries(policy, uint64(c.policy.Attempts-1)), ctx)

	attempts := 0
	err := backoff.Retry(func() error {
		attempts++
		_, err := c.breaker.Execute(func() (any, error) { return nil, fn() })
		if err == nil {
			return nil
		}
		policy.observe(err)
		if Retryable(ctx, err) || (ctx.Err() == nil && extra != nil && extra(err)) {
			return err
		}
		return backoff.Permanent(err)
	}, bounded)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil && !errors.Is(err, ctxErr) {
			err = fmt.Errorf("%w: %w", ctxErr, err)
		}
	}
	return attempts, err
}

// Retryable reports whether err is a transient upstream failure: 408, 429,
// 5xx, or a network timeout. Cancellation and an open breaker are not.
func Retryable(ctx context.Context, err error) bool {
	if err == nil || ctx.Err() != nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || BreakerOpen(err) {
		return false
	}
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.Transient()
	}
	return IsTimeout(err)
}

// BreakerOpen reports whether err came from a short-circuited call.
func BreakerOpen(err error) bool {
	return errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests)
}

// IsTimeout reports network and client timeouts.
func IsTimeout(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var urlErr *url.Error
	return errors.As(err, &urlErr) && urlErr.Timeout()
}

// countsAsSuccess keeps caller mistakes and cancellation from tripping the
// breaker; only upstream trouble counts.
func countsAsSuccess(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return true
	}
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return !statusErr.Transient()
	}
	return false
}

// retryPolicy is exponential backoff that honours a server's Retry-After.
type retryPolicy struct {
	*backoff.ExponentialBackOff
	retryAfter time.Duration
}

func newRetryPolicy(base, maxDelay time.Duration) *retryPolicy {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = base
	exp.MaxInterval = maxDelay
	exp.RandomizationFactor = 0.2
	exp.MaxElapsedTime = 0
	exp.Reset()
	return &retryPolicy{ExponentialBackOff: exp}
}

func (p *retryPolicy) observe(err error) {
	p.retryAfter = 0
	var statusErr *StatusError
	if errors.As(err, &statusErr) && statusErr.RetryAfter > 0 {
		p.retryAfter = min(statusErr.RetryAfter, p.MaxInterval)
	}
}

func (p *retryPolicy) NextBackOff() time.Duration {
	next := p.ExponentialBackOff.NextBackOff()
	if p.retryAfter > 0 && next != backoff.Stop {
		return p.retryAfter
	}
	return next
}

