// Package backoff decides whether and when a failed external call
// should be retried. Decisions are pure: the same attempt count and
// classification always produce the same answer, so callers own all
// bookkeeping (attempt records, timers, persistence).
package backoff

import (
	"time"
)

// Classification of the failure that just occurred.
type Classification string

const (
	ClassAuthentication Classification = "authentication"
	ClassPayload        Classification = "payload"
	ClassRateLimit      Classification = "rate_limit"
	ClassServerError    Classification = "server_error"
	ClassNetwork        Classification = "network"
	ClassTimeout        Classification = "timeout"
)

// Strategy names reported back to callers. Exhausted is distinct so
// callers can alert on it separately from a plain non-retryable
// failure.
const (
	StrategyNone        = "none"
	StrategyExponential = "exponential"
	StrategyExhausted   = "exhausted"
)

type Decision struct {
	Retry    bool
	Delay    time.Duration
	Strategy string
}

// Policy holds the tunable knobs. The zero value is unusable; use
// DefaultPolicy or fill every field.
type Policy struct {
	MaxAttempts int
	// base delay for server/network/timeout failures, doubling per
	// attempt
	TransientBase time.Duration
	// base delay for rate-limit failures; provider rate windows are
	// minutes-scale, so this starts high
	RateLimitBase time.Duration
	MaxDelay      time.Duration
}

func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:   3,
		TransientBase: 1 * time.Second,
		RateLimitBase: 60 * time.Second,
		MaxDelay:      5 * time.Minute,
	}
}

// Decide returns the retry decision for the attempt-th failure
// (1-based) with the given classification. Authentication and payload
// failures are never retried; the attempt cap wins over every
// classification.
func (p Policy) Decide(attempt int, class Classification) Decision {
	if attempt >= p.MaxAttempts {
		return Decision{Retry: false, Strategy: StrategyExhausted}
	}

	switch class {
	case ClassAuthentication, ClassPayload:
		return Decision{Retry: false, Strategy: StrategyNone}
	case ClassRateLimit:
		return Decision{
			Retry:    true,
			Delay:    p.exponential(p.RateLimitBase, attempt),
			Strategy: StrategyExponential,
		}
	case ClassServerError, ClassNetwork, ClassTimeout:
		return Decision{
			Retry:    true,
			Delay:    p.exponential(p.TransientBase, attempt),
			Strategy: StrategyExponential,
		}
	}

	// unknown classifications are treated as permanent
	return Decision{Retry: false, Strategy: StrategyNone}
}

func (p Policy) exponential(base time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := base
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	if delay > p.MaxDelay {
		return p.MaxDelay
	}
	return delay
}

// Decide applies the default policy.
func Decide(attempt int, class Classification) Decision {
	return DefaultPolicy().Decide(attempt, class)
}

// lowQuotaThreshold is the remaining-call count under which we start
// stretching delays toward the quota reset.
const lowQuotaThreshold = 5

// QuotaAwareDelay widens a retry delay for rate-limited APIs when the
// remaining quota is nearly spent, spacing the remaining calls out to
// the reset time. Both this and Decide must be consulted before a
// retry is dispatched; the longer delay wins.
func QuotaAwareDelay(d Decision, remaining int, resetAt, now time.Time) time.Duration {
	if !d.Retry {
		return 0
	}
	if remaining > lowQuotaThreshold || resetAt.Before(now) {
		return d.Delay
	}

	untilReset := resetAt.Sub(now)
	recommended := untilReset / time.Duration(remaining+1)
	if recommended > d.Delay {
		return recommended
	}
	return d.Delay
}
