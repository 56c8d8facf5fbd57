// Package retry decides whether failed attempts run again, and when. It
// also hosts the scheduler that promotes due retries and the status
// reconciler for polling backends.
package retry

import (
	"time"

	"github.com/docpress/docpress/config"
	"github.com/docpress/docpress/outcome"
)

// Class is the retry classification of a taxonomy code.
type Class int

const (
	// ClassTerminal failures never retry. This is the default for any
	// code not explicitly marked retryable, so unanticipated failures
	// cannot start retry storms.
	ClassTerminal Class = iota
	// ClassRetryable failures are transient and retry with backoff.
	ClassRetryable
)

// retryable is the closed set of transient codes. Everything else is
// terminal by default-deny.
var retryable = map[outcome.Code]struct{}{
	outcome.CodeBackendUnavailable: {},
	outcome.CodeBackendTimeout:     {},
}

// Classify maps a taxonomy code to its retry class.
func Classify(code outcome.Code) Class {
	if _, ok := retryable[code]; ok {
		return ClassRetryable
	}
	return ClassTerminal
}

// Policy computes retry decisions from configured bounds.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// NewPolicy builds a policy from configuration.
func NewPolicy(cfg config.RetryConfig) *Policy {
	return &Policy{
		MaxAttempts: cfg.MaxAttempts,
		BaseDelay:   cfg.BaseDelay,
		MaxDelay:    cfg.MaxDelay,
	}
}

// Backoff returns the delay before the attempt after attempt: base doubled
// per completed attempt, capped at the configured ceiling.
func (p *Policy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := p.BaseDelay
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

// Decision is the outcome of classifying one failed attempt.
type Decision struct {
	Retry bool
	Delay time.Duration // meaningful only when Retry is true
}

// Decide classifies a failure. A retryable code still converts to terminal
// once the attempt budget is spent, preserving the last error code.
func (p *Policy) Decide(code outcome.Code, attemptCount int) Decision {
	if Classify(code) != ClassRetryable {
		return Decision{}
	}
	if attemptCount >= p.MaxAttempts {
		return Decision{}
	}
	return Decision{Retry: true, Delay: p.Backoff(attemptCount)}
}
