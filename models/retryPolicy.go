package models

import "errors"

type RetryDecision int

const (
	DecisionRetry RetryDecision = iota
	DecisionExhaust
)

func (d RetryDecision) String() string {
	if d == DecisionExhaust {
		return "exhaust"
	}
	return "retry"
}

// permanent is implemented by errors that must never be retried
// (e.g. a request that is missing a required sub-payload).
type permanent interface {
	Permanent() bool
}

// IsPermanent reports whether any error in err's chain declares itself permanent.
func IsPermanent(err error) bool {
	var p permanent
	if errors.As(err, &p) {
		return p.Permanent()
	}
	return false
}

// RetryPolicy decides what happens to an item after a failed attempt.
// There is no backoff: a retried item becomes eligible again on the next poll cycle.
type RetryPolicy struct {
	MaxRetries int
}

// Decide is pure. retryCount is the count before the failed attempt is recorded.
func (p RetryPolicy) Decide(retryCount int, cause error) RetryDecision {
	if IsPermanent(cause) {
		return DecisionExhaust
	}
	if retryCount+1 >= p.MaxRetries {
		return DecisionExhaust
	}
	return DecisionRetry
}
