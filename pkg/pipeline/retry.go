package pipeline

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryPolicy decides whether a failed task is attempted again. Each call
// to BackOff starts the schedule for one task.
type RetryPolicy interface {
	BackOff() backoff.BackOff
}

type RetryPolicyFunc func() backoff.BackOff

func (f RetryPolicyFunc) BackOff() backoff.BackOff {
	return f()
}

// NoRetry fails a task on its first error.
func NoRetry() RetryPolicy {
	return RetryPolicyFunc(func() backoff.BackOff {
		return &backoff.StopBackOff{}
	})
}

// ConstantRetry attempts a failed task up to maxRetries more times, waiting
// interval between attempts.
func ConstantRetry(interval time.Duration, maxRetries uint64) RetryPolicy {
	return RetryPolicyFunc(func() backoff.BackOff {
		return backoff.WithMaxRetries(backoff.NewConstantBackOff(interval), maxRetries)
	})
}
