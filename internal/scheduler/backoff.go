package scheduler

import (
	"time"

	"github.com/acme/whatsapp-broadcast/internal/domain"
)

// DelayFor spaces the i-th job of a campaign so that, on average, the
// campaign stays within messagesPerSecond.
func DelayFor(index, messagesPerSecond int) time.Duration {
	if messagesPerSecond <= 0 {
		messagesPerSecond = 1
	}
	if index <= 0 {
		return 0
	}
	return time.Duration(index) * (time.Second / time.Duration(messagesPerSecond))
}

// RetryDelay is the wait before the next attempt after retryCount earlier
// failures: base * 2^retryCount, capped at the backoff maximum.
func RetryDelay(b domain.Backoff, retryCount int) time.Duration {
	base := b.BaseDelay
	if base <= 0 {
		base = 2 * time.Second
	}
	maxDelay := b.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 5 * time.Minute
	}
	if retryCount < 0 {
		retryCount = 0
	}

	delay := base
	for i := 0; i < retryCount; i++ {
		delay *= 2
		if delay >= maxDelay {
			return maxDelay
		}
	}
	if delay > maxDelay {
		return maxDelay
	}
	return delay
}

// Exhausted reports whether a failure now would be the job's last allowed
// attempt.
func Exhausted(job *domain.BroadcastJob) bool {
	attempts := job.Attempts
	if attempts <= 0 {
		attempts = 1
	}
	return job.Data.RetryCount+1 >= attempts
}
