package broadcast

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"time"
)

// RetryPolicy bounds the retry loop around transient broadcast failures.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	MaxJitter   time.Duration
}

// DefaultRetryPolicy suits RPC-grade transient failures: a handful of
// attempts spread over roughly a minute.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 5,
		BaseDelay:   500 * time.Millisecond,
		MaxDelay:    15 * time.Second,
		MaxJitter:   500 * time.Millisecond,
	}
}

// backoffDelay returns the wait before retry attempt (0-based), exponential
// with deterministic jitter. The jitter is a PRF of the signing account,
// operation, and attempt index, so replays of the same failure schedule
// identically while distinct operations spread out.
func (p RetryPolicy) backoffDelay(account, operationID string, attempt int) time.Duration {
	factor := int64(1)
	if attempt > 0 {
		if attempt > 30 {
			factor = 1 << 30 // cap the exponent, not the delay math
		} else {
			factor = 1 << attempt
		}
	}

	delay := time.Duration(factor) * p.BaseDelay
	if delay > p.MaxDelay || delay < 0 {
		delay = p.MaxDelay
	}

	return delay + p.jitter(account, operationID, attempt)
}

func (p RetryPolicy) jitter(account, operationID string, attempt int) time.Duration {
	if p.MaxJitter <= 0 {
		return 0
	}
	seed := fmt.Sprintf("%s:%s:%d", account, operationID, attempt)
	hash := sha256.Sum256([]byte(seed))
	basis := binary.BigEndian.Uint64(hash[:8])
	return time.Duration(basis % uint64(p.MaxJitter)) //nolint:gosec // MaxJitter is positive here
}
