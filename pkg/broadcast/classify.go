package broadcast

import (
	"context"
	"errors"
	"net"
)

// Signing clients wrap these sentinels so the executor can classify
// failures without knowing the client's transport.
var (
	// ErrSequenceMismatch marks a per-account sequence-number race.
	// Transient: the executor refreshes account state and retries.
	ErrSequenceMismatch = errors.New("account sequence mismatch")
	// ErrTransient marks any other retryable infrastructure failure.
	ErrTransient = errors.New("transient broadcast failure")
)

// retryable reports whether a sign-and-broadcast error may be retried.
// Deterministic rejections (invalid message, insufficient funds, chain
// reverts) must NOT carry either sentinel and are never retried.
func retryable(err error) bool {
	if errors.Is(err, ErrSequenceMismatch) || errors.Is(err, ErrTransient) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return false
}
