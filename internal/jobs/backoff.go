package jobs

import (
	"fmt"
	"time"
)

// BackoffKind selects how retry delays grow.
type BackoffKind string

const (
	BackoffFixed       BackoffKind = "fixed"
	BackoffExponential BackoffKind = "exponential"
)

const maxBackoff = time.Hour

// Backoff computes the delay before a retry.
type Backoff struct {
	Kind  BackoffKind
	Delay time.Duration
}

// ParseBackoffKind validates a configured backoff kind.
func ParseBackoffKind(s string) (BackoffKind, error) {
	switch BackoffKind(s) {
	case BackoffFixed, BackoffExponential:
		return BackoffKind(s), nil
	}
	return "", fmt.Errorf("jobs: unknown backoff %q", s)
}

// Next returns the delay before retry number attempt (0-based). Exponential
// delays double per attempt and are capped at one hour.
func (b Backoff) Next(attempt int) time.Duration {
	if b.Delay <= 0 {
		return 0
	}
	if b.Kind != BackoffExponential || attempt <= 0 {
		return b.Delay
	}
	d := b.Delay
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= maxBackoff {
			return maxBackoff
		}
	}
	return d
}
