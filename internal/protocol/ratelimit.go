package protocol

import (
	"time"

	"golang.org/x/time/rate"
)

// FrameLimiter applies a token-bucket limit to inbound frames on one
// connection. A rejected frame starts a cooldown during which frames are
// dropped; violations inside the sustained window accumulate, and once the
// threshold is reached the connection should be closed.
type FrameLimiter struct {
	limiter *rate.Limiter

	cooldown        time.Duration
	sustainedWindow time.Duration
	maxViolations   int

	cooldownUntil time.Time
	violations    []time.Time
}

// NewFrameLimiter builds a limiter allowing msgsPerSec frames per second with
// an equal burst. maxViolations rate violations within window close the
// connection; a single violation drops frames for cooldown.
func NewFrameLimiter(msgsPerSec int, cooldown, window time.Duration, maxViolations int) *FrameLimiter {
	return &FrameLimiter{
		limiter:         rate.NewLimiter(rate.Limit(msgsPerSec), msgsPerSec),
		cooldown:        cooldown,
		sustainedWindow: window,
		maxViolations:   maxViolations,
	}
}

// Verdict is the limiter's decision for one inbound frame.
type Verdict int

const (
	// Accept lets the frame through.
	Accept Verdict = iota
	// Drop discards the frame but keeps the connection.
	Drop
	// Disconnect tells the worker to close the connection.
	Disconnect
)

// Observe records one inbound frame and returns the verdict.
// Not safe for concurrent use; each connection owns its limiter.
func (l *FrameLimiter) Observe(now time.Time) Verdict {
	if now.Before(l.cooldownUntil) {
		return Drop
	}
	if l.limiter.AllowN(now, 1) {
		return Accept
	}

	l.cooldownUntil = now.Add(l.cooldown)

	// Expire violations that fell out of the sustained window.
	kept := l.violations[:0]
	for _, t := range l.violations {
		if now.Sub(t) <= l.sustainedWindow {
			kept = append(kept, t)
		}
	}
	l.violations = append(kept, now)

	if len(l.violations) >= l.maxViolations {
		return Disconnect
	}
	return Drop
}
