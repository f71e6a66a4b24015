package scheduler

import (
	"time"
)

const (
	baseBackoff = time.Minute
	maxBackoff  = time.Hour
)

// calculateBackoff doubles the delay per consecutive failure, capped at an
// hour.
func calculateBackoff(failures int) time.Duration {
	if failures <= 0 {
		return 0
	}
	if failures > 6 {
		return maxBackoff
	}
	d := baseBackoff << uint(failures-1)
	if d > maxBackoff {
		d = maxBackoff
	}
	return d
}

// PeerBackoff tracks consecutive failures against one peer.
type PeerBackoff struct {
	Failures    int       `json:"failures"`
	NextAttempt time.Time `json:"nextAttempt"`
	LastError   string    `json:"lastError,omitempty"`
}

// due reports whether a peer may be attempted at now.
func (b *PeerBackoff) due(now time.Time) bool {
	return b == nil || !now.Before(b.NextAttempt)
}

func (b *PeerBackoff) fail(now time.Time, msg string) {
	b.Failures++
	b.NextAttempt = now.Add(calculateBackoff(b.Failures))
	b.LastError = msg
}
