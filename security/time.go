package security

import "time"

const (
	// DefaultClockSkewGracePeriod is the default grace period for expiry
	// checks. It prevents false expiration errors due to time
	// synchronization differences between client, engine, and server.
	// 5 seconds handles typical NTP drift.
	DefaultClockSkewGracePeriod = 5 * time.Second

	// DefaultFreshnessMargin is how far ahead of expiry a stored token is
	// still considered usable. The margin absorbs request-latency jitter: a
	// token returned to the caller must survive the round trip it is about
	// to make. The check is relative to an injected clock, so it remains
	// correct under mock clocks with very short token lifetimes.
	DefaultFreshnessMargin = 10 * time.Second
)

// IsExpired checks if an instant is past, with the default clock skew grace.
func IsExpired(expiresAt time.Time) bool {
	return IsExpiredAt(expiresAt, time.Now())
}

// IsExpiredAt checks if expiresAt is past relative to now, with the default
// clock skew grace period. A zero expiresAt never expires.
func IsExpiredAt(expiresAt, now time.Time) bool {
	if expiresAt.IsZero() {
		return false
	}
	return now.After(expiresAt.Add(DefaultClockSkewGracePeriod))
}

// IsFresh reports whether a token expiring at expiresAt is still usable at
// now, given the freshness margin. A zero expiresAt is always fresh.
func IsFresh(expiresAt, now time.Time, margin time.Duration) bool {
	if expiresAt.IsZero() {
		return true
	}
	return expiresAt.After(now.Add(margin))
}
