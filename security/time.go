package security

import "time"

// DefaultClockSkewGracePeriod is applied to token and flow expiry checks so
// that minor clock drift between this process, the provider, and the machine
// that issued the record does not produce false expiration errors. Five
// seconds covers typical NTP drift while extending effective lifetime only
// marginally.
const DefaultClockSkewGracePeriod = 5 * time.Second

// IsExpired checks expiry with the default clock-skew grace period.
func IsExpired(expiresAt time.Time) bool {
	return IsExpiredWithGracePeriod(expiresAt, DefaultClockSkewGracePeriod)
}

// IsExpiredWithGracePeriod reports whether expiresAt has passed by more than
// gracePeriod. A zero expiresAt never expires.
func IsExpiredWithGracePeriod(expiresAt time.Time, gracePeriod time.Duration) bool {
	if expiresAt.IsZero() {
		return false
	}
	return time.Now().After(expiresAt.Add(gracePeriod))
}

// IsExpiringSoon reports whether expiresAt falls within the given threshold
// from now. Used to schedule proactive refreshes.
func IsExpiringSoon(expiresAt time.Time, threshold time.Duration) bool {
	if expiresAt.IsZero() {
		return false
	}
	return time.Now().Add(threshold).After(expiresAt)
}
