// Package util provides small helpers shared across the authflow packages.
package util

// SafeTruncate truncates s to at most maxLen bytes. Used to log prefixes of
// sensitive values like state tokens without exposing the full value.
func SafeTruncate(s string, maxLen int) string {
	if maxLen < 0 {
		return ""
	}
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen]
}
