// Package util provides small helpers shared across the library.
package util

// SafeTruncate returns at most n leading characters of s. It is used to log
// prefixes of secrets (state tokens, access tokens) without exposing them.
func SafeTruncate(s string, n int) string {
	if n <= 0 {
		return ""
	}
	if len(s) <= n {
		return s
	}
	return s[:n]
}
