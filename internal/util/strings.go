// Package util provides common utility functions used across the gateway.
package util

// SafeTruncate safely truncates a string to maxLen characters without
// panicking. Used when logging sensitive values like tokens and state, where
// only a prefix may be shown.
//
// If maxLen is negative, it's treated as 0 and returns an empty string.
//
// Example:
//
//	SafeTruncate("very-long-token-abc123", 8) // Returns: "very-lon"
//	SafeTruncate("short", 10)                 // Returns: "short"
func SafeTruncate(s string, maxLen int) string {
	if maxLen < 0 {
		return ""
	}
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen]
}
